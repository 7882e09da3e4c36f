package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// Preferences is the user's persisted UI state. Every change is written
// back to disk immediately.
type Preferences struct {
	Theme     Theme     `json:"theme"`
	UpdatedAt time.Time `json:"updated_at"`

	mu   sync.Mutex
	path string // not serialized
}

// Load reads preferences from path, or returns light-theme defaults if the
// file does not exist yet. If the file cannot be read or parsed, Load
// returns the error together with usable defaults bound to path, so the
// next save replaces the bad file.
func Load(path string) (*Preferences, error) {
	p := ExpandHome(path)
	defaults := &Preferences{Theme: ThemeLight, path: p}

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return defaults, fmt.Errorf("read prefs: %w", err)
	}

	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return defaults, fmt.Errorf("parse prefs: %w", err)
	}
	if prefs.Theme != ThemeDark {
		prefs.Theme = ThemeLight
	}
	prefs.path = p
	return &prefs, nil
}

func (p *Preferences) CurrentTheme() Theme {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Theme
}

// ToggleTheme flips between light and dark, saves, and returns the new theme.
// The in-memory theme changes even if saving fails.
func (p *Preferences) ToggleTheme() (Theme, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Theme == ThemeDark {
		p.Theme = ThemeLight
	} else {
		p.Theme = ThemeDark
	}
	return p.Theme, p.saveLocked()
}

// Save persists the preferences to disk.
func (p *Preferences) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked()
}

func (p *Preferences) saveLocked() error {
	p.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}

	return os.WriteFile(p.path, data, 0o644)
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
