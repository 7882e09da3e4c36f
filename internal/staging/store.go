package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store holds the files and question a user has staged but not yet
// submitted. It is safe for concurrent use; readers always get copies.
type Store struct {
	mu       sync.RWMutex
	question string
	files    []File
}

func NewStore() *Store {
	return &Store{}
}

// AddFiles appends files in the given order. Names are not deduplicated.
func (s *Store) AddFiles(files ...File) {
	if len(files) == 0 {
		return
	}
	s.mu.Lock()
	s.files = append(s.files, files...)
	s.mu.Unlock()
}

// AddPaths reads each path from disk and stages it under its base name.
// Paths that cannot be read are skipped and reported in the returned error;
// the readable ones are still staged, in order.
func (s *Store) AddPaths(paths ...string) ([]File, error) {
	var (
		added []File
		errs  []error
	)
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", p, err))
			continue
		}
		added = append(added, NewFile(filepath.Base(p), content))
	}
	s.AddFiles(added...)
	return added, errors.Join(errs...)
}

// RemoveFile drops the file at index. Later entries shift down by one.
// An out-of-range index is ignored and reported as false.
func (s *Store) RemoveFile(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.files) {
		return false
	}
	s.files = append(s.files[:index:index], s.files[index+1:]...)
	return true
}

// SetQuestion replaces the pending question text as-is.
func (s *Store) SetQuestion(text string) {
	s.mu.Lock()
	s.question = text
	s.mu.Unlock()
}

// Clear empties both the question and the file list.
func (s *Store) Clear() {
	s.mu.Lock()
	s.question = ""
	s.files = nil
	s.mu.Unlock()
}

func (s *Store) Question() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.question
}

func (s *Store) Files() []File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]File(nil), s.files...)
}

// Snapshot returns the current question and files together.
func (s *Store) Snapshot() Input {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Input{
		Question: s.question,
		Files:    append([]File(nil), s.files...),
	}
}
