package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BackendURL    string
	HTTPTimeout   time.Duration
	SubmitTimeout time.Duration
	FlashInterval time.Duration
	ChatsTTL      time.Duration
	APIPort       int
	APIToken      string
	PrefsPath     string
	LogFile       string
	LogLevel      string
	DatabaseURL   string
	NatsURL       string
	NatsToken     string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first; variables already set take precedence.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		BackendURL:    envStr("RAGCHAT_BACKEND_URL", "http://localhost:8000"),
		HTTPTimeout:   envDuration("RAGCHAT_HTTP_TIMEOUT", 120*time.Second),
		SubmitTimeout: envDuration("RAGCHAT_SUBMIT_TIMEOUT", 0),
		FlashInterval: envDuration("RAGCHAT_FLASH_INTERVAL", 3*time.Second),
		ChatsTTL:      envDuration("RAGCHAT_CHATS_TTL", 30*time.Second),
		APIPort:       envInt("RAGCHAT_API_PORT", 0),
		APIToken:      envStr("RAGCHAT_API_TOKEN", ""),
		PrefsPath:     envStr("RAGCHAT_PREFS_PATH", "~/.ragchat/prefs.json"),
		LogFile:       envStr("RAGCHAT_LOG_FILE", "~/.ragchat/ragchat.log"),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		DatabaseURL:   envStr("DATABASE_URL", ""),
		NatsURL:       envStr("NATS_URL", ""),
		NatsToken:     envStr("NATS_TOKEN", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("90s", "2m"). Bare integers are
// read as seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
