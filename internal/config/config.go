// Package config loads the relay configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings. Every path is overridable so tests
// can point the stores at throwaway locations.
type Config struct {
	Addr        string `env:"RELAY_ADDR" envDefault:":8080"`
	SessionFile string `env:"RELAY_SESSION_FILE" envDefault:"data/sessions.json"`
	SettingsDB  string `env:"RELAY_SETTINGS_DB" envDefault:"data/settings.db"`
	CacheSize   int    `env:"RELAY_CACHE_SIZE" envDefault:"10"`
	MaxGames    int    `env:"RELAY_MAX_GAMES" envDefault:"50"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"development"`

	// Origin host patterns allowed to open websocket connections.
	// Producers and the overlay shell both run on app-local origins.
	AllowedOrigins []string `env:"RELAY_ALLOWED_ORIGINS" envSeparator:"," envDefault:"localhost:*,127.0.0.1:*"`
}

// Load parses the configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
