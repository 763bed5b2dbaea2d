package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "hushnote.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".hushnote"
)

// Config is the declarative configuration shape for hushnote.yaml.
// Flags override environment variables, which override this file.
type Config struct {
	Listen   ListenConfig   `yaml:"listen,omitempty"`
	Database DatabaseConfig `yaml:"database,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	Google   GoogleConfig   `yaml:"google,omitempty"`
	Otel     OtelConfig     `yaml:"otel,omitempty"`
}

// ListenConfig controls the HTTP listener.
type ListenConfig struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	CORSOrigin string `yaml:"cors_origin,omitempty"`
	MaxBody    int64  `yaml:"max_body,omitempty"`
}

// DatabaseConfig selects the auth store backend. A postgres:// DSN selects
// PostgreSQL; anything else is treated as a SQLite path.
type DatabaseConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

// SessionConfig controls session lifetime and cleanup.
type SessionConfig struct {
	TTL           Duration `yaml:"ttl,omitempty"`
	SweepSchedule string   `yaml:"sweep_schedule,omitempty"`
}

// Duration wraps time.Duration so yaml values like "24h" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// GoogleConfig carries the federated login credentials. The client secret
// should come from the environment rather than this file.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	RedirectURL  string `yaml:"redirect_url,omitempty"`
}

// OtelConfig controls trace export.
type OtelConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

// DiscoverConfigPath resolves the config file location with first-match
// semantics: explicit flag, then ./hushnote.yaml, then ~/.hushnote/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 3)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig reads and parses a hushnote.yaml file and overlays the
// HUSHNOTE_* environment on top.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	overlayEnv(&cfg)
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("HUSHNOTE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("HUSHNOTE_GOOGLE_CLIENT_ID")); v != "" {
		cfg.Google.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("HUSHNOTE_GOOGLE_CLIENT_SECRET")); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("HUSHNOTE_GOOGLE_REDIRECT_URL")); v != "" {
		cfg.Google.RedirectURL = v
	}
	if v := strings.TrimSpace(os.Getenv("HUSHNOTE_OTLP_ENDPOINT")); v != "" {
		cfg.Otel.Endpoint = v
	}
}

// DefaultSQLitePath returns the fallback database location,
// ~/.hushnote/hushnote.db, creating the directory if needed.
func DefaultSQLitePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	dir := filepath.Join(homeDir, homeConfigDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, "hushnote.db"), nil
}
