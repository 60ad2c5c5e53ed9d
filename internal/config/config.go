// Package config resolves agent configuration from an optional YAML file
// overlaid with environment variables. Environment always wins, so a staff
// workstation can be reconfigured without touching the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the loopback port the agent listens on.
	DefaultPort = 8420

	// DefaultTable is the remote table templates are persisted to.
	DefaultTable = "huellas"

	// DefaultHealthTimeout bounds the helper liveness check.
	DefaultHealthTimeout = 15 * time.Second

	// DefaultEnrollTimeout bounds a capture. Generous because it includes a
	// human placing a finger on the sensor.
	DefaultEnrollTimeout = 150 * time.Second

	// DefaultMaxBodyBytes caps JSON request bodies.
	DefaultMaxBodyBytes = 1 << 20
)

// Config holds the resolved agent settings.
type Config struct {
	Port           int
	AllowedOrigins []string
	HelperRoot     string
	JournalPath    string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseTable      string

	HealthTimeout time.Duration
	EnrollTimeout time.Duration
	MaxBodyBytes  int64
}

// fileConfig mirrors the optional YAML config file layout.
type fileConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	HelperRoot     string   `yaml:"helper_root"`
	JournalPath    string   `yaml:"journal_path"`
	Supabase       struct {
		URL        string `yaml:"url"`
		ServiceKey string `yaml:"service_key"`
		Table      string `yaml:"table"`
	} `yaml:"supabase"`
	HealthTimeoutSeconds int `yaml:"health_timeout_seconds"`
	EnrollTimeoutSeconds int `yaml:"enroll_timeout_seconds"`
}

// Load resolves configuration. path names an optional YAML file; an empty
// path or a missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Config{
		Port:          DefaultPort,
		SupabaseTable: DefaultTable,
		HealthTimeout: DefaultHealthTimeout,
		EnrollTimeout: DefaultEnrollTimeout,
		MaxBodyBytes:  DefaultMaxBodyBytes,
	}

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	if (cfg.SupabaseURL == "") != (cfg.SupabaseServiceKey == "") {
		return Config{}, fmt.Errorf("config: supabase URL and service key must be set together")
	}

	return cfg, nil
}

// PersistenceConfigured reports whether the remote store is usable. Presence
// of both credentials toggles the persistence bridge.
func (c Config) PersistenceConfigured() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = sanitizeOrigins(fc.AllowedOrigins)
	}
	if fc.HelperRoot != "" {
		cfg.HelperRoot = fc.HelperRoot
	}
	if fc.JournalPath != "" {
		cfg.JournalPath = fc.JournalPath
	}
	if fc.Supabase.URL != "" {
		cfg.SupabaseURL = strings.TrimRight(fc.Supabase.URL, "/")
	}
	if fc.Supabase.ServiceKey != "" {
		cfg.SupabaseServiceKey = fc.Supabase.ServiceKey
	}
	if fc.Supabase.Table != "" {
		cfg.SupabaseTable = fc.Supabase.Table
	}
	if fc.HealthTimeoutSeconds > 0 {
		cfg.HealthTimeout = time.Duration(fc.HealthTimeoutSeconds) * time.Second
	}
	if fc.EnrollTimeoutSeconds > 0 {
		cfg.EnrollTimeout = time.Duration(fc.EnrollTimeoutSeconds) * time.Second
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if raw := strings.TrimSpace(os.Getenv("HUELLAD_PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("config: parse HUELLAD_PORT: %w", err)
		}
		cfg.Port = port
	}
	if raw := strings.TrimSpace(os.Getenv("HUELLAD_ALLOWED_ORIGINS")); raw != "" {
		cfg.AllowedOrigins = sanitizeOrigins(strings.Split(raw, ","))
	}
	if raw := strings.TrimSpace(os.Getenv("HUELLAD_HELPER_ROOT")); raw != "" {
		cfg.HelperRoot = raw
	}
	if raw := strings.TrimSpace(os.Getenv("HUELLAD_JOURNAL")); raw != "" {
		cfg.JournalPath = raw
	}
	if raw := strings.TrimSpace(os.Getenv("SUPABASE_URL")); raw != "" {
		cfg.SupabaseURL = strings.TrimRight(raw, "/")
	}
	if raw := strings.TrimSpace(os.Getenv("SUPABASE_SERVICE_KEY")); raw != "" {
		cfg.SupabaseServiceKey = raw
	}
	if raw := strings.TrimSpace(os.Getenv("HUELLAD_TABLE")); raw != "" {
		cfg.SupabaseTable = raw
	}
	return nil
}

func sanitizeOrigins(origins []string) []string {
	result := make([]string, 0, len(origins))
	seen := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
