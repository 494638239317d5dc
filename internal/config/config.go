package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	API     APIConfig     `mapstructure:"api" json:"api"`
	Account AccountConfig `mapstructure:"account" json:"account"`
	Storage StorageConfig `mapstructure:"storage" json:"storage"`
	Sync    SyncConfig    `mapstructure:"sync" json:"sync"`
	Log     LogConfig     `mapstructure:"log" json:"log"`
	Dev     DevConfig     `mapstructure:"dev" json:"dev,omitempty"`
}

// APIConfig for server communication.
type APIConfig struct {
	// BaseURL is the node-assignment endpoint; the storage cluster is
	// discovered from it.
	BaseURL    string        `mapstructure:"base_url" json:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
	UserAgent  string        `mapstructure:"user_agent" json:"user_agent"`
}

// AccountConfig points at the credentials used for the storage service.
type AccountConfig struct {
	Username        string `mapstructure:"username" json:"username,omitempty"`
	CredentialsFile string `mapstructure:"credentials_file" json:"credentials_file,omitempty"`
	SecretID        string `mapstructure:"secret_id" json:"secret_id,omitempty"`
}

// Prefs backends.
const (
	PrefsJSON     = "json"
	PrefsSQLite   = "sqlite"
	PrefsDynamoDB = "dynamodb"
)

// StorageConfig for local persistence.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir" json:"data_dir"`
	PrefsBackend string `mapstructure:"prefs_backend" json:"prefs_backend"`
	PrefsTable   string `mapstructure:"prefs_table" json:"prefs_table,omitempty"`
}

// PrefsPath returns the file used by file-based prefs backends.
func (s StorageConfig) PrefsPath() string {
	if s.PrefsBackend == PrefsSQLite {
		return filepath.Join(s.DataDir, "prefs.db")
	}
	return filepath.Join(s.DataDir, "prefs.json")
}

// RecordsPath returns the SQLite database holding local records.
func (s StorageConfig) RecordsPath() string {
	return filepath.Join(s.DataDir, "records.db")
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	Collections           []string      `mapstructure:"collections" json:"collections"`
	MaxConcurrent         int           `mapstructure:"max_concurrent" json:"max_concurrent"`
	StorageVersion        int           `mapstructure:"storage_version" json:"storage_version"`
	EOLInterval           time.Duration `mapstructure:"eol_interval" json:"eol_interval"`
	MaterializeTombstones bool          `mapstructure:"materialize_tombstones" json:"materialize_tombstones"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"` // text, json
	File       string `mapstructure:"file" json:"file"`     // empty = stdout
	MaxSize    int    `mapstructure:"max_size" json:"max_size"` // MB before rotation
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" json:"max_age"` // days
	Color      bool   `mapstructure:"color" json:"color"`
}

// DevConfig for development/debugging.
type DevConfig struct {
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// DefaultCollections are synchronized when none are configured.
var DefaultCollections = []string{"bookmarks", "history", "forms"}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".recsync"

	return &Config{
		API: APIConfig{
			BaseURL:    "https://auth.services.example.com",
			Timeout:    30 * time.Second,
			MaxRetries: 2,
			UserAgent:  "recsync/1.0",
		},
		Storage: StorageConfig{
			DataDir:      dataDir,
			PrefsBackend: PrefsJSON,
		},
		Sync: SyncConfig{
			Collections:           append([]string(nil), DefaultCollections...),
			MaxConcurrent:         4,
			StorageVersion:        5,
			EOLInterval:           7 * 24 * time.Hour,
			MaterializeTombstones: true,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Color:      true,
		},
	}
}

// Validate checks configuration validity. It never touches the network.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url is malformed: %q", c.API.BaseURL)
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries cannot be negative")
	}

	if len(c.Sync.Collections) == 0 {
		return errors.New("sync.collections must not be empty")
	}

	if c.Sync.MaxConcurrent <= 0 {
		return errors.New("sync.max_concurrent must be positive")
	}

	if c.Sync.StorageVersion <= 0 {
		return errors.New("sync.storage_version must be positive")
	}

	if c.Sync.EOLInterval <= 0 {
		return errors.New("sync.eol_interval must be positive")
	}

	switch c.Storage.PrefsBackend {
	case PrefsJSON, PrefsSQLite:
	case PrefsDynamoDB:
		if c.Storage.PrefsTable == "" {
			return errors.New("storage.prefs_table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("invalid prefs backend: %s", c.Storage.PrefsBackend)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
