package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RECSYNC_LOG_LEVEL.
const EnvPrefix = "RECSYNC"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader. An empty path searches default locations.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{
		configPath: configPath,
		v:          v,
	}
}

// Load reads configuration from defaults, file and environment, then validates it.
func (l *Loader) Load() (*Config, error) {
	setDefaults(l.v, DefaultConfig())

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
	} else {
		l.v.SetConfigName("recsync")
		for _, dir := range l.defaultDirs() {
			l.v.AddConfigPath(dir)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFileUsed returns the file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) defaultDirs() []string {
	dirs := []string{"."}
	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(homeDir, ".config", "recsync"),
			filepath.Join(homeDir, ".recsync"),
		)
	}
	return dirs
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.max_retries", d.API.MaxRetries)
	v.SetDefault("api.user_agent", d.API.UserAgent)

	v.SetDefault("account.username", d.Account.Username)
	v.SetDefault("account.credentials_file", d.Account.CredentialsFile)
	v.SetDefault("account.secret_id", d.Account.SecretID)

	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.prefs_backend", d.Storage.PrefsBackend)
	v.SetDefault("storage.prefs_table", d.Storage.PrefsTable)

	v.SetDefault("sync.collections", d.Sync.Collections)
	v.SetDefault("sync.max_concurrent", d.Sync.MaxConcurrent)
	v.SetDefault("sync.storage_version", d.Sync.StorageVersion)
	v.SetDefault("sync.eol_interval", d.Sync.EOLInterval)
	v.SetDefault("sync.materialize_tombstones", d.Sync.MaterializeTombstones)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.color", d.Log.Color)

	v.SetDefault("dev.insecure_skip_verify", d.Dev.InsecureSkipVerify)
}
