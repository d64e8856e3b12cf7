// Package config loads daemon settings from an optional YAML file and
// the environment, env taking precedence. A subset of settings is
// hot-reloadable while the daemon runs.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "NOTESYNC"

type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	DatabaseURL string `mapstructure:"database_url"`
	DataDir     string `mapstructure:"data_dir"`

	SyncSchedule      string `mapstructure:"sync_schedule"`
	DeletionThreshold int    `mapstructure:"deletion_threshold"`
	QuarantineOrphans bool   `mapstructure:"quarantine_orphans"`

	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogLevel      string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8787")
	v.SetDefault("database_url", "postgres://localhost/notesync?sslmode=disable")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("sync_schedule", "@every 15m")
	v.SetDefault("deletion_threshold", 10)
	v.SetDefault("quarantine_orphans", false)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 5)
	v.SetDefault("log_level", "info")
}

// Loader owns the viper instance so the daemon can subscribe to file
// changes after the initial load.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current Config
}

func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v}
}

func (l *Loader) Load() (Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	cfg, err := l.snapshot()
	if err != nil {
		return Config{}, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Watch re-reads the config file on change and hands the fresh Config
// to onChange. Changes that fail to parse or validate are dropped; the
// previous Config stays in effect. No-op when no file is configured.
func (l *Loader) Watch(onChange func(Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.snapshot()
		if err != nil {
			return
		}
		l.mu.Lock()
		changed := cfg != l.current
		l.current = cfg
		l.mu.Unlock()
		if changed {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

func (l *Loader) snapshot() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database_url is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.DeletionThreshold < 0 {
		return fmt.Errorf("deletion_threshold must not be negative")
	}
	return nil
}
