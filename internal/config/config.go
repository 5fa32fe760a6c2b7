// Package config loads daemon configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DataDir    string `mapstructure:"data_dir"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // text or json

	Store StoreConfig `mapstructure:"store"`

	// WorkerCommand is the executable (plus fixed leading args) that
	// runs one task for one account; launch flags are appended.
	WorkerCommand []string      `mapstructure:"worker_command"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`

	Backup BackupConfig `mapstructure:"backup"`
}

// StoreConfig selects and configures the run ledger backend
type StoreConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres or memory
	DSN  string `mapstructure:"dsn"`
}

// BackupConfig configures the remote snapshot store
type BackupConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	WebDAVURL     string        `mapstructure:"webdav_url"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	RemotePath    string        `mapstructure:"remote_path"`
	EncryptionKey string        `mapstructure:"encryption_key"`
	Interval      time.Duration `mapstructure:"interval"`
}

// Dirs derived from DataDir
func (c *Config) TasksDir() string    { return filepath.Join(c.DataDir, "tasks") }
func (c *Config) SessionsDir() string { return filepath.Join(c.DataDir, "sessions") }
func (c *Config) WorkDir() string     { return filepath.Join(c.DataDir, "workdir") }
func (c *Config) RunsDir() string     { return filepath.Join(c.DataDir, "runs") }

// SnapshotPaths are the local paths included in every backup bundle
func (c *Config) SnapshotPaths() []string {
	paths := []string{c.TasksDir(), c.SessionsDir(), c.WorkDir()}
	if c.Store.Type == "sqlite" && c.Store.DSN != "" {
		paths = append(paths, c.Store.DSN)
	}
	return paths
}

// Load reads configuration from the given file (optional) and the
// RUNFORGE_* environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8420")
	v.SetDefault("data_dir", "/var/lib/runforge")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("grace_period", 10*time.Second)
	v.SetDefault("reap_interval", 30*time.Second)
	v.SetDefault("backup.interval", 5*time.Minute)
	v.SetDefault("backup.remote_path", "runforge/")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("runforged")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/runforge")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RUNFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults and env carry it
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Type {
	case "sqlite":
		if c.Store.DSN == "" {
			c.Store.DSN = filepath.Join(c.DataDir, "runforge.db")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if len(c.WorkerCommand) == 0 {
		return fmt.Errorf("worker_command is required")
	}
	if c.Backup.Enabled && c.Backup.WebDAVURL == "" {
		return fmt.Errorf("backup.webdav_url is required when backup is enabled")
	}
	return nil
}
