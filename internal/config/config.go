// Package config loads settings from defaults, an optional YAML file,
// CODEINDEX_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/adamavenir/codeindex/internal/indexer"
	"github.com/adamavenir/codeindex/internal/remote"
	"github.com/adamavenir/codeindex/internal/state"
)

// EnvPrefix prefixes every environment variable, e.g. CODEINDEX_AUTH_TOKEN.
const EnvPrefix = "CODEINDEX"

const configFileName = "config"

var (
	ErrMissingToken   = errors.New("auth token is not set (CODEINDEX_AUTH_TOKEN)")
	ErrMissingBaseURL = errors.New("index service URL is not set (CODEINDEX_BASE_URL)")
)

// Config is the resolved configuration.
type Config struct {
	AuthToken      string        `mapstructure:"auth_token"`
	BaseURL        string        `mapstructure:"base_url"`
	DataDir        string        `mapstructure:"data_dir"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFile        string        `mapstructure:"log_file"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SyncInterval   time.Duration `mapstructure:"sync_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxFiles       int           `mapstructure:"max_files"`
	MaxFileSize    int64         `mapstructure:"max_file_size"`
	Concurrency    int           `mapstructure:"concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MaxIterations  int           `mapstructure:"max_iterations"`
	IgnorePatterns []string      `mapstructure:"ignore_patterns"`
	DisableWatch   bool          `mapstructure:"disable_watch"`

	// ConfigFile is the file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

// LoadOptions points Load at an explicit file and at bound flags.
type LoadOptions struct {
	// ConfigFile must exist when set. Otherwise config.yaml in the data
	// directory is read if present.
	ConfigFile string
	Flags      *pflag.FlagSet
}

func setDefaults(v *viper.Viper) {
	d := indexer.DefaultConfig()
	v.SetDefault("auth_token", "")
	v.SetDefault("base_url", "")
	v.SetDefault("data_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("sync_interval", d.SyncInterval)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("max_files", d.MaxFiles)
	v.SetDefault("max_file_size", d.MaxFileSize)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_delay", d.RetryDelay)
	v.SetDefault("max_iterations", d.MaxIterations)
	v.SetDefault("ignore_patterns", []string{})
	v.SetDefault("disable_watch", false)
}

// Load resolves the configuration. It does not validate it.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !knownKeys[key] {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	dataDir := v.GetString("data_dir")
	if dataDir == "" {
		dir, err := state.DefaultDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = dir
		v.SetDefault("data_dir", dataDir)
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(dataDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file in %s: %w", dataDir, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	cfg.DataDir = filepath.Clean(cfg.DataDir)
	return &cfg, nil
}

var knownKeys = map[string]bool{
	"auth_token": true, "base_url": true, "data_dir": true, "log_level": true,
	"log_file": true, "metrics_addr": true, "request_timeout": true,
	"sync_interval": true, "batch_size": true, "max_files": true,
	"max_file_size": true, "concurrency": true, "max_retries": true,
	"retry_delay": true, "max_iterations": true, "ignore_patterns": true,
	"disable_watch": true,
}

// Validate reports settings that make the service unusable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AuthToken) == "" {
		return ErrMissingToken
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrMissingBaseURL
	}
	if _, err := remote.NormalizeBaseURL(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if c.BatchSize < 0 || c.Concurrency < 0 || c.MaxFiles < 0 || c.MaxFileSize < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

// Indexer returns the indexer settings.
func (c *Config) Indexer() indexer.Config {
	return indexer.Config{
		BatchSize:      c.BatchSize,
		MaxFiles:       c.MaxFiles,
		MaxFileSize:    c.MaxFileSize,
		Concurrency:    c.Concurrency,
		MaxRetries:     c.MaxRetries,
		RetryDelay:     c.RetryDelay,
		MaxIterations:  c.MaxIterations,
		SyncInterval:   c.SyncInterval,
		IgnorePatterns: c.IgnorePatterns,
		DisableWatch:   c.DisableWatch,
	}
}
