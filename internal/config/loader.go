// Package config loads runtime configuration from defaults,
// environment variables, and caller overrides.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Server    ServerConfig  `mapstructure:"server"`
	Logging   LoggingConfig `mapstructure:"logging"`
	Runs      RunsConfig    `mapstructure:"runs"`
	Cache     CacheConfig   `mapstructure:"cache"`
	Workspace string        `mapstructure:"workspace"`
	Shell     string        `mapstructure:"shell"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// RunsConfig configures the on-disk run store.
type RunsConfig struct {
	Dir string `mapstructure:"dir"`
}

// CacheConfig configures the cache store. Backend is "local" or "s3".
type CacheConfig struct {
	Backend         string `mapstructure:"backend"`
	Dir             string `mapstructure:"dir"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("runs.dir", "")
	// Every key needs a default so env-only overrides survive Unmarshal.
	v.SetDefault("cache.backend", "local")
	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.bucket", "")
	v.SetDefault("cache.prefix", "")
	v.SetDefault("cache.region", "")
	v.SetDefault("cache.endpoint", "")
	v.SetDefault("cache.profile", "")
	v.SetDefault("cache.force_path_style", false)
	v.SetDefault("cache.access_key_id", "")
	v.SetDefault("cache.secret_access_key", "")
	v.SetDefault("workspace", ".")
	v.SetDefault("shell", "/bin/sh")
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("GANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short aliases for the common knobs.
	aliases := map[string][]string{
		"server.port":   {"GANTRY_PORT"},
		"server.host":   {"GANTRY_HOST"},
		"logging.level": {"GANTRY_LOG_LEVEL"},
	}
	for key, envs := range aliases {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// Load resolves configuration from defaults, GANTRY_* environment
// variables, and optional override maps (applied in order).
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	for _, override := range overrides {
		if err := v.MergeConfigMap(override); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := applyHomeDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyHomeDefaults fills paths that default to locations under the
// user's home directory.
func applyHomeDefaults(cfg *Config) error {
	if cfg.Runs.Dir != "" && cfg.Cache.Dir != "" {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if cfg.Runs.Dir == "" {
		cfg.Runs.Dir = filepath.Join(home, ".gantry", "runs")
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = filepath.Join(home, ".gantry", "cache")
	}
	return nil
}
