package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "COVHUB"

// Config holds the server configuration.
type Config struct {
	Addr       string `mapstructure:"addr"`
	MountPath  string `mapstructure:"mount_path"`
	OutputDir  string `mapstructure:"output_dir"`
	SourceRoot string `mapstructure:"source_root"`
	ResetOnGet bool   `mapstructure:"reset_on_get"`

	// MaxBodyBytes caps merge request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	// DiffTarget is a git ref or unified diff file; empty disables
	// differential coverage.
	DiffTarget       string        `mapstructure:"diff_target"`
	DiffCoverCommand string        `mapstructure:"diff_cover_command"`
	RepoRoot         string        `mapstructure:"repo_root"`
	DiffTimeout      time.Duration `mapstructure:"diff_timeout"`

	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":3000")
	v.SetDefault("mount_path", "/coverage")
	v.SetDefault("output_dir", "output")
	v.SetDefault("source_root", "")
	v.SetDefault("reset_on_get", false)
	v.SetDefault("max_body_bytes", int64(100<<20))
	v.SetDefault("diff_target", "")
	v.SetDefault("diff_cover_command", "diff-cover")
	v.SetDefault("repo_root", ".")
	v.SetDefault("diff_timeout", 2*time.Minute)
	v.SetDefault("log_level", "info")
}

// Load builds the configuration from defaults, an optional YAML file,
// a .env file in the working directory and COVHUB_* environment variables,
// in increasing order of precedence. An empty configFile searches for
// covhub.yaml in ./configs and the working directory.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("covhub")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch filepath.Clean(strings.TrimSpace(c.OutputDir)) {
	case ".", string(filepath.Separator):
		return fmt.Errorf("output_dir must name a dedicated directory, got %q", c.OutputDir)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.DiffTimeout <= 0 {
		return fmt.Errorf("diff_timeout must be positive, got %s", c.DiffTimeout)
	}
	if !strings.HasPrefix(c.MountPath, "/") {
		return fmt.Errorf("mount_path must start with '/', got %q", c.MountPath)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
