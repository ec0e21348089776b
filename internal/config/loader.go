// Package config provides configuration loading for previewd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for
// previewd.yaml/.yml. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found; ReadInConfig returns
		// ConfigFileNotFoundError, handled gracefully by Load.
		viper.SetConfigName("previewd")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindEnvKeys()
}

// findConfigFile searches standard locations for a previewd config file
// with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".previewd"),
		"/etc/previewd",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "previewd"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindEnvKeys binds config keys to the flat environment variables the
// deployment platform injects. These are the documented names, not a
// generated prefix scheme, so each is bound explicitly.
func bindEnvKeys() {
	_ = viper.BindEnv("server.port", "PORT")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")

	_ = viper.BindEnv("auth.api_key", "FLY_API_KEY")
	_ = viper.BindEnv("auth.api_secret", "FLY_API_SECRET")

	_ = viper.BindEnv("projects.data_dir", "DATA_DIR")
	_ = viper.BindEnv("projects.prebuilt_template_dir", "PREBUILT_TEMPLATE_DIR")
	_ = viper.BindEnv("projects.bun_binary", "BUN_BINARY")
	_ = viper.BindEnv("projects.tagger_dep", "JSX_TAGGER_DEP")

	_ = viper.BindEnv("instances.base_port", "PREVIEWD_BASE_PORT")
	_ = viper.BindEnv("instances.max_instances", "PREVIEWD_MAX_INSTANCES")
	_ = viper.BindEnv("instances.idle_timeout", "PREVIEWD_IDLE_TIMEOUT")
	_ = viper.BindEnv("instances.startup_timeout", "PREVIEWD_STARTUP_TIMEOUT")

	_ = viper.BindEnv("public.host", "FLY_PUBLIC_HOST")
	_ = viper.BindEnv("public.https", "FLY_HTTPS")
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded,
// or an empty string in env-vars-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
