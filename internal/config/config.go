// Package config loads syncstore's runtime configuration through a single
// viper instance: environment variables, then config file, then defaults, in
// that precedence order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called
// once at application startup, before any Get* accessor.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Precedence: ./.syncstore/config.yaml (walking up from cwd) >
	// ~/.config/syncstore/config.yaml > ~/.syncstore/config.yaml.
	configFileSet := false

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".syncstore", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "syncstore", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".syncstore", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("SYNCSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Store location and file safety.
	v.SetDefault("store.root", "./data")
	v.SetDefault("store.lock-timeout", "30s")

	// Replication defaults, per the enumerated external-interface config.
	v.SetDefault("replication.change-limit-per-batch", 1000)
	v.SetDefault("replication.insert-batch-size", 100)
	v.SetDefault("replication.pull-attachments-inline", false)
	v.SetDefault("replication.number-of-replays", 3)
	v.SetDefault("replication.initial-backoff", "250ms")
	v.SetDefault("replication.prefer-retry-after", true)

	// Optional at-rest encryption key provider; empty means disabled.
	v.SetDefault("encryption.key-env-var", "")

	// Logging defaults.
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 100)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("log.max-age-days", 28)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}
	return nil
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value, used by CLI flags that take
// precedence over file/env configuration.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns every configuration setting as a map, used by
// `syncctl info` to report the effective configuration.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
