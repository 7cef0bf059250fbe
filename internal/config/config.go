// Package config provides environment-based configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv       string
	Port         string
	LogLevel     string
	LogFormat    string
	DataDir      string
	SecurityFile string
	RegistryFile string

	SnapshotInterval time.Duration
	StrictDecode     bool

	RootChannelName        string
	RootChannelDescription string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:                 getEnv("APP_ENV", "development"),
		Port:                   getEnv("PORT", "8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "text"),
		DataDir:                getEnv("DATA_DIR", "."),
		SecurityFile:           getEnv("SECURITY_FILE", "security.json"),
		RegistryFile:           getEnv("REGISTRY_FILE", "bazar.json"),
		RootChannelName:        getEnv("ROOT_CHANNEL_NAME", "default"),
		RootChannelDescription: getEnv("ROOT_CHANNEL_DESCRIPTION", "default channel"),
	}

	intervalMs, err := getEnvInt("SNAPSHOT_INTERVAL_MS", 2000)
	if err != nil {
		return nil, err
	}
	if intervalMs < 1 {
		return nil, fmt.Errorf("SNAPSHOT_INTERVAL_MS must be positive, got %d", intervalMs)
	}
	cfg.SnapshotInterval = time.Duration(intervalMs) * time.Millisecond

	strict, err := getEnvBool("STRICT_DECODE", false)
	if err != nil {
		return nil, err
	}
	cfg.StrictDecode = strict

	if info, err := os.Stat(cfg.DataDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("DATA_DIR %q is not a directory", cfg.DataDir)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}
