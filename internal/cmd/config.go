package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		ChannelURL string `yaml:"channel_url"`
		APIBaseURL string `yaml:"api_base_url"`
	} `yaml:"server"`
	Session struct {
		ResyncIntervalSeconds int `yaml:"resync_interval_seconds"`
		ViolationThreshold    int `yaml:"violation_threshold"`
	} `yaml:"session"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the yaml config and applies QUIZSYNC_* env overrides.
// A missing file is not an error; env and defaults carry the run.
func loadConfig(path string) (*Config, error) {
	var config Config

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config.Server.ChannelURL = getEnv("QUIZSYNC_CHANNEL_URL", config.Server.ChannelURL)
	config.Server.APIBaseURL = getEnv("QUIZSYNC_API_BASE_URL", config.Server.APIBaseURL)
	config.Session.ResyncIntervalSeconds = getEnvAsInt("QUIZSYNC_RESYNC_INTERVAL_SECONDS", config.Session.ResyncIntervalSeconds)
	config.Session.ViolationThreshold = getEnvAsInt("QUIZSYNC_VIOLATION_THRESHOLD", config.Session.ViolationThreshold)
	config.Log.Level = getEnv("QUIZSYNC_LOG_LEVEL", config.Log.Level)

	return &config, nil
}
