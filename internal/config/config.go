package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM      LLMConfig
	Server   ServerConfig
	Storage  StorageConfig
	Monitor  MonitorConfig
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig holds the inference service configuration
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// StorageConfig holds database and file-storage paths
type StorageConfig struct {
	DBPath    string `mapstructure:"db_path"`
	UploadDir string `mapstructure:"upload_dir"`
}

// MonitorConfig holds the safety-monitor tuning knobs
type MonitorConfig struct {
	InactivityWindowSeconds int `mapstructure:"inactivity_window_seconds"`
	RecencyWindowHours      int `mapstructure:"recency_window_hours"`
	CountdownTickSeconds    int `mapstructure:"countdown_tick_seconds"`
	MaxHistoryTurns         int `mapstructure:"max_history_turns"`
}

// InactivityWindow returns the watchdog window as a duration.
func (m MonitorConfig) InactivityWindow() time.Duration {
	return time.Duration(m.InactivityWindowSeconds) * time.Second
}

// RecencyWindow returns the reconnection follow-up window as a duration.
func (m MonitorConfig) RecencyWindow() time.Duration {
	return time.Duration(m.RecencyWindowHours) * time.Hour
}

// CountdownTick returns the countdown display tick as a duration.
func (m MonitorConfig) CountdownTick() time.Duration {
	return time.Duration(m.CountdownTickSeconds) * time.Second
}

// Load loads the configuration from config.yaml, or from the file named by
// the CONFIG_PATH environment variable when set.
func Load() (*Config, error) {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("storage.db_path", "monitor.db")
	viper.SetDefault("storage.upload_dir", "uploads")
	viper.SetDefault("monitor.inactivity_window_seconds", 300)
	viper.SetDefault("monitor.recency_window_hours", 24)
	viper.SetDefault("monitor.countdown_tick_seconds", 1)
	viper.SetDefault("monitor.max_history_turns", 40)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
