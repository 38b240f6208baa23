package config

import (
	"os"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM     LLMConfig     `mapstructure:"llm"`
	Server  ServerConfig  `mapstructure:"server"`
	History HistoryConfig `mapstructure:"history"`
	APIKeys APIKeysConfig `mapstructure:"api_keys"`
	Log     LogConfig     `mapstructure:"log"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// HistoryConfig holds the conversation history storage configuration
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// APIKeysConfig holds the API key storage configuration. MasterKey enables
// encryption of stored key values; it can also be supplied via the
// MASTER_ENCRYPTION_KEY environment variable.
type APIKeysConfig struct {
	DBPath    string `mapstructure:"db_path"`
	MasterKey string `mapstructure:"master_key"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads the configuration from config.yaml in the working directory,
// or from the file named by the CONFIG_PATH environment variable.
func Load() (*Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.BindEnv("api_keys.master_key", "MASTER_ENCRYPTION_KEY"); err != nil {
		return nil, err
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
