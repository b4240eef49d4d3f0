// Package config loads the relay's runtime configuration from environment
// variables (PTT_ prefix) and an optional config.yaml.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port           int     `mapstructure:"port"`
	RadiusKm       float64 `mapstructure:"radius_km"`
	UploadsDir     string  `mapstructure:"uploads_dir"`
	MaxUploadBytes int64   `mapstructure:"max_upload_bytes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3030)
	v.SetDefault("radius_km", 5)
	v.SetDefault("uploads_dir", "./uploads")
	v.SetDefault("max_upload_bytes", 5*1024*1024)
}

// Load reads configuration with precedence env > config file > defaults.
// A missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PTT")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RadiusKm <= 0 {
		return fmt.Errorf("invalid radius_km %v", c.RadiusKm)
	}
	if c.UploadsDir == "" {
		return fmt.Errorf("uploads_dir must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("invalid max_upload_bytes %d", c.MaxUploadBytes)
	}
	return nil
}
