package agent

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config holds rusersd settings read from the environment.
type Config struct {
	// Addr is the listen address (RUSERSD_ADDR).
	Addr string `mapstructure:"ADDR"`
	// LogLevel is debug, info, warn or error (RUSERSD_LOG_LEVEL).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogOutput is stdout, stderr or a file path (RUSERSD_LOG_OUTPUT).
	LogOutput string `mapstructure:"LOG_OUTPUT"`
}

// LoadConfig builds a Config from RUSERSD_* environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RUSERSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ADDR", ":50051")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_OUTPUT", "stderr")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Addr == "" {
		return nil, errors.New("config: RUSERSD_ADDR must not be empty")
	}
	return &cfg, nil
}
