package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NeuralTrust/RateGate/pkg/types"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Limiter LimiterConfig `mapstructure:"limiter"`
}

type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`
}

type LimiterConfig struct {
	PolicyID      string                            `mapstructure:"policy_id"`
	Algorithm     string                            `mapstructure:"algorithm"`
	Limit         int64                             `mapstructure:"limit"`
	Window        string                            `mapstructure:"window"`
	KeySource     string                            `mapstructure:"key_source"`
	FailOpen      bool                              `mapstructure:"fail_open"`
	SweepInterval string                            `mapstructure:"sweep_interval"`
	Tiers         map[string]map[string]interface{} `mapstructure:"tiers"`
}

// Policy converts the configured default limit into a validated policy.
func (c LimiterConfig) Policy() (types.Policy, error) {
	window, err := time.ParseDuration(c.Window)
	if err != nil {
		return types.Policy{}, fmt.Errorf("invalid limiter window %q: %w", c.Window, err)
	}
	policy := types.Policy{
		Algorithm: types.Algorithm(c.Algorithm),
		Limit:     c.Limit,
		Window:    window,
	}
	if err := policy.Validate(); err != nil {
		return types.Policy{}, err
	}
	return policy, nil
}

var globalConfig Config

func Load(configPath string) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaultValues()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&globalConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

func setDefaultValues() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("limiter.policy_id", "default")
	viper.SetDefault("limiter.algorithm", string(types.AlgorithmFixedWindow))
	viper.SetDefault("limiter.limit", 100)
	viper.SetDefault("limiter.window", "1m")
	viper.SetDefault("limiter.key_source", "ip")
	viper.SetDefault("limiter.sweep_interval", "30s")
}

func GetConfig() *Config {
	return &globalConfig
}
