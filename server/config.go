// File: server/config.go
// Package server — configuration loading and validation.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/momentics/socketd/api"
	"github.com/momentics/socketd/logging"
)

// CORSConfig is the cross-origin policy applied to HTTP requests carrying an
// Origin header.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowedOrigins"`
	AllowedMethods   []string `mapstructure:"allowedMethods"`
	AllowedHeaders   []string `mapstructure:"allowedHeaders"`
	MaxAge           int      `mapstructure:"maxAge"` // seconds
	AllowCredentials bool     `mapstructure:"allowCredentials"`
}

// QueueConfig points at the broadcast queue file.
type QueueConfig struct {
	File    string `mapstructure:"file"`
	Enabled bool   `mapstructure:"enabled"`
}

// RateLimitConfig is the per-connection inbound message budget.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MessagesPerSecond float64 `mapstructure:"messagesPerSecond"`
	Burst             int     `mapstructure:"burst"`
}

// Config carries every option the core consumes. Timeouts are seconds.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	IdleTimeout  int `mapstructure:"idleTimeout"`
	PingInterval int `mapstructure:"pingInterval"`
	PingTimeout  int `mapstructure:"pingTimeout"`

	MaxFrameBytes    int `mapstructure:"maxFrameBytes"`
	MaxMessageBytes  int `mapstructure:"maxMessageBytes"`
	WriteBufferBytes int `mapstructure:"writeBufferBytes"`

	ShutdownTimeout int `mapstructure:"shutdownTimeout"`

	CORS      CORSConfig      `mapstructure:"cors"`
	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Log       logging.Config  `mapstructure:"log"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:             "0.0.0.0",
		Port:             8080,
		IdleTimeout:      300,
		PingInterval:     54,
		PingTimeout:      10,
		MaxFrameBytes:    2 << 20,
		MaxMessageBytes:  2 << 20,
		WriteBufferBytes: 1 << 20,
		ShutdownTimeout:  5,
		CORS: CORSConfig{
			AllowedOrigins: []string{},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
			MaxAge:         600,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			MessagesPerSecond: 100,
			Burst:             200,
		},
		Log: logging.Config{Level: "info"},
	}
}

// LoadConfig reads a config file (any format viper understands) merged over
// the defaults, with SOCKETD_-prefixed environment overrides. An empty path
// loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOCKETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultConfig()
	v.SetDefault("host", defaults.Host)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("idleTimeout", defaults.IdleTimeout)
	v.SetDefault("pingInterval", defaults.PingInterval)
	v.SetDefault("pingTimeout", defaults.PingTimeout)
	v.SetDefault("maxFrameBytes", defaults.MaxFrameBytes)
	v.SetDefault("maxMessageBytes", defaults.MaxMessageBytes)
	v.SetDefault("writeBufferBytes", defaults.WriteBufferBytes)
	v.SetDefault("shutdownTimeout", defaults.ShutdownTimeout)
	v.SetDefault("cors.allowedMethods", defaults.CORS.AllowedMethods)
	v.SetDefault("cors.allowedHeaders", defaults.CORS.AllowedHeaders)
	v.SetDefault("cors.maxAge", defaults.CORS.MaxAge)
	v.SetDefault("rateLimit.messagesPerSecond", defaults.RateLimit.MessagesPerSecond)
	v.SetDefault("rateLimit.burst", defaults.RateLimit.Burst)
	v.SetDefault("log.level", defaults.Log.Level)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, api.ErrConfiguration)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", api.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range: %w", c.Port, api.ErrConfiguration)
	}
	if c.MaxFrameBytes <= 0 || c.MaxMessageBytes <= 0 || c.WriteBufferBytes <= 0 {
		return fmt.Errorf("size limits must be positive: %w", api.ErrConfiguration)
	}
	if c.MaxFrameBytes > c.MaxMessageBytes {
		return fmt.Errorf("maxFrameBytes exceeds maxMessageBytes: %w", api.ErrConfiguration)
	}
	if c.IdleTimeout < 0 || c.PingInterval < 0 || c.PingTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative: %w", api.ErrConfiguration)
	}
	if c.Queue.Enabled && c.Queue.File == "" {
		return fmt.Errorf("queue enabled without queue.file: %w", api.ErrConfiguration)
	}
	if c.RateLimit.Enabled && c.RateLimit.MessagesPerSecond <= 0 {
		return fmt.Errorf("rateLimit.messagesPerSecond must be positive: %w", api.ErrConfiguration)
	}
	if c.CORS.AllowCredentials {
		for _, o := range c.CORS.AllowedOrigins {
			if o == "*" {
				return fmt.Errorf("cors.allowCredentials cannot be combined with wildcard origin: %w", api.ErrConfiguration)
			}
		}
	}
	return nil
}

func (c *Config) idleTimeout() time.Duration     { return time.Duration(c.IdleTimeout) * time.Second }
func (c *Config) pingInterval() time.Duration    { return time.Duration(c.PingInterval) * time.Second }
func (c *Config) pingTimeout() time.Duration     { return time.Duration(c.PingTimeout) * time.Second }
func (c *Config) shutdownTimeout() time.Duration { return time.Duration(c.ShutdownTimeout) * time.Second }
