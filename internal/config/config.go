// Package config provides configuration management for the knowledge base
// server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/graphkb/graphkb/internal/gdb"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// DatabaseConfig represents the graph database connection configuration.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// RootUser and RootPassword are the server-level credentials used to
	// create the database when it does not exist yet.
	RootUser     string `yaml:"root_user"`
	RootPassword string `yaml:"root_password"`
	PoolSize     int    `yaml:"pool_size"`
	Timeout      int    `yaml:"timeout"` // seconds
	// Create makes startup create the database when missing.
	Create bool `yaml:"create"`
	// Migrate makes startup reconcile the database schema with the model.
	Migrate bool `yaml:"migrate"`
}

// AuthConfig represents token signing and bootstrap configuration.
type AuthConfig struct {
	// KeyFile is the path to the RSA private key used to sign tokens. The
	// key is reloaded when the file changes.
	KeyFile  string `yaml:"key_file"`
	Issuer   string `yaml:"issuer"`
	TokenTTL int    `yaml:"token_ttl"` // minutes
	// Bootstrap credentials for the initial admin user. The password should
	// be set via GRAPHKB_ADMIN_PASSWORD rather than the config file.
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
	// Dir enables rotated file logging when set; empty logs to stderr.
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     2480,
			Name:     "graphkb",
			User:     "admin",
			RootUser: "root",
			PoolSize: 10,
			Timeout:  30,
			Migrate:  true,
		},
		Auth: AuthConfig{
			KeyFile:   "id_rsa",
			Issuer:    "graphkb",
			TokenTTL:  480,
			AdminUser: "graphkb_admin",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the config file
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GRAPHKB_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("GRAPHKB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	// Database overrides
	if v := os.Getenv("GRAPHKB_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("GRAPHKB_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("GRAPHKB_DB_NAME"); v != "" {
		c.Database.Name = v
	}
	if v := os.Getenv("GRAPHKB_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("GRAPHKB_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("GRAPHKB_DB_ROOT_USER"); v != "" {
		c.Database.RootUser = v
	}
	if v := os.Getenv("GRAPHKB_DB_ROOT_PASSWORD"); v != "" {
		c.Database.RootPassword = v
	}
	if v := os.Getenv("GRAPHKB_DB_CREATE"); v != "" {
		c.Database.Create = isTrue(v)
	}
	if v := os.Getenv("GRAPHKB_DB_MIGRATE"); v != "" {
		c.Database.Migrate = isTrue(v)
	}

	// Auth overrides
	if v := os.Getenv("GRAPHKB_KEY_FILE"); v != "" {
		c.Auth.KeyFile = v
	}
	if v := os.Getenv("GRAPHKB_ADMIN_USER"); v != "" {
		c.Auth.AdminUser = v
	}
	if v := os.Getenv("GRAPHKB_ADMIN_PASSWORD"); v != "" {
		c.Auth.AdminPassword = v
	}

	// Logging overrides
	if v := os.Getenv("GRAPHKB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GRAPHKB_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
}

func isTrue(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("invalid pool size: %d", c.Database.PoolSize)
	}
	if c.Auth.TokenTTL < 1 {
		return fmt.Errorf("invalid token TTL: %d", c.Auth.TokenTTL)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if f := c.Logging.Format; f != "json" && f != "text" {
		return fmt.Errorf("invalid log format: %s", f)
	}

	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GDB returns the database connection configuration for the session pool.
func (c *Config) GDB() gdb.Config {
	return gdb.Config{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		Name:     c.Database.Name,
		Username: c.Database.User,
		Password: c.Database.Password,
		PoolSize: c.Database.PoolSize,
		Timeout:  time.Duration(c.Database.Timeout) * time.Second,
	}
}

// TokenTTL returns the configured token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTL) * time.Minute
}
