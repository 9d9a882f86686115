// Package config loads server configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-replica-kit/logging"
)

// Config is the top-level server configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Auth        AuthConfig         `yaml:"auth"`
	Storage     StorageConfig      `yaml:"storage"`
	Logging     logging.Config     `yaml:"logging"`
	Collections []CollectionConfig `yaml:"collections"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CORS is the allowed origin applied to every endpoint unless an
	// endpoint sets its own. Empty disables CORS handling.
	CORS string `yaml:"cors"`
}

type AuthConfig struct {
	// JWTSecret is the HMAC secret for the JWT auth handler. When empty the
	// server falls back to the permissive handler.
	JWTSecret     string `yaml:"jwt_secret"`
	JWTSecretFile string `yaml:"jwt_secret_file"`
}

type StorageConfig struct {
	// Driver selects the document store backend: "memory" or "sqlite".
	Driver    string `yaml:"driver"`
	SQLiteDSN string `yaml:"sqlite_dsn"`
}

// CollectionConfig declares one hosted collection. Each collection gets a
// replication endpoint and a REST endpoint at /{name}/{schema_version}/.
type CollectionConfig struct {
	Name             string   `yaml:"name"`
	PrimaryPath      string   `yaml:"primary_path"`
	SchemaVersion    int      `yaml:"schema_version"`
	ServerOnlyFields []string `yaml:"server_only_fields"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Logging: logging.DefaultConfig,
		Collections: []CollectionConfig{
			{Name: "documents", PrimaryPath: "id"},
		},
	}
}

// Load reads the configuration file at path (skipped when the file does not
// exist), then applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REPLICA_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("REPLICA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REPLICA_CORS"); v != "" {
		cfg.Server.CORS = v
	}
	if v := os.Getenv("REPLICA_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("REPLICA_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("REPLICA_SQLITE_DSN"); v != "" {
		cfg.Storage.SQLiteDSN = v
	}
	if v := os.Getenv("REPLICA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// JWTSecretBytes resolves the JWT secret, preferring the inline value over
// the file reference. Returns nil when no secret is configured.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.Auth.JWTSecret != "" {
		return []byte(c.Auth.JWTSecret), nil
	}
	if c.Auth.JWTSecretFile != "" {
		return os.ReadFile(c.Auth.JWTSecretFile)
	}
	return nil, nil
}
