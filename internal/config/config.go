package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port              int
	MasterSecret      string
	DBPath            string
	GinMode           string
	TLSCertFile       string
	TLSKeyFile        string
	TokenExpiry       time.Duration
	InactivityTimeout time.Duration
	RPCTimeout        time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// fileConfig is the optional YAML overlay. Environment variables win over
// file values, file values win over defaults.
type fileConfig struct {
	Port                     int    `yaml:"port"`
	MasterSecret             string `yaml:"master_secret"`
	DBPath                   string `yaml:"db_path"`
	GinMode                  string `yaml:"gin_mode"`
	TLSCertFile              string `yaml:"tls_cert_file"`
	TLSKeyFile               string `yaml:"tls_key_file"`
	TokenExpirySeconds       int    `yaml:"token_expiry_seconds"`
	InactivityTimeoutSeconds int    `yaml:"inactivity_timeout_seconds"`
	RPCTimeoutSeconds        int    `yaml:"rpc_timeout_seconds"`
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:              3000,
		DBPath:            "agent-relay.db",
		GinMode:           "release",
		TokenExpiry:       7 * 24 * time.Hour,
		InactivityTimeout: 30 * time.Second,
		RPCTimeout:        30 * time.Second,
	}

	if path := env.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("MASTER_SECRET"); raw != "" {
		cfg.MasterSecret = raw
	}
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	if raw := env.Getenv("TLS_CERT_FILE"); raw != "" {
		cfg.TLSCertFile = raw
	}
	if raw := env.Getenv("TLS_KEY_FILE"); raw != "" {
		cfg.TLSKeyFile = raw
	}

	if d, err := secondsVar(env, "TOKEN_EXPIRY_SECONDS"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.TokenExpiry = d
	}
	if d, err := secondsVar(env, "INACTIVITY_TIMEOUT_SECONDS"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.InactivityTimeout = d
	}
	if d, err := secondsVar(env, "RPC_TIMEOUT_SECONDS"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.RPCTimeout = d
	}

	return cfg, nil
}

func secondsVar(env Env, key string) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(seconds) * time.Second, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.MasterSecret != "" {
		cfg.MasterSecret = fc.MasterSecret
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.GinMode != "" {
		cfg.GinMode = fc.GinMode
	}
	if fc.TLSCertFile != "" {
		cfg.TLSCertFile = fc.TLSCertFile
	}
	if fc.TLSKeyFile != "" {
		cfg.TLSKeyFile = fc.TLSKeyFile
	}
	if fc.TokenExpirySeconds > 0 {
		cfg.TokenExpiry = time.Duration(fc.TokenExpirySeconds) * time.Second
	}
	if fc.InactivityTimeoutSeconds > 0 {
		cfg.InactivityTimeout = time.Duration(fc.InactivityTimeoutSeconds) * time.Second
	}
	if fc.RPCTimeoutSeconds > 0 {
		cfg.RPCTimeout = time.Duration(fc.RPCTimeoutSeconds) * time.Second
	}
	return nil
}
