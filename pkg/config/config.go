// Package config loads server configuration from the environment, with an
// optional YAML file underneath. Environment variables always win, so a
// foodblock.yaml can hold the stable deployment shape while ops override
// per-instance details.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the server binary needs to boot.
type Config struct {
	Port        string
	BasePath    string
	DatabaseURL string
	LogLevel    string
	Test        bool

	ServerName string
	ServerURL  string

	FederationPublicKey  string
	FederationPrivateKey string
	Peers                []string
	SyncInterval         time.Duration

	AgentMasterKey string
	RedisURL       string
	OTLPEndpoint   string
}

// fileConfig is the optional YAML shape, pointed at by FOODBLOCK_CONFIG.
type fileConfig struct {
	Server struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Port     string `yaml:"port"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Federation struct {
		PublicKey    string   `yaml:"public_key"`
		PrivateKey   string   `yaml:"private_key"`
		Peers        []string `yaml:"peers"`
		SyncInterval string   `yaml:"sync_interval"`
	} `yaml:"federation"`
	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration: defaults, then the YAML file when present,
// then the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         "8080",
		LogLevel:     "info",
		SyncInterval: time.Minute,
	}

	if path := os.Getenv("FOODBLOCK_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setIf(&c.ServerName, fc.Server.Name)
	setIf(&c.ServerURL, fc.Server.URL)
	setIf(&c.Port, fc.Server.Port)
	setIf(&c.BasePath, fc.Server.BasePath)
	setIf(&c.DatabaseURL, fc.Database.URL)
	setIf(&c.LogLevel, fc.LogLevel)
	setIf(&c.FederationPublicKey, fc.Federation.PublicKey)
	setIf(&c.FederationPrivateKey, fc.Federation.PrivateKey)
	if len(fc.Federation.Peers) > 0 {
		c.Peers = fc.Federation.Peers
	}
	if fc.Federation.SyncInterval != "" {
		d, err := time.ParseDuration(fc.Federation.SyncInterval)
		if err != nil {
			return fmt.Errorf("parse federation.sync_interval: %w", err)
		}
		c.SyncInterval = d
	}
	return nil
}

func (c *Config) applyEnv() {
	setIf(&c.Port, os.Getenv("PORT"))
	setIf(&c.BasePath, os.Getenv("BASE_PATH"))
	setIf(&c.DatabaseURL, os.Getenv("DATABASE_URL"))
	setIf(&c.LogLevel, os.Getenv("LOG_LEVEL"))
	setIf(&c.ServerName, os.Getenv("FOODBLOCK_SERVER_NAME"))
	setIf(&c.ServerURL, os.Getenv("FOODBLOCK_SERVER_URL"))
	setIf(&c.FederationPublicKey, os.Getenv("FEDERATION_PUBLIC_KEY"))
	setIf(&c.FederationPrivateKey, os.Getenv("FEDERATION_PRIVATE_KEY"))
	setIf(&c.AgentMasterKey, os.Getenv("AGENT_MASTER_KEY"))
	setIf(&c.RedisURL, os.Getenv("REDIS_URL"))
	setIf(&c.OTLPEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))

	if peers := os.Getenv("FOODBLOCK_PEERS"); peers != "" {
		c.Peers = splitPeers(peers)
	}
	if test := os.Getenv("TEST"); test != "" {
		c.Test = test == "1" || strings.EqualFold(test, "true")
	}
}

// SlogLevel maps the configured level name onto slog. Unknown names fall back
// to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// HasFederationKey reports whether a persistent federation identity is
// configured. Without one the server boots with an ephemeral keypair.
func (c *Config) HasFederationKey() bool {
	return c.FederationPrivateKey != ""
}

func splitPeers(raw string) []string {
	parts := strings.Split(raw, ",")
	peers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, strings.TrimRight(p, "/"))
		}
	}
	return peers
}

func setIf(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}
