package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Version int `yaml:"version"`
	Engine  struct {
		RelationshipMin   *float64      `yaml:"relationship_min"`
		RelationshipMax   *float64      `yaml:"relationship_max"`
		MaxTransitions    int           `yaml:"max_transitions"`
		HistoryLimit      int           `yaml:"history_limit"`
		GenerationTimeout time.Duration `yaml:"generation_timeout"`
	} `yaml:"engine"`
	Network struct {
		APIPort   int     `yaml:"api_port"`
		RateLimit float64 `yaml:"rate_limit"`
		TLSCert   string  `yaml:"tls_cert"`
		TLSKey    string  `yaml:"tls_key"`
		// TrustProxy honors X-Forwarded-For and X-Real-IP for client addresses.
		TrustProxy bool `yaml:"trust_proxy"`
	} `yaml:"network"`
	Storage struct {
		Driver     string `yaml:"driver"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"storage"`
	MQTT struct {
		Enabled      bool   `yaml:"enabled"`
		ClientID     string `yaml:"client_id"`
		RequestTopic string `yaml:"request_topic"`
		ReplyTopic   string `yaml:"reply_topic"`
	} `yaml:"mqtt"`
	Programs struct {
		Dir string `yaml:"dir"`
	} `yaml:"programs"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{Version: 1}
}

// RelationshipRange returns the clamp bounds for relationship metrics,
// defaulting to [0, 100].
func (c *Config) RelationshipRange() (float64, float64) {
	lo, hi := 0.0, 100.0
	if c.Engine.RelationshipMin != nil {
		lo = *c.Engine.RelationshipMin
	}
	if c.Engine.RelationshipMax != nil {
		hi = *c.Engine.RelationshipMax
	}
	return lo, hi
}

// MaxTransitions returns the per-call transition cap, defaulting to 1000.
func (c *Config) MaxTransitions() int {
	if c.Engine.MaxTransitions <= 0 {
		return 1000
	}
	return c.Engine.MaxTransitions
}

// HistoryLimit returns the runtime history size, defaulting to 200.
func (c *Config) HistoryLimit() int {
	if c.Engine.HistoryLimit <= 0 {
		return 200
	}
	return c.Engine.HistoryLimit
}

// GenerationTimeout returns the content generation timeout, defaulting to 10s.
func (c *Config) GenerationTimeout() time.Duration {
	if c.Engine.GenerationTimeout <= 0 {
		return 10 * time.Second
	}
	return c.Engine.GenerationTimeout
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *Config) APIPort() int {
	if c.Network.APIPort == 0 {
		return 8080
	}
	return c.Network.APIPort
}

// RateLimit returns requests per second allowed per client, defaulting to 50.
func (c *Config) RateLimit() float64 {
	if c.Network.RateLimit <= 0 {
		return 50
	}
	return c.Network.RateLimit
}

// StorageDriver returns the session/program store driver, defaulting to memory.
func (c *Config) StorageDriver() string {
	if c.Storage.Driver == "" {
		return DriverMemory
	}
	return c.Storage.Driver
}

// SQLitePath returns the sqlite database file, defaulting to narrative.db.
func (c *Config) SQLitePath() string {
	if c.Storage.SQLitePath == "" {
		return "narrative.db"
	}
	return c.Storage.SQLitePath
}

// MQTTClientID returns the MQTT client id, defaulting to narrative-engine.
func (c *Config) MQTTClientID() string {
	if c.MQTT.ClientID == "" {
		return "narrative-engine"
	}
	return c.MQTT.ClientID
}

// MQTTTopics returns the generation request and reply topics.
func (c *Config) MQTTTopics() (string, string) {
	req, reply := c.MQTT.RequestTopic, c.MQTT.ReplyTopic
	if req == "" {
		req = "narrative/generation/request"
	}
	if reply == "" {
		reply = "narrative/generation/reply"
	}
	return req, reply
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported narrative.yaml version: %d", cfg.Version)
	}

	switch cfg.StorageDriver() {
	case DriverMemory, DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}

	lo, hi := cfg.RelationshipRange()
	if lo >= hi {
		return nil, fmt.Errorf("relationship_min (%v) must be below relationship_max (%v)", lo, hi)
	}

	return &cfg, nil
}
