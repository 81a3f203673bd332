package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/racetelem/internal/emitter"
	"github.com/shaunagostinho/racetelem/internal/ingest"
	"github.com/shaunagostinho/racetelem/internal/logger"
	"github.com/shaunagostinho/racetelem/internal/source"
	"github.com/shaunagostinho/racetelem/internal/wire"
)

// DefaultConfigPath is where the CLI looks for the config file.
const DefaultConfigPath = "/etc/racetelem/config.yaml"

// Config holds all runtime configuration.
type Config struct {
	mu sync.RWMutex

	// Data acquisition
	Serial    SerialConfig           `yaml:"serial" json:"serial"`
	Synthetic source.SyntheticConfig `yaml:"synthetic" json:"synthetic"`

	// Ingestion loop
	Ingest IngestConfig `yaml:"ingest" json:"ingest"`

	// Per-mode wire layout overrides, keyed by mode number 0-4.
	Layouts map[int]wire.Layout `yaml:"layouts,omitempty" json:"layouts,omitempty"`

	// Recording and export
	Logging  logger.Config  `yaml:"logging" json:"logging"`
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Uplink
	MQTT emitter.Config `yaml:"mqtt" json:"mqtt"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	source.SerialConfig `yaml:",inline"`
	// Retry keeps trying to open the port with backoff instead of failing.
	Retry bool `yaml:"retry" json:"retry"`
	// Fallback switches to the synthetic source when the port cannot be opened.
	Fallback bool `yaml:"fallback_synthetic" json:"fallbackSynthetic"`
}

type IngestConfig struct {
	BufferIntervalMs int     `yaml:"buffer_interval_ms" json:"bufferIntervalMs"`
	RingSize         int     `yaml:"ring_size" json:"ringSize"`
	RateWindow       int     `yaml:"rate_window" json:"rateWindow"`
	RateCeilingHz    float64 `yaml:"rate_ceiling_hz" json:"rateCeilingHz"`
	Mailbox          int     `yaml:"mailbox" json:"mailbox"` // per-subscriber queue length
}

type DatabaseConfig struct {
	Dir string `yaml:"dir" json:"dir"` // export directory for telemetry_data_*.db
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			SerialConfig: source.SerialConfig{
				PortPath:    "null",
				BaudRate:    9600,
				ReadTimeout: time.Second,
			},
		},
		Synthetic: source.SyntheticConfig{
			Rate:    20,
			Gates:   3,
			LapTime: time.Minute,
		},
		Ingest: IngestConfig{
			BufferIntervalMs: 100,
			RingSize:         1000,
			RateWindow:       20,
			RateCeilingHz:    50,
			Mailbox:          16,
		},
		Logging: logger.Config{
			Enabled: false,
			Path:    "/var/log/racetelem",
		},
		Database: DatabaseConfig{
			Dir: "/var/lib/racetelem",
		},
		MQTT: emitter.Config{
			Prefix:   "racetelem",
			ClientID: "racetelem",
			Encoding: "json",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SERIAL_PORT, SERIAL_BAUD, SERIAL_RETRY, FALLBACK_SYNTHETIC,
// SYNTHETIC_RATE, BUFFER_INTERVAL_MS, RING_SIZE, LISTEN_ADDR, MQTT_BROKER,
// MQTT_PREFIX, MQTT_ENCODING, LOG_ENABLED, LOG_PATH, DB_DIR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("SERIAL_RETRY"); v != "" {
		c.Serial.Retry = envBool(v)
	}
	if v := os.Getenv("FALLBACK_SYNTHETIC"); v != "" {
		c.Serial.Fallback = envBool(v)
	}
	if v := os.Getenv("SYNTHETIC_RATE"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Synthetic.Rate = n
		}
	}
	if v := os.Getenv("BUFFER_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.BufferIntervalMs = n
		}
	}
	if v := os.Getenv("RING_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.RingSize = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// MQTT
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_PREFIX"); v != "" {
		c.MQTT.Prefix = v
	}
	if v := os.Getenv("MQTT_ENCODING"); v != "" {
		c.MQTT.Encoding = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = envBool(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("DB_DIR"); v != "" {
		c.Database.Dir = v
	}
}

// LoopConfig converts the ingest section for ingest.New.
func (c *Config) LoopConfig() ingest.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ingest.Config{
		BufferInterval: time.Duration(c.Ingest.BufferIntervalMs) * time.Millisecond,
		RingSize:       c.Ingest.RingSize,
		RateWindow:     c.Ingest.RateWindow,
		RateCeiling:    c.Ingest.RateCeilingHz,
		Layouts:        c.Layouts,
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
