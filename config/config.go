// Package config loads the engine configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Clouded-Sabre/tcp-engine/lib"
)

// Config is the layout of the configuration file.
type Config struct {
	Core       *lib.CoreConfig       `yaml:"core"`
	Connection *lib.ConnectionConfig `yaml:"connection"`
}

// Default returns a Config holding the library defaults.
func Default() *Config {
	return &Config{
		Core:       lib.DefaultCoreConfig(),
		Connection: lib.DefaultConnectionConfig(),
	}
}

// ReadConfig decodes r over the defaults. Unknown keys are an error.
func ReadConfig(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Core == nil {
		cfg.Core = lib.DefaultCoreConfig()
	}
	if cfg.Connection == nil {
		cfg.Connection = lib.DefaultConnectionConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads the file at path.
func LoadConfig(path string) (*lib.CoreConfig, *lib.ConnectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := ReadConfig(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg.Core, cfg.Connection, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	core, conn := c.Core, c.Connection
	switch {
	case core.PreferredMSS < 64:
		return fmt.Errorf("preferred_mss %d below 64", core.PreferredMSS)
	case core.PayloadPoolSize <= 0:
		return fmt.Errorf("payload_pool_size must be positive")
	case core.EphemeralPortLower == 0 || core.EphemeralPortLower > core.EphemeralPortUpper:
		return fmt.Errorf("empty ephemeral port range %d-%d", core.EphemeralPortLower, core.EphemeralPortUpper)
	case core.MaxConnections <= 0:
		return fmt.Errorf("max_connections must be positive")
	case core.ProcessInterval <= 0:
		return fmt.Errorf("process_interval must be positive")
	case conn.MSS != 0 && conn.MSS < 64:
		return fmt.Errorf("mss %d below 64", conn.MSS)
	case conn.MinRTO <= 0 || conn.MinRTO > conn.MaxRTO:
		return fmt.Errorf("inconsistent RTO bounds min %s max %s", conn.MinRTO, conn.MaxRTO)
	case conn.InitialRTO < conn.MinRTO || conn.InitialRTO > conn.MaxRTO:
		return fmt.Errorf("initial_rto %s outside [%s, %s]", conn.InitialRTO, conn.MinRTO, conn.MaxRTO)
	case conn.MaxRetransmissions < 0:
		return fmt.Errorf("max_retransmissions must not be negative")
	case conn.WindowSize <= 0 || conn.WindowSize > 0xffff:
		return fmt.Errorf("window_size %d outside 1-65535", conn.WindowSize)
	case conn.TxQueueSize <= 0 || conn.RxQueueSize <= 0 || conn.RetransmissionQueueSize <= 0:
		return fmt.Errorf("queue sizes must be positive")
	}
	return nil
}
