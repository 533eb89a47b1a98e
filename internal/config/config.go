// Package config holds the settings of the xconfbus host process.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xconfbus"
)

// Config is the YAML document read by `xconfbus run`.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Bus       BusConfig       `yaml:"bus"`
	Transport TransportConfig `yaml:"transport"`
	Windows   []string        `yaml:"windows"`
	Seed      SeedConfig      `yaml:"seed"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type BusConfig struct {
	Codec           string        `yaml:"codec"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	ObserverWorkers int           `yaml:"observer_workers"`
	ObserverBuffer  int           `yaml:"observer_buffer"`
}

type TransportConfig struct {
	BufferSize      int           `yaml:"buffer_size"`
	Concurrency     int           `yaml:"concurrency"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay"`
	MaxRedeliveries int           `yaml:"max_redeliveries"`
	EnqueueTimeout  time.Duration `yaml:"enqueue_timeout"`
}

// SeedConfig lists topic values broadcast at startup and on every change of
// the config file.
type SeedConfig struct {
	Source string      `yaml:"source"`
	Topics []SeedTopic `yaml:"topics"`
}

// SeedTopic keeps the raw YAML node so map keys stay in file order.
type SeedTopic struct {
	Topic   string    `yaml:"topic"`
	Payload yaml.Node `yaml:"payload"`
}

// Defaults returns the settings used when no file exists.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Console: true},
		Bus: BusConfig{
			Codec:           "json",
			AckTimeout:      2 * time.Second,
			ObserverWorkers: 2,
			ObserverBuffer:  256,
		},
		Transport: TransportConfig{
			BufferSize:      256,
			Concurrency:     1,
			MaxRedeliveries: 3,
			EnqueueTimeout:  50 * time.Millisecond,
		},
		Windows: []string{"main"},
		Seed:    SeedConfig{Source: "seed"},
	}
}

// Validate checks the settings the host cannot run without.
func (c *Config) Validate() error {
	if len(c.Windows) == 0 {
		return fmt.Errorf("config: at least one window required")
	}
	seen := make(map[string]struct{}, len(c.Windows))
	for _, w := range c.Windows {
		if w == "" {
			return fmt.Errorf("config: window label must not be empty")
		}
		if _, dup := seen[w]; dup {
			return fmt.Errorf("config: duplicate window %q", w)
		}
		seen[w] = struct{}{}
	}
	if _, err := xconfbus.NewCodec(c.Bus.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for i, s := range c.Seed.Topics {
		if s.Topic == "" {
			return fmt.Errorf("config: seed %d has no topic", i)
		}
		if s.Topic == xconfbus.ConfigRequestTopic {
			return fmt.Errorf("config: seed %d uses reserved topic %q", i, s.Topic)
		}
	}
	return nil
}

// TransportMap converts the memory transport settings for the bus builder.
func (c *Config) TransportMap() map[string]any {
	t := c.Transport
	return map[string]any{
		"buffer_size":      t.BufferSize,
		"concurrency":      t.Concurrency,
		"redelivery_delay": t.RedeliveryDelay,
		"max_redeliveries": t.MaxRedeliveries,
		"enqueue_timeout":  t.EnqueueTimeout,
	}
}
