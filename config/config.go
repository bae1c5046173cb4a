// Package config loads and validates the YAML test-stand configuration:
// rack identity, instrument entries with expected identities and channel
// aliases, monitor bindings, per-state thresholds, and service settings.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/rack"
	"github.com/czalinski/hwtest/threshold"
	"github.com/czalinski/hwtest/types"
)

// Defaults applied by Load when the file omits a setting.
const (
	DefaultNATSURL     = "nats://127.0.0.1:4222"
	DefaultNATSTimeout = 5 * time.Second
	DefaultMetricsAddr = ":9090"
)

// driver references are registry keys like "bkprecision.psu9115".
var driverRefPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// Config is the complete configuration for one test stand.
type Config struct {
	Rack       RackConfig                  `yaml:"rack"`
	NATS       NATSConfig                  `yaml:"nats"`
	Monitors   []MonitorConfig             `yaml:"monitors,omitempty"`
	Thresholds []threshold.StateThresholds `yaml:"thresholds,omitempty"`
	Recorder   RecorderConfig              `yaml:"recorder,omitempty"`
	Metrics    MetricsConfig               `yaml:"metrics,omitempty"`
}

// RackConfig identifies the rack and lists its instruments.
type RackConfig struct {
	ID          string                  `yaml:"id"`
	Description string                  `yaml:"description,omitempty"`
	SerialInit  bool                    `yaml:"serial_init,omitempty"`
	Instruments []rack.InstrumentConfig `yaml:"instruments"`
}

// NATSConfig holds message bus connection settings. Timeout is a duration
// string like "5s". DurableStream names a JetStream stream to ensure over
// the rack's telemetry subjects so consumers can replay after a restart;
// empty leaves telemetry on plain pub/sub.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name,omitempty"`
	Timeout       string `yaml:"timeout,omitempty"`
	MaxReconnects int    `yaml:"max_reconnects,omitempty"`
	DurableStream string `yaml:"durable_stream,omitempty"`
}

// TimeoutDuration parses the connect timeout, falling back to the default
// when unset.
func (n NATSConfig) TimeoutDuration() (time.Duration, error) {
	if n.Timeout == "" {
		return DefaultNATSTimeout, nil
	}
	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Config", "TimeoutDuration", n.Timeout)
	}
	return d, nil
}

// MonitorConfig binds a monitor to one telemetry source. Source is the
// subject token for the stream: a channel alias, or the
// instrument.channel physical fallback. Slot names the fixture slot whose
// unit the monitor's violations are recorded against; 0 leaves the
// monitor unrecorded.
type MonitorConfig struct {
	ID     types.MonitorID `yaml:"id"`
	Source string          `yaml:"source"`
	Slot   int             `yaml:"slot,omitempty"`
}

// RecorderConfig locates the results database and describes the run a
// serving stand records against. An empty path disables persistence.
type RecorderConfig struct {
	Path     string         `yaml:"path,omitempty"`
	TestCase string         `yaml:"test_case,omitempty"`
	RunType  string         `yaml:"run_type,omitempty"`
	UnitType string         `yaml:"unit_type,omitempty"`
	Revision string         `yaml:"revision,omitempty"`
	Units    []RecorderUnit `yaml:"units,omitempty"`
}

// RecorderUnit places a serial-numbered unit in a fixture slot.
type RecorderUnit struct {
	Serial string `yaml:"serial"`
	Slot   int    `yaml:"slot"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Addr    string `yaml:"addr,omitempty"`
}

// Load reads, parses, and validates the configuration at path. Unknown
// YAML keys are rejected so typos fail loudly instead of silently
// disabling a setting.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", path)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "decode yaml")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NATS.URL == "" {
		c.NATS.URL = DefaultNATSURL
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
}

// Validate checks structural rules the YAML schema cannot express: driver
// reference format, alias uniqueness across the whole rack, monitor
// bindings, and threshold well-formedness.
func (c *Config) Validate() error {
	if c.Rack.ID == "" {
		return invalid("rack.id is required")
	}
	if strings.ContainsAny(c.Rack.ID, ". *>") {
		return invalid(fmt.Sprintf("rack.id %q contains subject delimiter characters", c.Rack.ID))
	}

	sources := make(map[string]string)
	seen := make(map[string]bool)
	for i, inst := range c.Rack.Instruments {
		if inst.ID == "" {
			return invalid(fmt.Sprintf("instrument %d has no id", i))
		}
		if seen[inst.ID] {
			return invalid(fmt.Sprintf("duplicate instrument id %q", inst.ID))
		}
		seen[inst.ID] = true

		if inst.Driver == "" {
			return invalid(fmt.Sprintf("instrument %q has no driver reference", inst.ID))
		}
		if !driverRefPattern.MatchString(inst.Driver) {
			return invalid(fmt.Sprintf("instrument %q driver reference %q is malformed", inst.ID, inst.Driver))
		}
		if inst.Manufacturer == "" || inst.Model == "" {
			return invalid(fmt.Sprintf("instrument %q is missing expected identity", inst.ID))
		}

		for _, ch := range inst.Channels {
			if ch.ID == "" {
				return invalid(fmt.Sprintf("instrument %q has a channel with no id", inst.ID))
			}
			if ch.Direction != "" && ch.Direction != "input" && ch.Direction != "output" {
				return invalid(fmt.Sprintf("channel %s.%s direction %q", inst.ID, ch.ID, ch.Direction))
			}
			source := fmt.Sprintf("%s.%s", inst.ID, ch.ID)
			if ch.Alias != "" {
				if strings.ContainsAny(ch.Alias, ". *>") {
					return invalid(fmt.Sprintf("alias %q contains subject delimiter characters", ch.Alias))
				}
				source = ch.Alias
			}
			if owner, dup := sources[source]; dup {
				return invalid(fmt.Sprintf("channel name %q claimed by both %q and %q", source, owner, inst.ID))
			}
			sources[source] = inst.ID
		}
	}

	slots := make(map[int]string)
	for i, u := range c.Recorder.Units {
		if u.Serial == "" {
			return invalid(fmt.Sprintf("recorder unit %d has no serial", i))
		}
		if u.Slot < 1 {
			return invalid(fmt.Sprintf("recorder unit %q slot %d", u.Serial, u.Slot))
		}
		if owner, dup := slots[u.Slot]; dup {
			return invalid(fmt.Sprintf("slot %d claimed by both %q and %q", u.Slot, owner, u.Serial))
		}
		slots[u.Slot] = u.Serial
	}
	switch c.Recorder.RunType {
	case "", "hass", "halt", "functional", "ad_hoc":
	default:
		return invalid(fmt.Sprintf("recorder run type %q", c.Recorder.RunType))
	}

	seenMonitors := make(map[types.MonitorID]bool)
	for i, mon := range c.Monitors {
		if mon.ID == "" {
			return invalid(fmt.Sprintf("monitor %d has no id", i))
		}
		if seenMonitors[mon.ID] {
			return invalid(fmt.Sprintf("duplicate monitor id %q", mon.ID))
		}
		seenMonitors[mon.ID] = true
		if mon.Source == "" {
			return invalid(fmt.Sprintf("monitor %q has no source", mon.ID))
		}
		if mon.Slot < 0 {
			return invalid(fmt.Sprintf("monitor %q slot %d", mon.ID, mon.Slot))
		}
		if mon.Slot > 0 && len(c.Recorder.Units) > 0 {
			if _, ok := slots[mon.Slot]; !ok {
				return invalid(fmt.Sprintf("monitor %q slot %d has no recorder unit", mon.ID, mon.Slot))
			}
		}
		// Monitors may watch sources the rack does not own, for
		// example a chamber controller publishing from elsewhere, so
		// an unknown source is not an error.
	}

	if s := c.NATS.DurableStream; s != "" && strings.ContainsAny(s, ". *>") {
		return invalid(fmt.Sprintf("durable stream name %q contains subject delimiter characters", s))
	}

	if _, err := c.NATS.TimeoutDuration(); err != nil {
		return err
	}

	// NewStore runs the full threshold validation rules.
	if len(c.Thresholds) > 0 {
		if _, err := threshold.NewStore(c.Thresholds); err != nil {
			return err
		}
	}

	return nil
}

// ThresholdStore builds the validated threshold store from the config.
func (c *Config) ThresholdStore() (*threshold.Store, error) {
	return threshold.NewStore(c.Thresholds)
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}
