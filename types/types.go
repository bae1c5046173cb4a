// Package types contains shared domain types used across the hwtest platform.
package types

import (
	"time"
)

// SourceID identifies a data source (an instrument or a logical channel).
type SourceID string

// ChannelID identifies a measurement channel within a source.
type ChannelID string

// StateID identifies an environmental state.
type StateID string

// MonitorID identifies a telemetry monitor.
type MonitorID string

// Timestamp is a clock reading with nanosecond precision and source tracking.
// Source records where the reading originated ("local", "ntp", "ptp",
// "stream"). Timestamps from one source are expected to be monotonic.
type Timestamp struct {
	UnixNs int64  `json:"unix_ns"`
	Source string `json:"source,omitempty"`
}

// Now returns a Timestamp for the current local clock.
func Now() Timestamp {
	return Timestamp{UnixNs: time.Now().UnixNano(), Source: "local"}
}

// NowFrom returns a Timestamp for the current time attributed to source.
func NowFrom(source string) Timestamp {
	return Timestamp{UnixNs: time.Now().UnixNano(), Source: source}
}

// Time converts the timestamp to a time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	return time.Unix(0, ts.UnixNs).UTC()
}

// Before reports whether ts is earlier than other.
func (ts Timestamp) Before(other Timestamp) bool {
	return ts.UnixNs < other.UnixNs
}

// InstrumentIdentity holds instrument identification metadata. It mirrors
// the four fields of the SCPI *IDN? response but is general enough for any
// instrument type. The rack compares Manufacturer and Model against the
// configured expectation during initialization.
type InstrumentIdentity struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
}

// Matches reports whether the identity matches the expected manufacturer
// and model. Serial and firmware are informational and never compared.
func (id InstrumentIdentity) Matches(manufacturer, model string) bool {
	return id.Manufacturer == manufacturer && id.Model == model
}
