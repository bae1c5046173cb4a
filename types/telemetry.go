package types

// ValueQuality indicates how trustworthy a telemetry value is.
type ValueQuality string

// Quality levels for telemetry values.
const (
	// QualityGood means the value is valid and current.
	QualityGood ValueQuality = "good"
	// QualityUncertain means the value may be inaccurate (sensor warming up).
	QualityUncertain ValueQuality = "uncertain"
	// QualityBad means the value is known to be invalid (sensor fault).
	QualityBad ValueQuality = "bad"
	// QualityStale means the value is outdated (communication timeout).
	QualityStale ValueQuality = "stale"
)

// TelemetryValue is one measurement: a channel, a value, its unit, and the
// timestamps and quality associated with it. Values are immutable once
// constructed; monitors and recorders hold read-only views.
type TelemetryValue struct {
	Channel          ChannelID    `json:"channel"`
	Value            float64      `json:"value"`
	Unit             string       `json:"unit,omitempty"`
	SourceTimestamp  Timestamp    `json:"source_timestamp"`
	PublishTimestamp *Timestamp   `json:"publish_timestamp,omitempty"`
	Quality          ValueQuality `json:"quality"`
}
