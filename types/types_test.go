package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp_Time(t *testing.T) {
	ts := Timestamp{UnixNs: 1704067200000000000, Source: "local"}
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ts.Time())
}

func TestTimestamp_Before(t *testing.T) {
	a := Timestamp{UnixNs: 100}
	b := Timestamp{UnixNs: 200}
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.False(t, a.Before(a))
}

func TestNowFrom_SetsSource(t *testing.T) {
	ts := NowFrom("ptp")
	assert.Equal(t, "ptp", ts.Source)
	assert.NotZero(t, ts.UnixNs)
}

func TestInstrumentIdentity_Matches(t *testing.T) {
	id := InstrumentIdentity{
		Manufacturer: "BK Precision",
		Model:        "9115",
		Serial:       "123456",
		Firmware:     "1.0.0",
	}

	assert.True(t, id.Matches("BK Precision", "9115"))
	assert.False(t, id.Matches("BK Precision", "9116"))
	assert.False(t, id.Matches("Keysight", "9115"))
}

func TestTelemetryValue_JSONShape(t *testing.T) {
	v := TelemetryValue{
		Channel:         ChannelID("ch0_voltage"),
		Value:           3.3,
		Unit:            "V",
		SourceTimestamp: Timestamp{UnixNs: 42, Source: "stream"},
		Quality:         QualityGood,
	}

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "ch0_voltage", decoded["channel"])
	assert.Equal(t, "good", decoded["quality"])
	// Optional publish timestamp is omitted when unset
	assert.NotContains(t, decoded, "publish_timestamp")
}

func TestStateTransition_InitialHasNoFrom(t *testing.T) {
	tr := StateTransition{
		To:        StateID("ambient"),
		Timestamp: Timestamp{UnixNs: 1},
		Reason:    "run start",
	}

	raw, err := json.Marshal(tr)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.NotContains(t, decoded, "from_state")
	assert.Equal(t, "ambient", decoded["to_state"])
}
