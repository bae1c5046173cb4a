// Package threshold defines per-environmental-state acceptance bounds for
// telemetry channels and the immutable store that holds them for the
// duration of a test case.
package threshold

import (
	"fmt"
	"math"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/types"
)

// Bound is one limit edge of an acceptance range.
type Bound struct {
	Value     float64 `json:"value" yaml:"value"`
	Inclusive bool    `json:"inclusive" yaml:"inclusive"`
}

// CheckLow reports whether v satisfies this bound as a low limit. An
// inclusive low bound passes v >= Value; exclusive requires strict >.
func (b Bound) CheckLow(v float64) bool {
	if b.Inclusive {
		return v >= b.Value
	}
	return v > b.Value
}

// CheckHigh reports whether v satisfies this bound as a high limit.
func (b Bound) CheckHigh(v float64) bool {
	if b.Inclusive {
		return v <= b.Value
	}
	return v < b.Value
}

func (b Bound) describe(edge string) string {
	kind := "exclusive"
	if b.Inclusive {
		kind = "inclusive"
	}
	return fmt.Sprintf("%s %v (%s)", edge, b.Value, kind)
}

// Threshold is the acceptance range for one channel. A nil bound leaves
// that side unbounded.
type Threshold struct {
	Channel types.ChannelID `json:"channel" yaml:"channel"`
	Low     *Bound          `json:"low,omitempty" yaml:"low,omitempty"`
	High    *Bound          `json:"high,omitempty" yaml:"high,omitempty"`
}

// Validate rejects malformed definitions: NaN bounds, or a low bound above
// the high bound. A threshold with no bounds at all is legal and always
// passes.
func (t Threshold) Validate() error {
	if t.Channel == "" {
		return errors.WrapInvalid(errors.ErrThresholdConfig, "Threshold", "Validate", "empty channel")
	}
	if t.Low != nil && math.IsNaN(t.Low.Value) {
		return errors.WrapInvalid(errors.ErrThresholdConfig, "Threshold", "Validate",
			fmt.Sprintf("channel %s low bound is NaN", t.Channel))
	}
	if t.High != nil && math.IsNaN(t.High.Value) {
		return errors.WrapInvalid(errors.ErrThresholdConfig, "Threshold", "Validate",
			fmt.Sprintf("channel %s high bound is NaN", t.Channel))
	}
	if t.Low != nil && t.High != nil && t.Low.Value > t.High.Value {
		return errors.WrapInvalid(errors.ErrThresholdConfig, "Threshold", "Validate",
			fmt.Sprintf("channel %s low %v above high %v", t.Channel, t.Low.Value, t.High.Value))
	}
	return nil
}

// Check evaluates v against the range. When v is out of range, detail names
// the violated edge for the failure record.
func (t Threshold) Check(v float64) (ok bool, detail string) {
	if t.Low != nil && !t.Low.CheckLow(v) {
		return false, fmt.Sprintf("value %v below low bound %s", v, t.Low.describe("limit"))
	}
	if t.High != nil && !t.High.CheckHigh(v) {
		return false, fmt.Sprintf("value %v above high bound %s", v, t.High.describe("limit"))
	}
	return true, ""
}

// Describe renders the range for logs and bound_description fields.
func (t Threshold) Describe() string {
	switch {
	case t.Low != nil && t.High != nil:
		return fmt.Sprintf("[%s, %s]", t.Low.describe("low"), t.High.describe("high"))
	case t.Low != nil:
		return fmt.Sprintf("[%s, +inf)", t.Low.describe("low"))
	case t.High != nil:
		return fmt.Sprintf("(-inf, %s]", t.High.describe("high"))
	default:
		return "(-inf, +inf)"
	}
}

// StateThresholds is every channel threshold enforced in one environmental
// state. A channel absent from the map is unconstrained in that state.
type StateThresholds struct {
	State      types.StateID                 `json:"state" yaml:"state"`
	Thresholds map[types.ChannelID]Threshold `json:"thresholds" yaml:"thresholds"`
}

// Lookup returns the threshold for a channel, if one is enforced.
func (st StateThresholds) Lookup(channel types.ChannelID) (Threshold, bool) {
	t, ok := st.Thresholds[channel]
	return t, ok
}
