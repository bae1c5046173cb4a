package monitor

import (
	"fmt"

	"github.com/czalinski/hwtest/threshold"
	"github.com/czalinski/hwtest/types"
)

// Evaluate checks a set of telemetry values against the thresholds for an
// environmental state. It is a pure function; the running Monitor calls it
// per batch, and tests call it directly.
//
// Transition states are never evaluated: settling hardware produces
// readings that would fail thresholds without meaning anything, so the
// verdict is SKIP regardless of values. Otherwise every value whose channel
// has a threshold is checked and every violation collected before the
// verdict is decided: FAIL iff the violation list is non-empty.
//
// A malformed threshold skips only the values it covers; the verdict is
// ERROR only when no value could be evaluated at all even though at least
// one was constrained. Partial evaluation still yields PASS or FAIL.
func Evaluate(values []types.TelemetryValue, st types.EnvironmentalState, ths threshold.StateThresholds) (Verdict, []Violation, string) {
	if st.IsTransition {
		return VerdictSkip, nil, ""
	}

	var violations []Violation
	constrained := 0
	evaluated := 0
	var firstBad string

	for _, v := range values {
		th, ok := ths.Lookup(v.Channel)
		if !ok {
			continue
		}
		constrained++

		if err := th.Validate(); err != nil {
			if firstBad == "" {
				firstBad = fmt.Sprintf("channel %s: %v", v.Channel, err)
			}
			continue
		}
		evaluated++

		if ok, detail := th.Check(v.Value); !ok {
			violations = append(violations, Violation{
				Channel:   v.Channel,
				Value:     v.Value,
				Threshold: th.Describe(),
				Message:   detail,
			})
		}
	}

	if constrained > 0 && evaluated == 0 {
		return VerdictError, nil, firstBad
	}
	if len(violations) > 0 {
		return VerdictFail, violations, ""
	}
	return VerdictPass, nil, ""
}
