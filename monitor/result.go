// Package monitor evaluates telemetry against state-dependent thresholds
// and produces verdicts.
package monitor

import (
	"github.com/czalinski/hwtest/types"
)

// Verdict is the outcome of evaluating one telemetry batch.
type Verdict string

// Verdicts. SKIP means the batch was deliberately not evaluated, for a
// transition state; ERROR means evaluation itself could not proceed, which
// is distinct from FAIL.
const (
	VerdictPass  Verdict = "PASS"
	VerdictFail  Verdict = "FAIL"
	VerdictSkip  Verdict = "SKIP"
	VerdictError Verdict = "ERROR"
)

// Violation is one out-of-range reading.
type Violation struct {
	Channel   types.ChannelID `json:"channel"`
	Value     float64         `json:"value"`
	Threshold string          `json:"threshold"`
	Message   string          `json:"message"`
}

// Result is the outcome of one evaluation: the verdict, every violation
// found (not just the first), and the context it was reached in.
type Result struct {
	Monitor    types.MonitorID `json:"monitor"`
	Source     types.SourceID  `json:"source"`
	State      types.StateID   `json:"state"`
	Verdict    Verdict         `json:"verdict"`
	Violations []Violation     `json:"violations,omitempty"`
	Timestamp  types.Timestamp `json:"timestamp"`
	Batch      uint64          `json:"batch"`
	Detail     string          `json:"detail,omitempty"`
}

// Failed reports whether the result carries violations.
func (r Result) Failed() bool {
	return r.Verdict == VerdictFail
}
