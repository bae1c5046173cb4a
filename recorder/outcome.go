package recorder

import (
	"context"

	"github.com/czalinski/hwtest/errors"
)

// Outcome is a derived per-unit verdict for a run. It is never stored.
type Outcome string

// Outcomes. Fail dominates indeterminate, indeterminate dominates pass.
const (
	OutcomeFail          Outcome = "fail"
	OutcomeIndeterminate Outcome = "indeterminate"
	OutcomePass          Outcome = "pass"
)

// DeriveOutcome computes the verdict for one unit in one run. Any recorded
// unit failure is a fail regardless of how the run ended. Without one, a
// system failure or an unfinished run leaves the unit indeterminate: the
// unit survived everything it was exposed to, but not the full profile.
func DeriveOutcome(hasUnitFailure, hasSystemFailure bool, status RunStatus) Outcome {
	switch {
	case hasUnitFailure:
		return OutcomeFail
	case hasSystemFailure:
		return OutcomeIndeterminate
	case status != StatusCompleted:
		return OutcomeIndeterminate
	default:
		return OutcomePass
	}
}

// UnitOutcome pairs a unit with its derived verdict.
type UnitOutcome struct {
	UnitID     int64
	SlotNumber int
	Outcome    Outcome
}

// Outcomes derives the verdict for every unit in a run, ordered by slot.
func (r *Recorder) Outcomes(ctx context.Context, runID int64) ([]UnitOutcome, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT unit_id, slot_number, outcome FROM test_run_unit_outcome "+
			"WHERE test_run_id = ? ORDER BY slot_number", runID)
	if err != nil {
		return nil, errors.Wrap(err, "Recorder", "Outcomes", "query view")
	}
	defer rows.Close()

	var out []UnitOutcome
	for rows.Next() {
		var o UnitOutcome
		if err := rows.Scan(&o.UnitID, &o.SlotNumber, (*string)(&o.Outcome)); err != nil {
			return nil, errors.Wrap(err, "Recorder", "Outcomes", "scan")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
