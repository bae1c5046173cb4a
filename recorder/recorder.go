// Package recorder persists test run facts: runs, units under test,
// system failures, and first-occurrence unit failures. Outcomes are never
// stored; they are derived from the recorded facts.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/czalinski/hwtest/errors"
)

// RunType classifies a test run.
type RunType string

// Run types.
const (
	RunHASS       RunType = "hass"
	RunHALT       RunType = "halt"
	RunFunctional RunType = "functional"
	RunAdHoc      RunType = "ad_hoc"
)

// RunStatus is the lifecycle status of a test run.
type RunStatus string

// Run statuses. A run leaves running exactly once: completed by the
// operator, or terminated by a system failure.
const (
	StatusRunning    RunStatus = "running"
	StatusCompleted  RunStatus = "completed"
	StatusTerminated RunStatus = "terminated"
)

// RequirementSource distinguishes continuously monitored requirements from
// point checks.
type RequirementSource string

// Requirement sources.
const (
	SourceMonitor    RequirementSource = "monitor"
	SourcePointCheck RequirementSource = "point_check"
)

// TestRun is one execution of a test case.
type TestRun struct {
	ID         int64
	Label      string
	TestCaseID int64
	RunType    RunType
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
}

// UnitFailure is one requirement violation for a unit.
type UnitFailure struct {
	TestRunID            int64
	UnitID               int64
	RequirementID        int64
	EnvironmentalStateID int64
	MeasuredValue        float64
	BoundDescription     string
	Description          string
}

// SystemFailure is a rack or fixture fault that terminated a run.
type SystemFailure struct {
	ID          int64
	TestRunID   int64
	OccurredAt  time.Time
	ParetoCode  string
	Description string
}

// Recorder wraps the sqlite database holding test results.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// Open opens (creating if needed) the results database at path and applies
// the schema. Use ":memory:" for tests.
func Open(path string, opts ...Option) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Recorder", "Open", "open database")
	}
	// sqlite handles one writer at a time; serialize through one
	// connection instead of failing on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Recorder", "Open", "apply schema")
	}

	r := &Recorder{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// CreateUnitType registers a product model.
func (r *Recorder) CreateUnitType(ctx context.Context, name, description string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO unit_type (name, description) VALUES (?, ?)", name, description)
	if err != nil {
		return 0, errors.Wrap(err, "Recorder", "CreateUnitType", name)
	}
	return res.LastInsertId()
}

// CreateDesignRevision registers a revision of a unit type.
func (r *Recorder) CreateDesignRevision(ctx context.Context, unitTypeID int64, revision string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO design_revision (unit_type_id, revision) VALUES (?, ?)", unitTypeID, revision)
	if err != nil {
		return 0, errors.Wrap(err, "Recorder", "CreateDesignRevision", revision)
	}
	return res.LastInsertId()
}

// CreateUnit registers an individual unit by serial number.
func (r *Recorder) CreateUnit(ctx context.Context, serialNumber string, designRevisionID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO unit (serial_number, design_revision_id) VALUES (?, ?)",
		serialNumber, designRevisionID)
	if err != nil {
		return 0, errors.Wrap(err, "Recorder", "CreateUnit", serialNumber)
	}
	return res.LastInsertId()
}

// CreateTestCase registers a test case for a unit type.
func (r *Recorder) CreateTestCase(ctx context.Context, name string, unitTypeID int64, description string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO test_case (name, unit_type_id, description) VALUES (?, ?, ?)",
		name, unitTypeID, description)
	if err != nil {
		return 0, errors.Wrap(err, "Recorder", "CreateTestCase", name)
	}
	return res.LastInsertId()
}

// LinkTestCaseRevision restricts a test case to a design revision. A test
// case with no links applies to every revision.
func (r *Recorder) LinkTestCaseRevision(ctx context.Context, testCaseID, designRevisionID int64) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO test_case_revision (test_case_id, design_revision_id) VALUES (?, ?)",
		testCaseID, designRevisionID)
	if err != nil {
		return errors.Wrap(err, "Recorder", "LinkTestCaseRevision", "insert link")
	}
	return nil
}

// CreateEnvironmentalState registers a state of a test case.
func (r *Recorder) CreateEnvironmentalState(ctx context.Context, testCaseID int64, name string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO environmental_state (test_case_id, name) VALUES (?, ?)", testCaseID, name)
	if err != nil {
		return 0, errors.Wrap(err, "Recorder", "CreateEnvironmentalState", name)
	}
	return res.LastInsertId()
}

// CreateRequirement registers a requirement of a test case.
func (r *Recorder) CreateRequirement(ctx context.Context, testCaseID int64, name string, source RequirementSource) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO requirement (test_case_id, name, source) VALUES (?, ?, ?)",
		testCaseID, name, string(source))
	if err != nil {
		return 0, errors.Wrap(err, "Recorder", "CreateRequirement", name)
	}
	return res.LastInsertId()
}

// LinkRequirementState marks a requirement as enforced in a state.
func (r *Recorder) LinkRequirementState(ctx context.Context, requirementID, stateID int64) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO requirement_state (requirement_id, environmental_state_id) VALUES (?, ?)",
		requirementID, stateID)
	if err != nil {
		return errors.Wrap(err, "Recorder", "LinkRequirementState", "insert link")
	}
	return nil
}

// CreateTestRun starts a run of a test case with status running and a
// generated label.
func (r *Recorder) CreateTestRun(ctx context.Context, testCaseID int64, runType RunType) (int64, string, error) {
	label := uuid.NewString()
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO test_run (label, test_case_id, run_type, status) VALUES (?, ?, ?, ?)",
		label, testCaseID, string(runType), string(StatusRunning))
	if err != nil {
		return 0, "", errors.Wrap(err, "Recorder", "CreateTestRun", "insert run")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, "", errors.Wrap(err, "Recorder", "CreateTestRun", "run id")
	}
	r.logger.Info("test run created", "run_id", id, "label", label, "type", string(runType))
	return id, label, nil
}

// GetTestRun fetches a run.
func (r *Recorder) GetTestRun(ctx context.Context, runID int64) (TestRun, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, label, test_case_id, run_type, started_at, finished_at, status "+
			"FROM test_run WHERE id = ?", runID)

	var run TestRun
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.Label, &run.TestCaseID, (*string)(&run.RunType),
		&run.StartedAt, &finished, (*string)(&run.Status))
	if err != nil {
		return TestRun{}, errors.Wrap(err, "Recorder", "GetTestRun", fmt.Sprintf("run %d", runID))
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

// AddUnitToRun places a unit in a fixture slot for a run. Slot numbers
// start at 1 and are unique per run.
func (r *Recorder) AddUnitToRun(ctx context.Context, runID, unitID int64, slotNumber int) error {
	if slotNumber < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Recorder", "AddUnitToRun",
			fmt.Sprintf("slot number %d", slotNumber))
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO test_run_unit (test_run_id, unit_id, slot_number) VALUES (?, ?, ?)",
		runID, unitID, slotNumber)
	if err != nil {
		return errors.Wrap(err, "Recorder", "AddUnitToRun", "insert unit")
	}
	return nil
}

// CompleteTestRun marks a run completed with a finish timestamp.
func (r *Recorder) CompleteTestRun(ctx context.Context, runID int64) error {
	return r.finishRun(ctx, runID, StatusCompleted)
}

// TerminateTestRun marks a run terminated with a finish timestamp.
func (r *Recorder) TerminateTestRun(ctx context.Context, runID int64) error {
	return r.finishRun(ctx, runID, StatusTerminated)
}

func (r *Recorder) finishRun(ctx context.Context, runID int64, status RunStatus) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE test_run SET status = ?, finished_at = ? WHERE id = ? AND status = 'running'",
		string(status), time.Now().UTC(), runID)
	if err != nil {
		return errors.Wrap(err, "Recorder", "finishRun", "update status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "Recorder", "finishRun", "rows affected")
	}
	if n == 0 {
		return errors.WrapInvalid(errors.ErrStateInvalid, "Recorder", "finishRun",
			fmt.Sprintf("run %d is not running", runID))
	}
	return nil
}

// RecordSystemFailure appends a system failure and terminates the owning
// run in one transaction. A system failure is the exclusive cause of early
// run termination.
func (r *Recorder) RecordSystemFailure(ctx context.Context, runID int64, paretoCode, description string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "Recorder", "RecordSystemFailure", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO system_failure (test_run_id, pareto_code, description) VALUES (?, ?, ?)",
		runID, paretoCode, description); err != nil {
		return errors.Wrap(err, "Recorder", "RecordSystemFailure", "insert failure")
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE test_run SET status = ?, finished_at = ? WHERE id = ? AND status = 'running'",
		string(StatusTerminated), time.Now().UTC(), runID); err != nil {
		return errors.Wrap(err, "Recorder", "RecordSystemFailure", "terminate run")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "Recorder", "RecordSystemFailure", "commit")
	}

	r.logger.Error("system failure recorded, run terminated",
		"run_id", runID, "pareto_code", paretoCode, "description", description)
	return nil
}

// RecordUnitFailure records the first failure per (run, unit, requirement,
// state). A second call with the same key is a no-op; recorded reports
// whether this call inserted the row.
func (r *Recorder) RecordUnitFailure(ctx context.Context, f UnitFailure) (recorded bool, err error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO unit_failure "+
			"(test_run_id, unit_id, requirement_id, environmental_state_id, "+
			"measured_value, bound_description, description) VALUES (?, ?, ?, ?, ?, ?, ?)",
		f.TestRunID, f.UnitID, f.RequirementID, f.EnvironmentalStateID,
		f.MeasuredValue, f.BoundDescription, f.Description)
	if err != nil {
		return false, errors.Wrap(err, "Recorder", "RecordUnitFailure", "insert failure")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "Recorder", "RecordUnitFailure", "rows affected")
	}
	if n > 0 {
		r.logger.Warn("unit failure recorded",
			"run_id", f.TestRunID, "unit_id", f.UnitID,
			"requirement_id", f.RequirementID, "value", f.MeasuredValue,
			"bound", f.BoundDescription)
	}
	return n > 0, nil
}

// UnitFailures lists recorded failures for a run, oldest first.
func (r *Recorder) UnitFailures(ctx context.Context, runID int64) ([]UnitFailure, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT test_run_id, unit_id, requirement_id, environmental_state_id, "+
			"measured_value, bound_description, COALESCE(description, '') "+
			"FROM unit_failure WHERE test_run_id = ? ORDER BY occurred_at, id", runID)
	if err != nil {
		return nil, errors.Wrap(err, "Recorder", "UnitFailures", "query")
	}
	defer rows.Close()

	var out []UnitFailure
	for rows.Next() {
		var f UnitFailure
		if err := rows.Scan(&f.TestRunID, &f.UnitID, &f.RequirementID,
			&f.EnvironmentalStateID, &f.MeasuredValue, &f.BoundDescription, &f.Description); err != nil {
			return nil, errors.Wrap(err, "Recorder", "UnitFailures", "scan")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SystemFailures lists system failures for a run, oldest first.
func (r *Recorder) SystemFailures(ctx context.Context, runID int64) ([]SystemFailure, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, test_run_id, occurred_at, pareto_code, description "+
			"FROM system_failure WHERE test_run_id = ? ORDER BY occurred_at, id", runID)
	if err != nil {
		return nil, errors.Wrap(err, "Recorder", "SystemFailures", "query")
	}
	defer rows.Close()

	var out []SystemFailure
	for rows.Next() {
		var f SystemFailure
		if err := rows.Scan(&f.ID, &f.TestRunID, &f.OccurredAt, &f.ParetoCode, &f.Description); err != nil {
			return nil, errors.Wrap(err, "Recorder", "SystemFailures", "scan")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
