package recorder

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/czalinski/hwtest/errors"
)

// SessionUnit places a serial-numbered unit in a fixture slot for the
// duration of a session.
type SessionUnit struct {
	Serial string
	Slot   int
}

// SessionConfig names the bookkeeping rows a live stand records against.
// Missing rows are created on first use so a fresh database needs no
// seeding; empty fields fall back to ad-hoc defaults.
type SessionConfig struct {
	TestCase string
	RunType  RunType
	UnitType string
	Revision string
	Units    []SessionUnit
}

// Session is one open test run fed by a live stand. Threshold violations
// map to unit failures through the fixture slot the reporting monitor is
// bound to; stand-level faults map to system failures that terminate the
// run.
type Session struct {
	rec    *Recorder
	runID  int64
	label  string
	caseID int64

	mu       sync.Mutex
	units    map[int]int64 // slot -> unit id
	states   map[string]int64
	reqs     map[string]int64
	finished bool
}

// BeginSession opens a running test run for a live stand, creating the
// unit type, revision, units, and test case rows as needed.
func (r *Recorder) BeginSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.TestCase == "" {
		cfg.TestCase = "ad-hoc"
	}
	if cfg.RunType == "" {
		cfg.RunType = RunAdHoc
	}
	if cfg.UnitType == "" {
		cfg.UnitType = "unknown"
	}
	if cfg.Revision == "" {
		cfg.Revision = "A"
	}

	typeID, err := r.getOrCreateUnitType(ctx, cfg.UnitType)
	if err != nil {
		return nil, err
	}
	revID, err := r.getOrCreateRevision(ctx, typeID, cfg.Revision)
	if err != nil {
		return nil, err
	}
	caseID, err := r.getOrCreateTestCase(ctx, cfg.TestCase, typeID)
	if err != nil {
		return nil, err
	}

	runID, label, err := r.CreateTestRun(ctx, caseID, cfg.RunType)
	if err != nil {
		return nil, err
	}

	s := &Session{
		rec:    r,
		runID:  runID,
		label:  label,
		caseID: caseID,
		units:  make(map[int]int64),
		states: make(map[string]int64),
		reqs:   make(map[string]int64),
	}
	for _, u := range cfg.Units {
		unitID, err := r.getOrCreateUnit(ctx, u.Serial, revID)
		if err != nil {
			return nil, err
		}
		if err := r.AddUnitToRun(ctx, runID, unitID, u.Slot); err != nil {
			return nil, err
		}
		s.units[u.Slot] = unitID
	}
	return s, nil
}

// RunID returns the open run's id.
func (s *Session) RunID() int64 {
	return s.runID
}

// Label returns the open run's generated label.
func (s *Session) Label() string {
	return s.label
}

// RecordViolation records a threshold violation against the unit in slot.
// The requirement row is named after the monitor and channel, scoped to
// the state the violation occurred in. Returns whether this call inserted
// the first occurrence.
func (s *Session) RecordViolation(ctx context.Context, monitorID, channel string, slot int, stateName string, value float64, bound, detail string) (bool, error) {
	s.mu.Lock()
	unitID, ok := s.units[slot]
	s.mu.Unlock()
	if !ok {
		return false, errors.WrapInvalid(errors.ErrInvalidConfig, "Session", "RecordViolation",
			fmt.Sprintf("no unit in slot %d", slot))
	}

	stateID, err := s.stateID(ctx, stateName)
	if err != nil {
		return false, err
	}
	reqID, err := s.requirementID(ctx, fmt.Sprintf("%s:%s", monitorID, channel), stateID)
	if err != nil {
		return false, err
	}

	return s.rec.RecordUnitFailure(ctx, UnitFailure{
		TestRunID:            s.runID,
		UnitID:               unitID,
		RequirementID:        reqID,
		EnvironmentalStateID: stateID,
		MeasuredValue:        value,
		BoundDescription:     bound,
		Description:          detail,
	})
}

// RecordSystemFault records a stand-level fault and terminates the run.
// Further faults after the first are dropped; the run is already
// terminated.
func (s *Session) RecordSystemFault(ctx context.Context, paretoCode, description string) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.mu.Unlock()
	return s.rec.RecordSystemFailure(ctx, s.runID, paretoCode, description)
}

// Complete marks the run completed. A run already terminated by a system
// fault stays terminated.
func (s *Session) Complete(ctx context.Context) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.mu.Unlock()

	err := s.rec.CompleteTestRun(ctx, s.runID)
	if err != nil && stderrors.Is(err, errors.ErrStateInvalid) {
		return nil
	}
	return err
}

func (s *Session) stateID(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	id, ok := s.states[name]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := s.rec.getOrCreateState(ctx, s.caseID, name)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.states[name] = id
	s.mu.Unlock()
	return id, nil
}

func (s *Session) requirementID(ctx context.Context, name string, stateID int64) (int64, error) {
	s.mu.Lock()
	id, ok := s.reqs[name]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := s.rec.getOrCreateRequirement(ctx, s.caseID, name, SourceMonitor)
	if err != nil {
		return 0, err
	}
	if _, err := s.rec.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO requirement_state (requirement_id, environmental_state_id) VALUES (?, ?)",
		id, stateID); err != nil {
		return 0, errors.Wrap(err, "Session", "requirementID", "link state")
	}
	s.mu.Lock()
	s.reqs[name] = id
	s.mu.Unlock()
	return id, nil
}

func (r *Recorder) getOrCreateUnitType(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, "SELECT id FROM unit_type WHERE name = ?", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrap(err, "Recorder", "getOrCreateUnitType", name)
	}
	return r.CreateUnitType(ctx, name, "")
}

func (r *Recorder) getOrCreateRevision(ctx context.Context, unitTypeID int64, revision string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		"SELECT id FROM design_revision WHERE unit_type_id = ? AND revision = ?",
		unitTypeID, revision).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrap(err, "Recorder", "getOrCreateRevision", revision)
	}
	return r.CreateDesignRevision(ctx, unitTypeID, revision)
}

func (r *Recorder) getOrCreateUnit(ctx context.Context, serial string, revisionID int64) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, "SELECT id FROM unit WHERE serial_number = ?", serial).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrap(err, "Recorder", "getOrCreateUnit", serial)
	}
	return r.CreateUnit(ctx, serial, revisionID)
}

func (r *Recorder) getOrCreateTestCase(ctx context.Context, name string, unitTypeID int64) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, "SELECT id FROM test_case WHERE name = ?", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrap(err, "Recorder", "getOrCreateTestCase", name)
	}
	return r.CreateTestCase(ctx, name, unitTypeID, "")
}

func (r *Recorder) getOrCreateState(ctx context.Context, testCaseID int64, name string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		"SELECT id FROM environmental_state WHERE test_case_id = ? AND name = ?",
		testCaseID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrap(err, "Recorder", "getOrCreateState", name)
	}
	return r.CreateEnvironmentalState(ctx, testCaseID, name)
}

func (r *Recorder) getOrCreateRequirement(ctx context.Context, testCaseID int64, name string, source RequirementSource) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		"SELECT id FROM requirement WHERE test_case_id = ? AND name = ?",
		testCaseID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrap(err, "Recorder", "getOrCreateRequirement", name)
	}
	return r.CreateRequirement(ctx, testCaseID, name, source)
}
