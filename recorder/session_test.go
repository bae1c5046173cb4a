package recorder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czalinski/hwtest/errors"
)

func sessionConfig() SessionConfig {
	return SessionConfig{
		TestCase: "hass-thermal-cycle",
		RunType:  RunHASS,
		UnitType: "controller-88",
		Revision: "B",
		Units: []SessionUnit{
			{Serial: "SN-1001", Slot: 1},
			{Serial: "SN-1002", Slot: 2},
		},
	}
}

func TestSessionBootstrapsBookkeeping(t *testing.T) {
	ctx := context.Background()
	rec, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	sess, err := rec.BeginSession(ctx, sessionConfig())
	require.NoError(t, err)
	require.NotEmpty(t, sess.Label())

	run, err := rec.GetTestRun(ctx, sess.RunID())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, RunHASS, run.RunType)

	outcomes, err := rec.Outcomes(ctx, sess.RunID())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, 1, outcomes[0].SlotNumber)
	assert.Equal(t, 2, outcomes[1].SlotNumber)

	// A second session over the same database reuses the bookkeeping rows
	// and opens a distinct run.
	again, err := rec.BeginSession(ctx, sessionConfig())
	require.NoError(t, err)
	assert.NotEqual(t, sess.RunID(), again.RunID())
	assert.NotEqual(t, sess.Label(), again.Label())
}

func TestSessionRecordsFirstViolationOnly(t *testing.T) {
	ctx := context.Background()
	rec, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	sess, err := rec.BeginSession(ctx, sessionConfig())
	require.NoError(t, err)

	recorded, err := sess.RecordViolation(ctx, "mon-3v3", "vout", 1, "hot_soak",
		3.19, "[3.2, 3.4]", "value 3.19 below low bound")
	require.NoError(t, err)
	assert.True(t, recorded)

	// Same monitor, channel, unit, and state: the first excursion stands.
	recorded, err = sess.RecordViolation(ctx, "mon-3v3", "vout", 1, "hot_soak",
		3.05, "[3.2, 3.4]", "value 3.05 below low bound")
	require.NoError(t, err)
	assert.False(t, recorded)

	failures, err := rec.UnitFailures(ctx, sess.RunID())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.InDelta(t, 3.19, failures[0].MeasuredValue, 1e-9)

	outcomes, err := rec.Outcomes(ctx, sess.RunID())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeFail, outcomes[0].Outcome)
	assert.Equal(t, OutcomeIndeterminate, outcomes[1].Outcome)
}

func TestSessionRejectsUnboundSlot(t *testing.T) {
	ctx := context.Background()
	rec, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	sess, err := rec.BeginSession(ctx, sessionConfig())
	require.NoError(t, err)

	_, err = sess.RecordViolation(ctx, "mon-3v3", "vout", 7, "hot_soak", 3.0, "[3.2, 3.4]", "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSessionSystemFaultTerminatesRun(t *testing.T) {
	ctx := context.Background()
	rec, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	sess, err := rec.BeginSession(ctx, sessionConfig())
	require.NoError(t, err)

	require.NoError(t, sess.RecordSystemFault(ctx, "BUS_LOSS", "message bus connection lost"))

	run, err := rec.GetTestRun(ctx, sess.RunID())
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, run.Status)

	// Later faults and the shutdown-path completion are no-ops.
	require.NoError(t, sess.RecordSystemFault(ctx, "CHAMBER_FAULT", "chamber offline"))
	require.NoError(t, sess.Complete(ctx))

	run, err = rec.GetTestRun(ctx, sess.RunID())
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, run.Status)

	faults, err := rec.SystemFailures(ctx, sess.RunID())
	require.NoError(t, err)
	require.Len(t, faults, 1)
	assert.Equal(t, "BUS_LOSS", faults[0].ParetoCode)
}

func TestSessionCompleteOnCleanShutdown(t *testing.T) {
	ctx := context.Background()
	rec, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	sess, err := rec.BeginSession(ctx, sessionConfig())
	require.NoError(t, err)
	require.NoError(t, sess.Complete(ctx))

	run, err := rec.GetTestRun(ctx, sess.RunID())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)

	outcomes, err := rec.Outcomes(ctx, sess.RunID())
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.Equal(t, OutcomePass, o.Outcome)
	}
}
