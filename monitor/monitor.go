package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/metric"
	"github.com/czalinski/hwtest/state"
	"github.com/czalinski/hwtest/stream"
	"github.com/czalinski/hwtest/threshold"
	"github.com/czalinski/hwtest/types"
)

// ViolationFunc is invoked for every FAIL result, on the monitor's
// evaluation goroutine. Implementations hand off to the failure recorder.
type ViolationFunc func(Result)

// Monitor continuously evaluates one telemetry stream against the
// thresholds selected by the current environmental state. It is either
// stopped or running; each batch is evaluated on a single goroutine, so
// batches from the source are processed in arrival order.
type Monitor struct {
	id      types.MonitorID
	sub     *stream.Subscriber
	states  *state.Controller
	store   *threshold.Store
	logger  *slog.Logger
	metrics *metric.Metrics

	bus         stream.Bus
	subject     string
	onViolation ViolationFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Evaluation-goroutine state, no locking needed.
	batch        uint64
	nextBatchTs  uint64
	haveBatchTs  bool
	lastSchemaID uint32
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithResultBus publishes every Result as JSON on the rack's result
// subject.
func WithResultBus(bus stream.Bus, rackID string) Option {
	return func(m *Monitor) {
		m.bus = bus
		m.subject = stream.ResultSubject(rackID)
	}
}

// WithViolationFunc sets the FAIL callback.
func WithViolationFunc(fn ViolationFunc) Option {
	return func(m *Monitor) { m.onViolation = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics attaches metrics.
func WithMetrics(mt *metric.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// New creates a monitor over one subscriber. The threshold store is fixed
// for the monitor's lifetime; the state controller supplies the state each
// batch is judged in.
func New(id types.MonitorID, sub *stream.Subscriber, states *state.Controller, store *threshold.Store, opts ...Option) *Monitor {
	m := &Monitor{
		id:     id,
		sub:    sub,
		states: states,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsRunning reports whether the evaluation loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start begins the evaluation loop. A running monitor cannot be started
// again; the only legal cycle is stopped to running to stopped.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Monitor", "Start", "state check")
	}

	if err := m.sub.Start(ctx); err != nil {
		return errors.Wrap(err, "Monitor", "Start", "subscriber start")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.run(loopCtx)

	m.logger.Info("monitor started", "monitor", string(m.id))
	return nil
}

// Stop ends the evaluation loop and the underlying subscription. Any
// in-flight wait returns promptly. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.sub.Stop()
	m.logger.Info("monitor stopped", "monitor", string(m.id))
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.sub.Done():
			return
		case b := <-m.sub.Data():
			m.handleBatch(ctx, b)
		}
	}
}

// handleBatch evaluates one batch against the schema it was decoded
// under. The subscriber's current schema may already be newer; using it
// here would attribute old samples to the wrong channels.
func (m *Monitor) handleBatch(ctx context.Context, b stream.Batch) {
	start := time.Now()
	m.batch++
	m.checkContinuity(b)

	st, ok := m.states.Current()
	if !ok {
		m.logger.Warn("batch before first environmental state, skipping",
			"monitor", string(m.id), "batch", m.batch)
		return
	}

	values := valuesFromData(b.Data, b.Schema)
	ths, _ := m.store.ForState(st.StateID)
	verdict, violations, detail := Evaluate(values, st, ths)

	result := Result{
		Monitor:    m.id,
		Source:     b.Schema.Source,
		State:      st.StateID,
		Verdict:    verdict,
		Violations: violations,
		Timestamp:  types.Now(),
		Batch:      m.batch,
		Detail:     detail,
	}
	m.emit(ctx, result)

	if m.metrics != nil {
		m.metrics.Verdicts.WithLabelValues(string(m.id), string(verdict)).Inc()
		for _, v := range violations {
			m.metrics.Violations.WithLabelValues(string(m.id), string(v.Channel)).Inc()
		}
		m.metrics.EvaluationDuration.WithLabelValues(string(m.id)).Observe(time.Since(start).Seconds())
	}
}

// checkContinuity flags gaps in the sample timeline. Each batch's base
// timestamp should equal the previous base plus count*period; a later base
// means samples were lost between batches. A schema change starts a new
// producer session with its own timeline, so the check resets.
func (m *Monitor) checkContinuity(d stream.Batch) {
	if m.haveBatchTs && d.Schema.SchemaID != m.lastSchemaID {
		m.haveBatchTs = false
	}
	m.lastSchemaID = d.Schema.SchemaID
	if m.haveBatchTs && d.PeriodNs > 0 && d.TimestampNs > m.nextBatchTs {
		if m.metrics != nil {
			m.metrics.SequenceGaps.WithLabelValues(string(m.id)).Inc()
		}
		m.logger.Warn("gap in telemetry stream",
			"monitor", string(m.id),
			"expected_ns", m.nextBatchTs,
			"got_ns", d.TimestampNs)
	}
	if d.SampleCount() > 0 {
		m.nextBatchTs = d.Timestamp(d.SampleCount()-1) + d.PeriodNs
		m.haveBatchTs = true
	}
}

func (m *Monitor) emit(ctx context.Context, r Result) {
	if r.Verdict == VerdictFail && m.onViolation != nil {
		m.onViolation(r)
	}
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		m.logger.Error("result encoding failed", "monitor", string(m.id), "error", err)
		return
	}
	if err := m.bus.Publish(ctx, m.subject, payload); err != nil {
		m.logger.Warn("result publish failed", "monitor", string(m.id), "error", err)
	}
}

// valuesFromData expands a decoded batch into per-sample channel values.
// Every sample of every field is checked; a threshold excursion in any
// sample of the batch must surface, not only the last.
func valuesFromData(d stream.Data, schema stream.Schema) []types.TelemetryValue {
	values := make([]types.TelemetryValue, 0, len(d.Samples)*len(schema.Fields))
	for i, sample := range d.Samples {
		ts := types.Timestamp{UnixNs: int64(d.Timestamp(i)), Source: string(schema.Source)}
		for j, f := range schema.Fields {
			if j >= len(sample) {
				break
			}
			values = append(values, types.TelemetryValue{
				Channel:         types.ChannelID(f.Name),
				Value:           sample[j],
				Unit:            f.Unit,
				SourceTimestamp: ts,
				Quality:         types.QualityGood,
			})
		}
	}
	return values
}
