package stream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/metric"
)

// DefaultQueueSize bounds the decoded-data queue between the bus callback
// and the consumer loop.
const DefaultQueueSize = 256

// Drop reasons recorded on the messages-dropped counter.
const (
	dropNoSchema       = "no_schema"
	dropSchemaMismatch = "schema_mismatch"
	dropDecodeError    = "decode_error"
	dropQueueFull      = "queue_full"
)

// Batch is one decoded data message paired with the schema it was decoded
// under. The pairing survives the queue, so a schema change never lets a
// consumer read old-session samples against a new field list.
type Batch struct {
	Data
	Schema Schema
}

// Subscriber is the consuming half of a StreamChannel. It holds no schema
// until the first schema message arrives on the subject; data received
// before that is discarded and counted, never an error. A schema whose id
// differs from the current one replaces it, which is how a consumer follows
// a producer restart.
type Subscriber struct {
	bus       Bus
	subject   string
	queueSize int
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu      sync.Mutex
	running bool
	sub     Subscription
	stopped chan struct{}

	schemaMu    sync.RWMutex
	schema      *Schema
	schemaReady chan struct{}

	data chan Batch
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithQueueSize overrides the decoded-data queue capacity.
func WithQueueSize(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(l *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

// WithSubscriberMetrics attaches metrics.
func WithSubscriberMetrics(m *metric.Metrics) SubscriberOption {
	return func(s *Subscriber) { s.metrics = m }
}

// NewSubscriber creates a subscriber for one subject.
func NewSubscriber(bus Bus, subject string, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		bus:         bus,
		subject:     subject,
		queueSize:   DefaultQueueSize,
		logger:      slog.Default(),
		schemaReady: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.data = make(chan Batch, s.queueSize)
	return s
}

// Start subscribes to the subject. Idempotent.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	sub, err := s.bus.Subscribe(ctx, s.subject, s.handle)
	if err != nil {
		return errors.WrapTransient(err, "Subscriber", "Start", "bus subscribe")
	}
	s.sub = sub
	s.stopped = make(chan struct{})
	s.running = true

	s.logger.Info("stream subscriber started", "subject", s.subject)
	return nil
}

// Stop unsubscribes and closes Done. The Data channel is not closed; a
// consumer loop selects on Done alongside Data. Idempotent.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if err := s.sub.Unsubscribe(); err != nil {
		s.logger.Warn("unsubscribe failed", "subject", s.subject, "error", err)
	}
	close(s.stopped)
	s.logger.Info("stream subscriber stopped", "subject", s.subject)
}

// Data returns the decoded-batch queue.
func (s *Subscriber) Data() <-chan Batch {
	return s.data
}

// Done is closed when the subscriber stops.
func (s *Subscriber) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.stopped
}

// Schema returns the current session schema, if one has arrived.
func (s *Subscriber) Schema() (Schema, bool) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	if s.schema == nil {
		return Schema{}, false
	}
	return *s.schema, true
}

// WaitForSchema blocks until the first schema message arrives or the
// context ends.
func (s *Subscriber) WaitForSchema(ctx context.Context) (Schema, error) {
	select {
	case <-s.schemaReady:
		schema, _ := s.Schema()
		return schema, nil
	case <-ctx.Done():
		return Schema{}, errors.WrapTransient(ctx.Err(), "Subscriber", "WaitForSchema", "wait")
	}
}

// handle runs on the bus delivery goroutine and must not block: decoded
// batches go to the bounded queue and are dropped with a counter when it is
// full.
func (s *Subscriber) handle(payload []byte) {
	if len(payload) == 0 {
		s.drop(dropDecodeError, "empty message", nil)
		return
	}

	switch payload[0] {
	case MsgTypeSchema:
		s.handleSchema(payload)
	case MsgTypeData:
		s.handleData(payload)
	default:
		s.drop(dropDecodeError, "unknown message tag", nil)
	}
}

func (s *Subscriber) handleSchema(payload []byte) {
	schema, err := DecodeSchema(payload)
	if err != nil {
		s.drop(dropDecodeError, "schema decode failed", err)
		return
	}

	s.schemaMu.Lock()
	first := s.schema == nil
	changed := !first && s.schema.SchemaID != schema.SchemaID
	s.schema = &schema
	s.schemaMu.Unlock()

	if first {
		close(s.schemaReady)
		s.logger.Info("stream schema received",
			"subject", s.subject,
			"source", string(schema.Source),
			"schema_id", schema.SchemaID,
			"fields", len(schema.Fields))
	} else if changed {
		// Producer restarted with a new format. Queued batches still
		// carry the old schema they were decoded under; only future data
		// uses the new one.
		s.logger.Info("stream schema changed",
			"subject", s.subject,
			"schema_id", schema.SchemaID)
	}
}

func (s *Subscriber) handleData(payload []byte) {
	s.schemaMu.RLock()
	schema := s.schema
	s.schemaMu.RUnlock()

	if schema == nil {
		s.drop(dropNoSchema, "data before schema", nil)
		return
	}

	d, err := DecodeData(payload, *schema)
	if err != nil {
		if stderrors.Is(err, errors.ErrSchemaMismatch) {
			s.drop(dropSchemaMismatch, "schema id mismatch", err)
		} else {
			s.drop(dropDecodeError, "data decode failed", err)
		}
		return
	}

	select {
	case s.data <- Batch{Data: d, Schema: *schema}:
		if s.metrics != nil {
			s.metrics.SamplesReceived.WithLabelValues(s.subject).Add(float64(d.SampleCount()))
		}
	default:
		s.drop(dropQueueFull, "consumer queue full", nil)
	}
}

func (s *Subscriber) drop(reason, msg string, err error) {
	if s.metrics != nil {
		s.metrics.MessagesDropped.WithLabelValues(s.subject, reason).Inc()
	}
	if err != nil {
		s.logger.Debug("stream message dropped", "subject", s.subject, "reason", reason, "detail", msg, "error", err)
	} else {
		s.logger.Debug("stream message dropped", "subject", s.subject, "reason", reason, "detail", msg)
	}
}
