package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/metric"
	"github.com/czalinski/hwtest/pkg/retry"
)

// DefaultSchemaInterval is how often a running publisher rebroadcasts its
// schema. One second keeps late joiners schema-ready within a second of
// subscribing without a side channel.
const DefaultSchemaInterval = time.Second

// Publisher is the producing half of a StreamChannel: one schema, one
// subject, for the life of a stream session. The schema is computed once at
// construction and must not change; a producer that needs a new format
// starts a new session, and consumers detect the restart by the changed
// schema id.
type Publisher struct {
	bus      Bus
	subject  string
	schema   Schema
	interval time.Duration
	retryCfg retry.Config
	logger   *slog.Logger
	metrics  *metric.Metrics

	schemaBytes []byte

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithSchemaInterval overrides the schema rebroadcast interval.
func WithSchemaInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.interval = d }
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// WithPublisherMetrics attaches metrics.
func WithPublisherMetrics(m *metric.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithPublishRetry sets the local retry policy for transient bus failures.
func WithPublishRetry(cfg retry.Config) PublisherOption {
	return func(p *Publisher) { p.retryCfg = cfg }
}

// NewPublisher creates a publisher for one stream session. The schema is
// encoded eagerly so a malformed schema surfaces here rather than mid-stream.
func NewPublisher(bus Bus, subject string, schema Schema, opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		bus:      bus,
		subject:  subject,
		schema:   schema,
		interval: DefaultSchemaInterval,
		retryCfg: retry.DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	encoded, err := EncodeSchema(schema)
	if err != nil {
		return nil, errors.Wrap(err, "Publisher", "NewPublisher", "schema encoding")
	}
	p.schemaBytes = encoded
	return p, nil
}

// Schema returns the session schema.
func (p *Publisher) Schema() Schema {
	return p.schema
}

// Subject returns the subject this publisher streams on.
func (p *Publisher) Subject() string {
	return p.subject
}

// IsRunning reports whether the publisher is started.
func (p *Publisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start publishes the schema immediately and begins the periodic rebroadcast
// loop. Idempotent: starting a running publisher is a no-op.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	if err := p.publishSchema(ctx); err != nil {
		return errors.WrapTransient(err, "Publisher", "Start", "initial schema publish")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.schemaLoop(loopCtx)

	p.logger.Info("stream publisher started",
		"source", string(p.schema.Source),
		"subject", p.subject,
		"schema_id", p.schema.SchemaID)
	return nil
}

// Stop ends the session. Idempotent; any in-flight rebroadcast returns
// promptly.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("stream publisher stopped", "source", string(p.schema.Source))
}

// Publish sends one data batch. Transient bus failures are retried locally
// with backoff; an exhausted retry budget surfaces as a transient error the
// owning instrument escalates.
func (p *Publisher) Publish(ctx context.Context, d Data) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return errors.WrapInvalid(errors.ErrNotStarted, "Publisher", "Publish", "state check")
	}

	payload, err := EncodeData(d, p.schema)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, p.retryCfg, func() error {
		return p.bus.Publish(ctx, p.subject, payload)
	})
	if err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues(string(p.schema.Source)).Inc()
		}
		return errors.WrapTransient(err, "Publisher", "Publish", "bus publish")
	}

	if p.metrics != nil {
		p.metrics.SamplesPublished.WithLabelValues(string(p.schema.Source)).Add(float64(d.SampleCount()))
	}
	return nil
}

func (p *Publisher) publishSchema(ctx context.Context) error {
	if err := p.bus.Publish(ctx, p.subject, p.schemaBytes); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.SchemasPublished.WithLabelValues(string(p.schema.Source)).Inc()
	}
	return nil
}

// schemaLoop rebroadcasts the schema every interval, unconditionally, on the
// same subject as data messages. A failed rebroadcast is logged and the next
// tick tries again; the data path carries its own retry.
func (p *Publisher) schemaLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publishSchema(ctx); err != nil {
				p.logger.Warn("schema rebroadcast failed",
					"source", string(p.schema.Source),
					"error", err)
			}
		}
	}
}
