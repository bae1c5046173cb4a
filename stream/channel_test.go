package stream

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/pkg/retry"
)

// fakeBus is an in-memory Bus that delivers published messages synchronously
// to subscribers on the same subject.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	messages map[string][][]byte
	failures int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string][]func([]byte)),
		messages: make(map[string][][]byte),
	}
}

func (b *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return errors.ErrNoConnection
	}
	msg := append([]byte(nil), data...)
	b.messages[subject] = append(b.messages[subject], msg)
	handlers := append([]func([]byte){}, b.handlers[subject]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, subject string, handler func([]byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return &fakeSubscription{}, nil
}

func (b *fakeBus) published(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.messages[subject]...)
}

func (b *fakeBus) failNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

type fakeSubscription struct{}

func (s *fakeSubscription) Unsubscribe() error { return nil }

func TestPublisherLifecycle(t *testing.T) {
	bus := newFakeBus()
	schema := NewSchema("psu-1", testFields())
	subject := TelemetrySubject("rack-1", "psu-1.voltage")

	pub, err := NewPublisher(bus, subject, schema, WithSchemaInterval(time.Hour))
	require.NoError(t, err)
	assert.False(t, pub.IsRunning())

	ctx := context.Background()
	require.NoError(t, pub.Start(ctx))
	assert.True(t, pub.IsRunning())

	// Schema goes out immediately at start, before any data.
	msgs := bus.published(subject)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgTypeSchema, msgs[0][0])

	// Second start is a no-op.
	require.NoError(t, pub.Start(ctx))
	assert.Len(t, bus.published(subject), 1)

	pub.Stop()
	assert.False(t, pub.IsRunning())
	pub.Stop()
}

func TestPublisherSchemaRebroadcast(t *testing.T) {
	bus := newFakeBus()
	schema := NewSchema("psu-1", testFields())

	pub, err := NewPublisher(bus, "telemetry.test", schema,
		WithSchemaInterval(5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, pub.Start(context.Background()))
	defer pub.Stop()

	require.Eventually(t, func() bool {
		return len(bus.published("telemetry.test")) >= 3
	}, time.Second, time.Millisecond, "schema should rebroadcast on the data subject")

	for _, msg := range bus.published("telemetry.test") {
		assert.Equal(t, MsgTypeSchema, msg[0])
	}
}

func TestPublisherPublish(t *testing.T) {
	bus := newFakeBus()
	schema := NewSchema("psu-1", testFields())
	pub, err := NewPublisher(bus, "telemetry.test", schema, WithSchemaInterval(time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	d := Data{
		SchemaID:    schema.SchemaID,
		TimestampNs: 1704067200000000000,
		PeriodNs:    1000000,
		Samples:     [][]float64{{12.0, 1.5, 1}},
	}

	t.Run("before start", func(t *testing.T) {
		err := pub.Publish(ctx, d)
		assert.ErrorIs(t, err, errors.ErrNotStarted)
	})

	require.NoError(t, pub.Start(ctx))
	defer pub.Stop()

	t.Run("data after schema", func(t *testing.T) {
		require.NoError(t, pub.Publish(ctx, d))
		msgs := bus.published("telemetry.test")
		require.Len(t, msgs, 2)
		assert.Equal(t, MsgTypeData, msgs[1][0])
	})

	t.Run("wrong schema id rejected locally", func(t *testing.T) {
		bad := d
		bad.SchemaID++
		err := pub.Publish(ctx, bad)
		assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
	})

	t.Run("transient bus failure retried", func(t *testing.T) {
		cfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
		pub2, err := NewPublisher(bus, "telemetry.retry", schema,
			WithSchemaInterval(time.Hour), WithPublishRetry(cfg))
		require.NoError(t, err)
		require.NoError(t, pub2.Start(ctx))
		defer pub2.Stop()

		bus.failNext(2)
		require.NoError(t, pub2.Publish(ctx, d))

		bus.failNext(3)
		err = pub2.Publish(ctx, d)
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
	})
}

func TestSubscriberSchemaGate(t *testing.T) {
	bus := newFakeBus()
	schema := NewSchema("psu-1", testFields())
	sub := NewSubscriber(bus, "telemetry.test")
	ctx := context.Background()

	require.NoError(t, sub.Start(ctx))
	defer sub.Stop()

	_, ok := sub.Schema()
	assert.False(t, ok)

	d := Data{
		SchemaID: schema.SchemaID,
		PeriodNs: 1000,
		Samples:  [][]float64{{12.0, 1.5, 0}},
	}
	dataMsg, err := EncodeData(d, schema)
	require.NoError(t, err)

	// Data before any schema is discarded, not queued and not an error.
	require.NoError(t, bus.Publish(ctx, "telemetry.test", dataMsg))
	select {
	case <-sub.Data():
		t.Fatal("data before schema must be discarded")
	default:
	}

	schemaMsg, err := EncodeSchema(schema)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "telemetry.test", schemaMsg))

	got, ok := sub.Schema()
	require.True(t, ok)
	assert.Equal(t, schema.SchemaID, got.SchemaID)

	// Same data now decodes and queues.
	require.NoError(t, bus.Publish(ctx, "telemetry.test", dataMsg))
	select {
	case batch := <-sub.Data():
		assert.Equal(t, schema.SchemaID, batch.SchemaID)
		require.Equal(t, 1, batch.SampleCount())
		assert.InDelta(t, 12.0, batch.Samples[0][0], 1e-6)
	case <-time.After(time.Second):
		t.Fatal("expected queued batch")
	}
}

func TestSubscriberWaitForSchema(t *testing.T) {
	bus := newFakeBus()
	schema := NewSchema("psu-1", testFields())
	sub := NewSubscriber(bus, "telemetry.test")
	ctx := context.Background()

	require.NoError(t, sub.Start(ctx))
	defer sub.Stop()

	t.Run("times out without producer", func(t *testing.T) {
		shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := sub.WaitForSchema(shortCtx)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	})

	t.Run("returns once schema arrives", func(t *testing.T) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			msg, _ := EncodeSchema(schema)
			_ = bus.Publish(ctx, "telemetry.test", msg)
		}()
		got, err := sub.WaitForSchema(ctx)
		require.NoError(t, err)
		assert.Equal(t, schema.SchemaID, got.SchemaID)
	})
}

func TestSubscriberSchemaChange(t *testing.T) {
	bus := newFakeBus()
	ctx := context.Background()
	sub := NewSubscriber(bus, "telemetry.test")
	require.NoError(t, sub.Start(ctx))
	defer sub.Stop()

	oldSchema := NewSchema("psu-1", testFields())
	newSchema := NewSchema("psu-1", testFields()[:2])
	require.NotEqual(t, oldSchema.SchemaID, newSchema.SchemaID)

	oldMsg, err := EncodeSchema(oldSchema)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "telemetry.test", oldMsg))

	// Data stamped with a stale id is dropped once the schema moves on.
	newMsg, err := EncodeSchema(newSchema)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "telemetry.test", newMsg))

	got, ok := sub.Schema()
	require.True(t, ok)
	assert.Equal(t, newSchema.SchemaID, got.SchemaID)

	staleData, err := EncodeData(Data{SchemaID: oldSchema.SchemaID, Samples: [][]float64{{1, 2, 3}}}, oldSchema)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "telemetry.test", staleData))
	select {
	case <-sub.Data():
		t.Fatal("stale-schema data must be discarded")
	default:
	}

	freshData, err := EncodeData(Data{SchemaID: newSchema.SchemaID, Samples: [][]float64{{1, 2}}}, newSchema)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "telemetry.test", freshData))
	select {
	case batch := <-sub.Data():
		assert.Equal(t, newSchema.SchemaID, batch.SchemaID)
	case <-time.After(time.Second):
		t.Fatal("expected batch under new schema")
	}
}

func TestSubscriberQueuedBatchKeepsItsSchema(t *testing.T) {
	bus := newFakeBus()
	ctx := context.Background()
	sub := NewSubscriber(bus, "telemetry.test")
	require.NoError(t, sub.Start(ctx))
	defer sub.Stop()

	oldSchema := NewSchema("psu-1", testFields())
	newSchema := NewSchema("psu-1", testFields()[:2])

	oldMsg, err := EncodeSchema(oldSchema)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "telemetry.test", oldMsg))

	dataMsg, err := EncodeData(Data{SchemaID: oldSchema.SchemaID, Samples: [][]float64{{1, 2, 3}}}, oldSchema)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "telemetry.test", dataMsg))

	// Schema moves on while the batch is still queued.
	newMsg, err := EncodeSchema(newSchema)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "telemetry.test", newMsg))

	got, ok := sub.Schema()
	require.True(t, ok)
	assert.Equal(t, newSchema.SchemaID, got.SchemaID)

	// The queued batch still pairs with the schema it was decoded under.
	select {
	case batch := <-sub.Data():
		assert.Equal(t, oldSchema.SchemaID, batch.Schema.SchemaID)
		assert.Len(t, batch.Schema.Fields, len(testFields()))
	case <-time.After(time.Second):
		t.Fatal("expected queued batch")
	}
}

func TestSubscriberQueueFull(t *testing.T) {
	bus := newFakeBus()
	ctx := context.Background()
	schema := NewSchema("psu-1", testFields())
	sub := NewSubscriber(bus, "telemetry.test", WithQueueSize(2))
	require.NoError(t, sub.Start(ctx))
	defer sub.Stop()

	schemaMsg, err := EncodeSchema(schema)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "telemetry.test", schemaMsg))

	dataMsg, err := EncodeData(Data{SchemaID: schema.SchemaID, Samples: [][]float64{{1, 2, 3}}}, schema)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, "telemetry.test", dataMsg))
	}

	// Overflow drops rather than blocks the delivery path.
	count := 0
	for {
		select {
		case <-sub.Data():
			count++
		default:
			assert.Equal(t, 2, count)
			return
		}
	}
}

func TestSubscriberDone(t *testing.T) {
	bus := newFakeBus()
	sub := NewSubscriber(bus, "telemetry.test")

	// Done before start reports stopped.
	select {
	case <-sub.Done():
	default:
		t.Fatal("unstarted subscriber should read as done")
	}

	require.NoError(t, sub.Start(context.Background()))
	select {
	case <-sub.Done():
		t.Fatal("running subscriber must not be done")
	default:
	}

	sub.Stop()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Done must close on stop")
	}
	sub.Stop()
}

func TestSubjectHelpers(t *testing.T) {
	assert.Equal(t, "telemetry.rack.rack-1.psu-1.voltage", TelemetrySubject("rack-1", "psu-1.voltage"))
	assert.Equal(t, "command.rack.rack-1.psu-1", CommandSubject("rack-1", "psu-1"))
	assert.Equal(t, "status.rack.rack-1", StatusSubject("rack-1"))
	assert.Equal(t, "status.rack.rack-1.psu-1", StatusSubject("rack-1", "psu-1"))
	assert.Equal(t, "state.rack.rack-1", StateSubject("rack-1"))
	assert.Equal(t, "monitor.rack.rack-1.results", ResultSubject("rack-1"))
}
