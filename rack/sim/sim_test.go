package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czalinski/hwtest/rack"
	"github.com/czalinski/hwtest/stream"
)

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
	handlers map[string][]func([]byte)
}

func newMemBus() *memBus {
	return &memBus{
		messages: make(map[string][][]byte),
		handlers: make(map[string][]func([]byte)),
	}
}

func (b *memBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	b.messages[subject] = append(b.messages[subject], append([]byte(nil), data...))
	handlers := append([]func([]byte){}, b.handlers[subject]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, subject string, handler func([]byte)) (stream.Subscription, error) {
	b.mu.Lock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	b.mu.Unlock()
	return memSub{}, nil
}

func (b *memBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[subject])
}

func (b *memBus) snapshot(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.messages[subject]...)
}

type memSub struct{}

func (memSub) Unsubscribe() error { return nil }

func fastParams() map[string]any {
	return map[string]any{
		"sample_period": "1ms",
		"batch_size":    5,
	}
}

func TestRegisterAddsDrivers(t *testing.T) {
	reg := rack.NewRegistry()
	require.NoError(t, Register(reg, newMemBus(), nil))
	assert.Equal(t, []string{DriverDAQ, DriverPSU}, reg.Drivers())

	_, err := reg.Resolve(DriverPSU)
	require.NoError(t, err)
}

func TestPSUStreamsTelemetry(t *testing.T) {
	bus := newMemBus()
	inst, err := newPSU(bus, nil, fastParams())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })

	require.NoError(t, inst.Connect(context.Background()))

	id, err := inst.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Manufacturer, id.Manufacturer)
	assert.Equal(t, ModelPSU, id.Model)

	decls := inst.Channels()
	require.Len(t, decls, 2)
	assert.True(t, decls[0].Commandable)

	subject := "telemetry.rack.rack-1.main_3v3"
	require.NoError(t, inst.BindChannel("vout", subject))

	// Schema goes out at bind; data batches follow on the same subject.
	require.Eventually(t, func() bool { return bus.count(subject) >= 3 },
		time.Second, 5*time.Millisecond)

	msgs := bus.snapshot(subject)
	schema, err := stream.DecodeSchema(msgs[0])
	require.NoError(t, err)
	require.Len(t, schema.Fields, 1)
	assert.Equal(t, "vout", schema.Fields[0].Name)
	assert.Equal(t, "V", schema.Fields[0].Unit)

	var sawData bool
	var prevEnd uint64
	for _, msg := range msgs[1:] {
		d, err := stream.DecodeData(msg, schema)
		if err != nil {
			continue // interleaved schema rebroadcast
		}
		sawData = true
		require.Equal(t, 5, d.SampleCount())
		for _, sample := range d.Samples {
			assert.InDelta(t, 3.3, sample[0], 0.02)
		}
		// Batches form one continuous timeline.
		if prevEnd != 0 {
			assert.Equal(t, prevEnd, d.TimestampNs)
		}
		prevEnd = d.Timestamp(d.SampleCount()-1) + d.PeriodNs
	}
	assert.True(t, sawData)
}

func TestPSULevelCommand(t *testing.T) {
	bus := newMemBus()
	inst, err := newPSU(bus, nil, fastParams())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })

	require.NoError(t, inst.Connect(context.Background()))

	telem := "telemetry.rack.rack-1.main_3v3"
	cmd := "command.rack.rack-1.main_3v3"
	require.NoError(t, inst.BindChannel("vout", telem))

	cmdable, ok := interface{}(inst).(rack.CommandableInstrument)
	require.True(t, ok)
	require.NoError(t, cmdable.BindCommand("vout", cmd))

	require.NoError(t, bus.Publish(context.Background(), cmd, []byte(`{"level": 5.0}`)))

	schema, err := stream.DecodeSchema(bus.snapshot(telem)[0])
	require.NoError(t, err)

	// Later batches settle at the commanded level.
	require.Eventually(t, func() bool {
		msgs := bus.snapshot(telem)
		if len(msgs) == 0 {
			return false
		}
		d, err := stream.DecodeData(msgs[len(msgs)-1], schema)
		if err != nil || d.SampleCount() == 0 {
			return false
		}
		v := d.Samples[d.SampleCount()-1][0]
		return v > 4.9 && v < 5.1
	}, time.Second, 5*time.Millisecond)
}

func TestPSURejectsMalformedCommand(t *testing.T) {
	bus := newMemBus()
	inst, err := newPSU(bus, nil, fastParams())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })

	require.NoError(t, inst.Connect(context.Background()))

	psu := inst.(*instrument)
	cmd := "command.rack.rack-1.main_3v3"
	cmdable := inst.(rack.CommandableInstrument)
	require.NoError(t, cmdable.BindCommand("vout", cmd))

	require.NoError(t, bus.Publish(context.Background(), cmd, []byte(`not json`)))
	require.NoError(t, bus.Publish(context.Background(), cmd, []byte(`{"volts": 9}`)))
	assert.InDelta(t, 3.3, psu.level("vout"), 1e-9)
}

func TestDAQChannelCount(t *testing.T) {
	bus := newMemBus()
	inst, err := newDAQ(bus, nil, map[string]any{"channel_count": 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })

	decls := inst.Channels()
	require.Len(t, decls, 2)
	assert.Equal(t, "ai0", string(decls[0].ID))
	assert.False(t, decls[0].Commandable)

	_, err = newDAQ(bus, nil, map[string]any{"channel_count": 0})
	require.Error(t, err)
}

func TestInstrumentParamValidation(t *testing.T) {
	bus := newMemBus()

	_, err := newPSU(bus, nil, map[string]any{"sample_period": "soon"})
	require.Error(t, err)

	_, err = newPSU(bus, nil, map[string]any{"batch_size": 0})
	require.Error(t, err)

	_, err = newPSU(bus, nil, map[string]any{"level.vout": "high"})
	require.Error(t, err)

	inst, err := newPSU(bus, nil, map[string]any{"level.vout": 12.0})
	require.NoError(t, err)
	assert.InDelta(t, 12.0, inst.(*instrument).level("vout"), 1e-9)
}

func TestCloseStopsStreaming(t *testing.T) {
	bus := newMemBus()
	inst, err := newPSU(bus, nil, fastParams())
	require.NoError(t, err)

	require.NoError(t, inst.Connect(context.Background()))
	subject := "telemetry.rack.rack-1.main_3v3"
	require.NoError(t, inst.BindChannel("vout", subject))

	require.Eventually(t, func() bool { return bus.count(subject) >= 2 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, inst.Close(context.Background()))
	after := bus.count(subject)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, bus.count(subject))

	// Closed instruments reject reuse.
	require.Error(t, inst.Connect(context.Background()))
	require.NoError(t, inst.Close(context.Background()))
}
