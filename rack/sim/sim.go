// Package sim provides simulated instruments for bring-up and integration
// testing when no hardware is attached. The simulated PSU and DAQ stream
// synthetic telemetry through the normal publisher path, so monitors,
// subjects, and schema rebroadcast behave exactly as they do against a
// real rack.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/rack"
	"github.com/czalinski/hwtest/stream"
	"github.com/czalinski/hwtest/types"
)

// Driver references registered by Register.
const (
	DriverPSU = "sim.psu"
	DriverDAQ = "sim.daq"
)

// Identity constants reported by the simulated instruments. Rack configs
// using the sim drivers declare these as the expected identity.
const (
	Manufacturer = "hwtest"
	ModelPSU     = "sim-psu"
	ModelDAQ     = "sim-daq"
)

// Defaults for the synthetic sample stream.
const (
	DefaultSamplePeriod = 10 * time.Millisecond
	DefaultBatchSize    = 10
	DefaultNoise        = 0.01
)

// Register adds the simulated drivers to a registry. Publishers created by
// the simulated instruments stream on bus.
func Register(reg *rack.Registry, bus stream.Bus, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := reg.Register(DriverPSU, func(params map[string]any) (rack.Instrument, error) {
		return newPSU(bus, logger, params)
	}); err != nil {
		return err
	}
	return reg.Register(DriverDAQ, func(params map[string]any) (rack.Instrument, error) {
		return newDAQ(bus, logger, params)
	})
}

// channelDef is one synthetic channel: its declared id, unit, baseline
// level, and whether a command subject can move the level.
type channelDef struct {
	id          types.ChannelID
	unit        string
	level       float64
	commandable bool
}

// instrument is the shared simulated-instrument engine. Connect arms it,
// BindChannel starts one streamer goroutine per channel, Close tears
// everything down.
type instrument struct {
	bus      stream.Bus
	logger   *slog.Logger
	identity types.InstrumentIdentity

	period    time.Duration
	batchSize int
	noise     float64

	mu        sync.Mutex
	defs      map[types.ChannelID]*channelDef
	order     []types.ChannelID
	levels    map[types.ChannelID]float64
	pubs      []*stream.Publisher
	subs      []stream.Subscription
	streamCtx context.Context
	cancel    context.CancelFunc
	running   bool
	closed    bool
	streamWG  sync.WaitGroup
}

func newInstrument(bus stream.Bus, logger *slog.Logger, identity types.InstrumentIdentity, defs []channelDef, params map[string]any) (*instrument, error) {
	period, err := durationParam(params, "sample_period", DefaultSamplePeriod)
	if err != nil {
		return nil, err
	}
	batch, err := intParam(params, "batch_size", DefaultBatchSize)
	if err != nil {
		return nil, err
	}
	if batch < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "sim", "newInstrument",
			fmt.Sprintf("batch_size %d", batch))
	}
	noise, err := floatParam(params, "noise", DefaultNoise)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	inst := &instrument{
		bus:       bus,
		logger:    logger,
		identity:  identity,
		period:    period,
		batchSize: batch,
		noise:     noise,
		defs:      make(map[types.ChannelID]*channelDef, len(defs)),
		levels:    make(map[types.ChannelID]float64, len(defs)),
	}
	for i := range defs {
		def := defs[i]
		if v, err := floatParam(params, "level."+string(def.id), def.level); err == nil {
			def.level = v
		} else {
			return nil, err
		}
		inst.defs[def.id] = &def
		inst.order = append(inst.order, def.id)
		inst.levels[def.id] = def.level
	}
	return inst, nil
}

func newPSU(bus stream.Bus, logger *slog.Logger, params map[string]any) (rack.Instrument, error) {
	return newInstrument(bus, logger,
		types.InstrumentIdentity{Manufacturer: Manufacturer, Model: ModelPSU, Serial: "SIM-PSU-001"},
		[]channelDef{
			{id: "vout", unit: "V", level: 3.3, commandable: true},
			{id: "iout", unit: "A", level: 0.5},
		}, params)
}

func newDAQ(bus stream.Bus, logger *slog.Logger, params map[string]any) (rack.Instrument, error) {
	count, err := intParam(params, "channel_count", 4)
	if err != nil {
		return nil, err
	}
	if count < 1 || count > 64 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "sim", "newDAQ",
			fmt.Sprintf("channel_count %d", count))
	}
	defs := make([]channelDef, count)
	for i := range defs {
		defs[i] = channelDef{id: types.ChannelID(fmt.Sprintf("ai%d", i)), unit: "V", level: 1.0}
	}
	return newInstrument(bus, logger,
		types.InstrumentIdentity{Manufacturer: Manufacturer, Model: ModelDAQ, Serial: "SIM-DAQ-001"},
		defs, params)
}

// Connect arms the instrument. No hardware is involved, so the only
// failure mode is reuse after Close.
func (s *instrument) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapInvalid(errors.ErrInstrumentClosed, "sim", "Connect", string(s.identity.Model))
	}
	if s.running {
		return nil
	}
	s.running = true
	return nil
}

func (s *instrument) Identity(_ context.Context) (types.InstrumentIdentity, error) {
	return s.identity, nil
}

func (s *instrument) Channels() []rack.ChannelDecl {
	decls := make([]rack.ChannelDecl, 0, len(s.order))
	for _, id := range s.order {
		decls = append(decls, rack.ChannelDecl{ID: id, Commandable: s.defs[id].commandable})
	}
	return decls
}

// BindChannel starts streaming synthetic samples for the channel on the
// given subject. The batch timeline is continuous across batches so
// downstream gap detection stays quiet.
func (s *instrument) BindChannel(channel types.ChannelID, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.closed {
		return errors.WrapInvalid(errors.ErrInstrumentClosed, "sim", "BindChannel", string(channel))
	}
	def, ok := s.defs[channel]
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "sim", "BindChannel",
			fmt.Sprintf("unknown channel %s", channel))
	}

	schema := stream.NewSchema(types.SourceID(subjectSource(subject)), []stream.Field{
		{Name: string(channel), Type: stream.TypeF64, Unit: def.unit},
	})
	pub, err := stream.NewPublisher(s.bus, subject, schema,
		stream.WithPublisherLogger(s.logger))
	if err != nil {
		return err
	}

	if s.cancel == nil {
		s.streamCtx, s.cancel = context.WithCancel(context.Background())
	}
	if err := pub.Start(s.streamCtx); err != nil {
		return err
	}
	s.pubs = append(s.pubs, pub)

	s.streamWG.Add(1)
	go s.stream(s.streamCtx, pub, channel)
	return nil
}

// BindCommand subscribes for level commands on the channel. Payload is
// JSON: {"level": 3.3}.
func (s *instrument) BindCommand(channel types.ChannelID, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.closed {
		return errors.WrapInvalid(errors.ErrInstrumentClosed, "sim", "BindCommand", string(channel))
	}
	def, ok := s.defs[channel]
	if !ok || !def.commandable {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "sim", "BindCommand",
			fmt.Sprintf("channel %s is not commandable", channel))
	}

	sub, err := s.bus.Subscribe(context.Background(), subject, func(payload []byte) {
		var cmd struct {
			Level *float64 `json:"level"`
		}
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Level == nil {
			s.logger.Warn("discarding malformed command", "channel", string(channel))
			return
		}
		s.setLevel(channel, *cmd.Level)
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *instrument) setLevel(channel types.ChannelID, level float64) {
	s.mu.Lock()
	s.levels[channel] = level
	s.mu.Unlock()
	s.logger.Info("level command applied", "channel", string(channel), "level", level)
}

func (s *instrument) level(channel types.ChannelID) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[channel]
}

// stream emits one batch per tick, batchSize samples spaced period apart.
func (s *instrument) stream(ctx context.Context, pub *stream.Publisher, channel types.ChannelID) {
	defer s.streamWG.Done()

	interval := time.Duration(s.batchSize) * s.period
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	nextTs := uint64(time.Now().UnixNano())
	periodNs := uint64(s.period.Nanoseconds())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level := s.level(channel)
			samples := make([][]float64, s.batchSize)
			for i := range samples {
				samples[i] = []float64{level + s.noise*(rand.Float64()-0.5)}
			}
			d := stream.Data{
				SchemaID:    pub.Schema().SchemaID,
				TimestampNs: nextTs,
				PeriodNs:    periodNs,
				Samples:     samples,
			}
			nextTs += uint64(s.batchSize) * periodNs
			if err := pub.Publish(ctx, d); err != nil {
				s.logger.Warn("synthetic batch dropped", "channel", string(channel), "error", err)
			}
		}
	}
}

// Close stops every streamer and command subscription. Idempotent.
func (s *instrument) Close(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.running = false
	cancel := s.cancel
	pubs := s.pubs
	subs := s.subs
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.streamWG.Wait()
	for _, pub := range pubs {
		pub.Stop()
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

// subjectSource extracts the trailing subject token, the channel's
// alias-or-physical name, for use as the stream source id.
func subjectSource(subject string) string {
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			return subject[i+1:]
		}
	}
	return subject
}

func durationParam(params map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "sim", "durationParam", key)
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, errors.WrapInvalid(err, "sim", "durationParam", key)
	}
	return d, nil
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "sim", "intParam", key)
	}
}

func floatParam(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "sim", "floatParam", key)
	}
}
