package rack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/metric"
	"github.com/czalinski/hwtest/stream"
	"github.com/czalinski/hwtest/types"
)

// InstrumentState is the lifecycle state of a managed instrument. The only
// legal transitions are pending to initializing, initializing to ready or
// error, and ready or error to closed.
type InstrumentState int

// Lifecycle states.
const (
	StatePending InstrumentState = iota
	StateInitializing
	StateReady
	StateError
	StateClosed
)

// String returns the lowercase state name.
func (s InstrumentState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelConfig declares one channel of a configured instrument. Alias, if
// set, names the channel in telemetry subjects instead of the physical
// {instrument}.{channel} form. Direction applies to digital IO channels
// ("input" or "output"); analog channels leave it empty.
type ChannelConfig struct {
	ID        types.ChannelID `yaml:"id" json:"id"`
	Alias     string          `yaml:"alias,omitempty" json:"alias,omitempty"`
	Direction string          `yaml:"direction,omitempty" json:"direction,omitempty"`
}

// InstrumentConfig is one instrument entry of a rack configuration.
type InstrumentConfig struct {
	ID           string          `yaml:"id" json:"id"`
	Driver       string          `yaml:"driver" json:"driver"`
	Manufacturer string          `yaml:"manufacturer" json:"manufacturer"`
	Model        string          `yaml:"model" json:"model"`
	Params       map[string]any  `yaml:"params,omitempty" json:"params,omitempty"`
	Channels     []ChannelConfig `yaml:"channels,omitempty" json:"channels,omitempty"`
}

// InstrumentStatus is one instrument's status snapshot.
type InstrumentStatus struct {
	ID       string                    `json:"id"`
	State    string                    `json:"state"`
	Identity *types.InstrumentIdentity `json:"identity,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// RackStatus is the rack's aggregate status. Ready is true only when every
// configured instrument is ready.
type RackStatus struct {
	RackID      string             `json:"rack_id"`
	Ready       bool               `json:"ready"`
	Instruments []InstrumentStatus `json:"instruments"`
}

// managed is the rack's bookkeeping for one instrument. Owned exclusively
// by the rack; drivers never see it.
type managed struct {
	cfg        InstrumentConfig
	order      int
	instrument Instrument

	mu       sync.Mutex
	state    InstrumentState
	identity *types.InstrumentIdentity
	lastErr  error
}

func (m *managed) setState(state InstrumentState, err error) {
	m.mu.Lock()
	m.state = state
	if err != nil {
		m.lastErr = err
	}
	m.mu.Unlock()
}

func (m *managed) snapshot() (InstrumentState, *types.InstrumentIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.identity, m.lastErr
}

// Rack owns a set of configured instruments: it resolves their drivers,
// initializes and identity-checks them, wires their channels to bus
// subjects, and shuts them down in reverse initialization order.
type Rack struct {
	id         string
	registry   *Registry
	bus        stream.Bus
	logger     *slog.Logger
	metrics    *metric.Metrics
	serialInit bool

	mu          sync.Mutex
	instruments []*managed
	initialized bool
	shutdown    bool
}

// Option configures a Rack.
type Option func(*Rack)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Rack) { r.logger = l }
}

// WithMetrics attaches metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Rack) { r.metrics = m }
}

// WithSerialInit initializes instruments one at a time in configuration
// order. Use for racks where instruments share a bus that cannot tolerate
// concurrent bring-up.
func WithSerialInit() Option {
	return func(r *Rack) { r.serialInit = true }
}

// New creates a rack from its instrument configuration. Duplicate
// instrument ids are rejected here, before any driver runs.
func New(id string, registry *Registry, bus stream.Bus, configs []InstrumentConfig, opts ...Option) (*Rack, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Rack", "New", "empty rack id")
	}

	r := &Rack{
		id:       id,
		registry: registry,
		bus:      bus,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	seen := make(map[string]bool, len(configs))
	for i, cfg := range configs {
		if cfg.ID == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Rack", "New",
				fmt.Sprintf("instrument %d has no id", i))
		}
		if seen[cfg.ID] {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Rack", "New",
				fmt.Sprintf("duplicate instrument id %s", cfg.ID))
		}
		seen[cfg.ID] = true
		r.instruments = append(r.instruments, &managed{cfg: cfg, order: i, state: StatePending})
	}
	return r, nil
}

// ID returns the rack id.
func (r *Rack) ID() string {
	return r.id
}

// Initialize brings up every configured instrument. Instruments are
// independent, so initialization runs concurrently unless serial init is
// configured. One instrument failing never stops the others; the rack
// always attempts every instrument and reports per-instrument status.
func (r *Rack) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Rack", "Initialize", "state check")
	}
	r.initialized = true
	instruments := r.instruments
	r.mu.Unlock()

	if r.serialInit {
		for _, m := range instruments {
			r.initInstrument(ctx, m)
		}
	} else {
		var wg sync.WaitGroup
		for _, m := range instruments {
			wg.Add(1)
			go func(m *managed) {
				defer wg.Done()
				r.initInstrument(ctx, m)
			}(m)
		}
		wg.Wait()
	}

	status := r.Status()
	r.publishStatus(ctx, status)
	if r.metrics != nil {
		if status.Ready {
			r.metrics.RackReady.WithLabelValues(r.id).Set(1)
		} else {
			r.metrics.RackReady.WithLabelValues(r.id).Set(0)
		}
	}

	if !status.Ready {
		return errors.WrapTransient(
			fmt.Errorf("%d of %d instruments ready", readyCount(status), len(instruments)),
			"Rack", "Initialize", "aggregate health")
	}
	return nil
}

func readyCount(s RackStatus) int {
	n := 0
	for _, inst := range s.Instruments {
		if inst.State == StateReady.String() {
			n++
		}
	}
	return n
}

// initInstrument runs one instrument through pending, initializing, and
// ready or error. Errors are recorded on the instrument, never returned:
// failure isolation is the rack's core contract.
func (r *Rack) initInstrument(ctx context.Context, m *managed) {
	r.transition(m, StateInitializing, nil)

	factory, err := r.registry.Resolve(m.cfg.Driver)
	if err != nil {
		r.fail(m, err, "driver resolution failed")
		return
	}

	instrument, err := factory(m.cfg.Params)
	if err != nil {
		r.fail(m, errors.Wrap(err, "Rack", "initInstrument", "factory"), "construction failed")
		return
	}
	m.instrument = instrument

	if err := instrument.Connect(ctx); err != nil {
		r.fail(m, errors.Wrap(err, "Rack", "initInstrument", "connect"), "connect failed")
		return
	}

	identity, err := instrument.Identity(ctx)
	if err != nil {
		r.fail(m, errors.Wrap(err, "Rack", "initInstrument", "identity query"), "identity query failed")
		return
	}
	if !identity.Matches(m.cfg.Manufacturer, m.cfg.Model) {
		// Wrong hardware in the slot. No retry: re-querying the same
		// instrument cannot change its identity.
		r.fail(m, errors.WrapFatal(errors.ErrIdentityMismatch, "Rack", "initInstrument",
			fmt.Sprintf("expected %s/%s, got %s/%s",
				m.cfg.Manufacturer, m.cfg.Model, identity.Manufacturer, identity.Model)),
			"identity mismatch")
		return
	}
	m.mu.Lock()
	m.identity = &identity
	m.mu.Unlock()

	if err := r.wireChannels(m, instrument); err != nil {
		r.fail(m, err, "channel wiring failed")
		return
	}

	r.transition(m, StateReady, nil)
	r.logger.Info("instrument ready",
		"rack", r.id,
		"instrument", m.cfg.ID,
		"manufacturer", identity.Manufacturer,
		"model", identity.Model,
		"serial", identity.Serial)
}

// wireChannels derives each declared channel's subjects and hands them to
// the instrument. The alias from configuration wins; otherwise the
// physical {instrument}.{channel} form is used.
func (r *Rack) wireChannels(m *managed, instrument Instrument) error {
	aliases := make(map[types.ChannelID]string, len(m.cfg.Channels))
	for _, ch := range m.cfg.Channels {
		aliases[ch.ID] = ch.Alias
	}

	commandable, _ := instrument.(CommandableInstrument)

	for _, decl := range instrument.Channels() {
		name := aliases[decl.ID]
		if name == "" {
			name = fmt.Sprintf("%s.%s", m.cfg.ID, decl.ID)
		}

		subject := stream.TelemetrySubject(r.id, name)
		if err := instrument.BindChannel(decl.ID, subject); err != nil {
			return errors.Wrap(err, "Rack", "wireChannels",
				fmt.Sprintf("channel %s", decl.ID))
		}

		if decl.Commandable && commandable != nil {
			cmdSubject := stream.CommandSubject(r.id, name)
			if err := commandable.BindCommand(decl.ID, cmdSubject); err != nil {
				return errors.Wrap(err, "Rack", "wireChannels",
					fmt.Sprintf("command channel %s", decl.ID))
			}
		}
	}
	return nil
}

func (r *Rack) fail(m *managed, err error, msg string) {
	r.transition(m, StateError, err)
	r.logger.Error(msg, "rack", r.id, "instrument", m.cfg.ID, "error", err)
}

func (r *Rack) transition(m *managed, state InstrumentState, err error) {
	m.setState(state, err)
	if r.metrics != nil {
		r.metrics.InstrumentState.WithLabelValues(r.id, m.cfg.ID).Set(float64(state))
	}
}

// Status returns every instrument's lifecycle state and last error. The
// aggregate is ready only when all instruments are ready.
func (r *Rack) Status() RackStatus {
	r.mu.Lock()
	instruments := r.instruments
	r.mu.Unlock()

	status := RackStatus{RackID: r.id, Ready: len(instruments) > 0}
	for _, m := range instruments {
		state, identity, lastErr := m.snapshot()
		s := InstrumentStatus{
			ID:       m.cfg.ID,
			State:    state.String(),
			Identity: identity,
		}
		if lastErr != nil {
			s.Error = lastErr.Error()
		}
		if state != StateReady {
			status.Ready = false
		}
		status.Instruments = append(status.Instruments, s)
	}
	return status
}

// Shutdown closes every non-closed instrument in reverse initialization
// order, so hardware brought up later (which may depend on shared buses
// released by earlier instruments) is released first. Close failures are
// logged and the instrument still ends closed. Idempotent.
func (r *Rack) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	instruments := r.instruments
	r.mu.Unlock()

	for i := len(instruments) - 1; i >= 0; i-- {
		m := instruments[i]
		state, _, _ := m.snapshot()
		if state == StateClosed {
			continue
		}

		if m.instrument != nil {
			if err := m.instrument.Close(ctx); err != nil {
				r.logger.Warn("instrument close failed",
					"rack", r.id, "instrument", m.cfg.ID, "error", err)
			}
		}
		r.transition(m, StateClosed, nil)
	}

	if r.metrics != nil {
		r.metrics.RackReady.WithLabelValues(r.id).Set(0)
	}
	r.publishStatus(ctx, r.Status())
	r.logger.Info("rack shut down", "rack", r.id)
}

func (r *Rack) publishStatus(ctx context.Context, status RackStatus) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(status)
	if err != nil {
		r.logger.Error("status encoding failed", "rack", r.id, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, stream.StatusSubject(r.id), payload); err != nil {
		r.logger.Warn("status publish failed", "rack", r.id, "error", err)
	}
}
