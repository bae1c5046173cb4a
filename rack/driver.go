// Package rack orchestrates instrument lifecycles: driver resolution,
// identity verification, channel-to-subject wiring, and ordered shutdown.
package rack

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/types"
)

// ChannelDecl is one channel an instrument declares: its physical id and
// whether it accepts commands.
type ChannelDecl struct {
	ID          types.ChannelID
	Commandable bool
}

// Instrument is the contract every driver implements. The rack owns the
// lifecycle; drivers only know how to talk to their hardware.
type Instrument interface {
	// Connect establishes communication with the hardware.
	Connect(ctx context.Context) error
	// Identity queries the instrument for its identification record. The
	// rack verifies manufacturer and model against the configuration
	// before trusting the instrument with a test run.
	Identity(ctx context.Context) (types.InstrumentIdentity, error)
	// Channels declares the instrument's channels. The rack derives a
	// bus subject per channel; the instrument carries no aliasing logic.
	Channels() []ChannelDecl
	// BindChannel hands the instrument the subject its channel publishes
	// telemetry on.
	BindChannel(channel types.ChannelID, subject string) error
	// Close releases the hardware. Called at most once.
	Close(ctx context.Context) error
}

// CommandableInstrument additionally receives a command subject per
// commandable channel.
type CommandableInstrument interface {
	Instrument
	// BindCommand hands the instrument the subject it receives commands
	// on for a channel.
	BindCommand(channel types.ChannelID, subject string) error
}

// Factory constructs an instrument from its free-form driver parameters.
type Factory func(params map[string]any) (Instrument, error)

// Registry maps driver references to factories. Drivers register
// explicitly at startup; there is no reflective loading, so an unresolvable
// reference is a configuration error surfaced before any hardware is
// touched.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a driver reference.
func (r *Registry) Register(ref string, factory Factory) error {
	if ref == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "empty driver reference")
	}
	if factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
			fmt.Sprintf("nil factory for %s", ref))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[ref]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
			fmt.Sprintf("driver %s already registered", ref))
	}
	r.factories[ref] = factory
	return nil
}

// Resolve looks up a factory by driver reference.
func (r *Registry) Resolve(ref string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[ref]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrDriverNotFound, "Registry", "Resolve", ref)
	}
	return factory, nil
}

// Drivers returns the registered driver references, sorted.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.factories))
	for ref := range r.factories {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
