// Package state tracks the environmental state a test article is in and
// broadcasts transitions to local subscribers and the message bus.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/stream"
	"github.com/czalinski/hwtest/types"
)

// DefaultSubscriberBuffer bounds each subscriber's transition channel.
const DefaultSubscriberBuffer = 16

// Controller holds exactly one current environmental state and serializes
// transitions. SetState updates the state and delivers the transition event
// to every subscriber before returning, so a reader that observes the new
// state can rely on the event having been emitted. Readers never see a torn
// intermediate state.
type Controller struct {
	logger  *slog.Logger
	bus     stream.Bus
	subject string
	buffer  int

	mu      sync.RWMutex
	current *types.EnvironmentalState
	subs    map[int]chan types.StateTransition
	nextSub int
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithBus publishes every transition on the rack's state subject in
// addition to local delivery.
func WithBus(bus stream.Bus, rackID string) ControllerOption {
	return func(c *Controller) {
		c.bus = bus
		c.subject = stream.StateSubject(rackID)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithSubscriberBuffer overrides each subscriber's channel capacity.
func WithSubscriberBuffer(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// NewController creates a controller with no current state. The first
// SetState establishes it.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		logger: slog.Default(),
		buffer: DefaultSubscriberBuffer,
		subs:   make(map[int]chan types.StateTransition),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the current state. ok is false before the first
// transition.
func (c *Controller) Current() (types.EnvironmentalState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return types.EnvironmentalState{}, false
	}
	return *c.current, true
}

// SetState transitions to a new state and broadcasts the event. The
// transition's From is empty for the initial state. Transitions are
// serialized; two concurrent calls are applied in some total order and each
// event carries the state that actually preceded it.
func (c *Controller) SetState(ctx context.Context, next types.EnvironmentalState, reason string) error {
	if next.StateID == "" {
		return errors.WrapInvalid(errors.ErrStateInvalid, "Controller", "SetState", "empty state id")
	}

	c.mu.Lock()
	var from types.StateID
	if c.current != nil {
		if c.current.StateID == next.StateID {
			c.mu.Unlock()
			return errors.WrapInvalid(errors.ErrStateInvalid, "Controller", "SetState",
				fmt.Sprintf("already in state %s", next.StateID))
		}
		from = c.current.StateID
	}
	snapshot := next
	c.current = &snapshot

	event := types.StateTransition{
		From:      from,
		To:        next.StateID,
		Timestamp: types.Now(),
		Reason:    reason,
	}

	// Deliver under the lock so subscribers observe transitions in commit
	// order. Channels are buffered; a full subscriber loses the oldest
	// event rather than stalling the transition.
	for _, ch := range c.subs {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
	c.mu.Unlock()

	c.logger.Info("environmental state transition",
		"from", string(from),
		"to", string(next.StateID),
		"transition", next.IsTransition,
		"reason", reason)

	if c.bus != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			return errors.WrapInvalid(err, "Controller", "SetState", "event encoding")
		}
		if err := c.bus.Publish(ctx, c.subject, payload); err != nil {
			return errors.WrapTransient(err, "Controller", "SetState", "bus publish")
		}
	}
	return nil
}

// Subscribe registers a transition listener. The returned channel receives
// every transition from now on; call the cancel function to release it.
func (c *Controller) Subscribe() (<-chan types.StateTransition, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan types.StateTransition, c.buffer)
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
		}
	}
}
