package stream

import (
	"context"
	"fmt"
)

// Bus is the message transport a StreamChannel runs on. It must provide
// ordered, low-latency, at-least-once delivery per subject; the protocol's
// schema-before-data contract relies only on per-subject FIFO from a single
// publisher, and the once-per-second schema rebroadcast tolerates any
// delivery gap beyond that. natsclient.Client satisfies this interface;
// tests substitute in-memory fakes.
type Bus interface {
	// Publish sends data on a subject.
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe delivers every message on subject to handler until the
	// returned subscription is closed. Handlers run on the bus's receive
	// goroutine and must not block.
	Subscribe(ctx context.Context, subject string, handler func([]byte)) (Subscription, error)
}

// Subscription is an active bus subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
}

// TelemetrySubject returns the subject a channel's telemetry is published
// on: telemetry.rack.{rack}.{alias_or_physical}.
func TelemetrySubject(rackID, channel string) string {
	return fmt.Sprintf("telemetry.rack.%s.%s", rackID, channel)
}

// CommandSubject returns the subject commands to a channel are received on.
// It mirrors the telemetry hierarchy under the command root.
func CommandSubject(rackID, channel string) string {
	return fmt.Sprintf("command.rack.%s.%s", rackID, channel)
}

// StatusSubject returns the subject a rack publishes its status on. With an
// instrument id it addresses one instrument's status.
func StatusSubject(rackID string, instrumentID ...string) string {
	if len(instrumentID) > 0 && instrumentID[0] != "" {
		return fmt.Sprintf("status.rack.%s.%s", rackID, instrumentID[0])
	}
	return fmt.Sprintf("status.rack.%s", rackID)
}

// StateSubject returns the subject environmental state transitions are
// broadcast on for a rack.
func StateSubject(rackID string) string {
	return fmt.Sprintf("state.rack.%s", rackID)
}

// ResultSubject returns the subject monitor results are published on.
func ResultSubject(rackID string) string {
	return fmt.Sprintf("monitor.rack.%s.results", rackID)
}
