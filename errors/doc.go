// Package errors provides standardized error handling for hwtest components.
//
// Errors are classified into three classes: Transient (temporary, retryable),
// Invalid (bad input or configuration, non-retryable), and Fatal
// (unrecoverable, stop processing). Classification drives the retry and
// escalation behavior throughout the system: a StreamChannel retries
// transient bus failures with backoff, while an IdentityMismatch moves the
// affected instrument to the error state without any retry.
//
// All wrapping follows the pattern "component.method: action failed: %w" so
// log lines parse consistently:
//
//	if err := pub.Publish(ctx, data); err != nil {
//	    return errors.WrapTransient(err, "Publisher", "Publish", "bus publish")
//	}
//
// Standard error variables cover the conditions the system produces:
// ErrNoConnection, ErrSerialization, ErrSchemaMismatch, ErrDriverNotFound,
// ErrIdentityMismatch, ErrThresholdConfig, ErrStateInvalid. Use these
// instead of ad hoc errors.New so callers can branch with errors.Is.
//
// Note that a schema id mismatch on the wire is modeled as a recoverable
// condition (the producer restarted), not a serialization failure; consumers
// drop the message and wait for the next schema broadcast.
//
// Classification integrates with the standard library: errors.Is, errors.As
// and wrapping chains all preserve the assigned class.
package errors
