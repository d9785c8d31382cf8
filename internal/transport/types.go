package transport

import (
	"context"
	"errors"
	"fmt"
)

type EventKind string

const (
	// EventReady signals the channel session is authenticated and able to
	// send and receive.
	EventReady EventKind = "ready"
	// EventAuthFailure signals the session lost authentication.
	EventAuthFailure EventKind = "auth_failure"
	// EventQRChallenge carries a pairing challenge payload for channels
	// that authenticate by scanning a code.
	EventQRChallenge EventKind = "qr_challenge"
	// EventMessage is an inbound text from a recipient.
	EventMessage EventKind = "message"
)

// Event is the single tagged variant through which adapters surface both
// lifecycle transitions and inbound messages. Core consumes one channel of
// these and never depends on a concrete adapter.
type Event struct {
	Kind EventKind

	// Reason is set for auth_failure events.
	Reason string
	// Payload is set for qr_challenge events.
	Payload string

	// Sender and Text are set for message events. Sender is the raw channel
	// address of the author; core canonicalizes it before matching.
	Sender string
	Text   string
}

// Client is the minimal delivery capability the core depends on.
type Client interface {
	// Start begins the session and emits Events on out until ctx is
	// canceled or Stop is called. Delivery on out is best-effort; adapters
	// must not block on a slow consumer.
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	// SendMedia delivers a captioned image to the given identity.
	SendMedia(ctx context.Context, identity, mediaRef, caption string) error
	// SendText delivers a plain text message to the given identity.
	SendText(ctx context.Context, identity, text string) error
}

// PermanentError marks a delivery failure that retrying cannot fix
// (malformed identity, media rejected by the channel). Transient failures
// (network, timeout) are plain errors.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
