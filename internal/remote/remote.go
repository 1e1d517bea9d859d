// Package remote defines the contract with the remote persistence
// collaborator and the failure classification the engine depends on.
//
// Transport details (HTTP framing, auth) live behind the Client
// interface; the engine only sees records, keys and classified errors.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/roach88/rollbook/internal/record"
)

// Client is the write surface of the remote store.
//
// Both calls are batch-shaped; a single-record write is a one-element
// batch. The server applies upserts with last-writer-wins semantics.
type Client interface {
	Upsert(ctx context.Context, records []record.Record) error
	Delete(ctx context.Context, keys []record.Key) error
}

// Fetcher is an optional capability of a Client: reading back
// authoritative records after a drain so server-assigned fields land
// locally. Clients that cannot fetch simply do not implement it.
type Fetcher interface {
	Fetch(ctx context.Context, keys []record.Key) ([]record.Record, error)
}

// Kind classifies a remote failure.
type Kind string

const (
	// KindTransient marks the server as unreachable: transport failures,
	// timeouts. The write is worth retrying when connectivity returns.
	KindTransient Kind = "transient"

	// KindTerminal marks an active rejection: validation, conflict,
	// permission. Retrying the same write would fail the same way.
	KindTerminal Kind = "terminal"
)

// Error is a classified remote failure.
type Error struct {
	// Kind decides whether the write routes to the offline queue.
	Kind Kind

	// Op names the remote call that failed: "upsert", "delete", "fetch".
	Op string

	// Msg is a human-readable description.
	Msg string

	// Err is the underlying cause, may be nil.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("remote %s: %s", e.Op, e.Msg)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient creates an Error for an unreachable server.
func NewTransient(op, msg string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Msg: msg, Err: err}
}

// NewTerminal creates an Error for an active server rejection.
func NewTerminal(op, msg string, err error) *Error {
	return &Error{Kind: KindTerminal, Op: op, Msg: msg, Err: err}
}

// Retryable reports whether err should route to the offline queue.
//
// Classification rules:
//   - a classified *Error carries its own Kind
//   - context deadline or cancellation means the server never answered
//   - net.Error covers transport-level failures
//   - everything else is terminal: blindly retrying a write the server
//     rejected would loop forever
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
