// Package session holds the per-session protocol engine and the directory
// contract that maps session identifiers to live engines.
package session

import (
	"context"
	"errors"
)

// State is the lifecycle state of a session engine.
type State string

const (
	// StateUninitialized exists transiently between directory insertion and
	// the handshake that activates the session.
	StateUninitialized State = "uninitialized"
	// StateActive accepts dispatch calls and may hold one open stream.
	StateActive State = "active"
	// StateClosed is terminal.
	StateClosed State = "closed"
)

var (
	// ErrUnknownSession is returned when an identifier does not resolve to a
	// live engine.
	ErrUnknownSession = errors.New("session not found")
	// ErrSessionClosed is returned for any operation on a closed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrStreamAlreadyOpen is returned when opening a second outbound stream.
	ErrStreamAlreadyOpen = errors.New("session stream already open")
	// ErrProtocolViolation is returned when a call is invalid for the
	// session's current state, such as a second handshake.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Directory is the process-wide mapping from session identifier to engine.
// Implementations must serialize Create/Lookup/Remove so that concurrent
// creations never race into duplicate identifiers and a removal is never
// observed half-done.
type Directory interface {
	// Create generates a fresh identifier, constructs an engine bound to the
	// capability registry, inserts it, and returns it.
	Create(ctx context.Context) (*Engine, error)

	// Lookup resolves an identifier to its engine, or fails with
	// ErrUnknownSession.
	Lookup(ctx context.Context, id string) (*Engine, error)

	// Remove deletes the entry if present. Removing an absent identifier is
	// a no-op, keeping close idempotent.
	Remove(ctx context.Context, id string) error

	// Close tears down the directory and every session it still holds.
	Close() error
}
