package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/calclab/calc-gateway-go/backend"
	"github.com/calclab/calc-gateway-go/capability"
)

// streamBuffer bounds the outbound channel. When the buffer is full the
// publish reports failure and the caller falls back to synchronous delivery.
const streamBuffer = 32

// StreamEvent is one message pushed onto a session's outbound stream.
type StreamEvent struct {
	ID   string
	Data []byte
}

// Engine mediates the protocol handshake and all subsequent calls for one
// session. It serializes its own state transitions with a per-session mutex;
// the upstream call inside a dispatch runs outside that lock so a slow
// backend never blocks lifecycle bookkeeping.
type Engine struct {
	id        string
	createdAt time.Time
	reg       *capability.Registry
	log       *slog.Logger

	mu          sync.Mutex
	state       State
	stream      chan StreamEvent
	nextEventID int64
	lastActive  time.Time

	// detach removes this session's directory entry. Assigned by the
	// directory at construction, invoked exactly once from Close, outside
	// the engine lock.
	detach func()
}

// EngineOption configures engine construction.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger. Logs are discarded if not provided.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithDetach sets the callback that removes the session's directory entry
// when the engine closes.
func WithDetach(fn func()) EngineOption {
	return func(e *Engine) { e.detach = fn }
}

// NewEngine constructs an uninitialized engine bound to reg. The caller is
// expected to register it in a directory and then run the handshake.
func NewEngine(id string, reg *capability.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		id:        id,
		createdAt: time.Now(),
		reg:       reg,
		state:     StateUninitialized,
	}
	e.lastActive = e.createdAt
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}
	return e
}

// ResumeEngine constructs an engine that is already active. Used by
// directories that rehydrate sessions from an external record.
func ResumeEngine(id string, reg *capability.Registry, opts ...EngineOption) *Engine {
	e := NewEngine(id, reg, opts...)
	e.state = StateActive
	return e
}

// ID returns the session identifier.
func (e *Engine) ID() string { return e.id }

// CreatedAt returns the session creation time.
func (e *Engine) CreatedAt() time.Time { return e.createdAt }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastActive returns the time of the last handshake, dispatch, or stream
// open on this session.
func (e *Engine) LastActive() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActive
}

// Handshake activates the session. It is valid exactly once, as the very
// first call; a second handshake fails with ErrProtocolViolation.
func (e *Engine) Handshake() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateUninitialized:
		e.state = StateActive
		e.lastActive = time.Now()
		return nil
	case StateActive:
		return fmt.Errorf("%w: session already initialized", ErrProtocolViolation)
	default:
		return ErrSessionClosed
	}
}

// Dispatch resolves name against the registry, validates and coerces the raw
// arguments, and invokes the handler. Backend failures pass through as
// *backend.UpstreamError; any other handler failure is wrapped. An in-flight
// dispatch may complete after the session closes; its result is simply
// discarded by the caller.
func (e *Engine) Dispatch(ctx context.Context, name string, args json.RawMessage) (*capability.Result, error) {
	e.mu.Lock()
	switch e.state {
	case StateClosed:
		e.mu.Unlock()
		return nil, ErrSessionClosed
	case StateUninitialized:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session not initialized", ErrProtocolViolation)
	}
	e.lastActive = time.Now()
	reg := e.reg
	e.mu.Unlock()

	c, err := reg.Resolve(name)
	if err != nil {
		return nil, err
	}
	coerced, err := reg.Validate(c, args)
	if err != nil {
		return nil, err
	}

	res, err := c.Handler(ctx, coerced)
	if err != nil {
		var uerr *backend.UpstreamError
		if errors.As(err, &uerr) {
			return nil, err
		}
		var argErr *capability.InvalidArgumentsError
		if errors.As(err, &argErr) {
			return nil, err
		}
		return nil, fmt.Errorf("capability %s failed: %w", name, err)
	}
	return res, nil
}

// Describe returns the registered capability descriptors.
func (e *Engine) Describe() []capability.Descriptor {
	return e.reg.Descriptors()
}

// OpenStream binds the session's outbound channel. At most one stream may be
// open at a time; a second open attempt fails with ErrStreamAlreadyOpen. The
// channel is closed when the session closes.
func (e *Engine) OpenStream() (<-chan StreamEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateClosed:
		return nil, ErrSessionClosed
	case StateUninitialized:
		return nil, fmt.Errorf("%w: session not initialized", ErrProtocolViolation)
	}
	if e.stream != nil {
		return nil, ErrStreamAlreadyOpen
	}
	e.stream = make(chan StreamEvent, streamBuffer)
	e.lastActive = time.Now()
	return e.stream, nil
}

// Publish pushes data onto the open stream. It reports false when no stream
// is open or the stream buffer is full, in which case the caller should
// deliver synchronously instead.
func (e *Engine) Publish(data []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActive || e.stream == nil {
		return false
	}
	e.nextEventID++
	ev := StreamEvent{ID: strconv.FormatInt(e.nextEventID, 10), Data: data}
	select {
	case e.stream <- ev:
		return true
	default:
		e.log.Warn("session.stream.full", slog.String("session_id", e.id))
		return false
	}
}

// Close transitions the session to its terminal state, closes any open
// stream, and removes the directory entry. It is idempotent and safe to
// invoke concurrently from an explicit close call and a stream-disconnect
// event; the release logic runs exactly once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosed
	if e.stream != nil {
		close(e.stream)
		e.stream = nil
	}
	detach := e.detach
	e.detach = nil
	e.mu.Unlock()

	// Detach outside the engine lock: the directory takes its own lock and
	// may itself be holding engine references during a sweep.
	if detach != nil {
		detach()
	}
	e.log.Debug("session.close", slog.String("session_id", e.id))
	return nil
}
