// Package memorydir is the process-local Directory implementation: a mutex
// guarded map from session identifier to engine, with an optional idle-sweep
// janitor that closes stale sessions through the ordinary close path.
package memorydir

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calclab/calc-gateway-go/capability"
	"github.com/calclab/calc-gateway-go/session"
	"github.com/google/uuid"
)

// Directory is an in-memory implementation of session.Directory.
type Directory struct {
	reg  *capability.Registry
	log  *slog.Logger
	idle time.Duration

	mu      sync.RWMutex
	engines map[string]*session.Engine

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures the directory.
type Option func(*Directory)

// WithLogger sets the directory logger. Logs are discarded if not provided.
func WithLogger(log *slog.Logger) Option {
	return func(d *Directory) { d.log = log }
}

// WithIdleTimeout enables the janitor: sessions with no activity for the
// given interval are closed through the same path as an explicit close. A
// non-positive value disables the sweep.
func WithIdleTimeout(idle time.Duration) Option {
	return func(d *Directory) { d.idle = idle }
}

// New constructs a Directory bound to reg.
func New(reg *capability.Registry, opts ...Option) *Directory {
	d := &Directory{
		reg:     reg,
		engines: make(map[string]*session.Engine),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.New(slog.DiscardHandler)
	}
	if d.idle > 0 {
		go d.sweepLoop()
	}
	return d
}

// Create generates a fresh identifier, builds the engine, and only then
// inserts it, so a concurrent lookup never observes a half-built session.
func (d *Directory) Create(ctx context.Context) (*session.Engine, error) {
	id := uuid.NewString()
	eng := session.NewEngine(id, d.reg,
		session.WithLogger(d.log),
		session.WithDetach(func() {
			_ = d.Remove(context.Background(), id)
		}),
	)

	d.mu.Lock()
	if _, exists := d.engines[id]; exists {
		// A v4 UUID collision is negligible; treat it as corruption.
		d.mu.Unlock()
		return nil, fmt.Errorf("session identifier collision: %s", id)
	}
	d.engines[id] = eng
	d.mu.Unlock()

	d.log.Debug("session.create", slog.String("session_id", id))
	return eng, nil
}

// Lookup resolves id to its engine.
func (d *Directory) Lookup(ctx context.Context, id string) (*session.Engine, error) {
	d.mu.RLock()
	eng, ok := d.engines[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrUnknownSession, id)
	}
	return eng, nil
}

// Remove deletes the entry if present. Absent identifiers are a no-op.
func (d *Directory) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.engines, id)
	d.mu.Unlock()
	return nil
}

// Close stops the janitor and closes every remaining session.
func (d *Directory) Close() error {
	d.stopOnce.Do(func() { close(d.stop) })

	d.mu.Lock()
	engines := make([]*session.Engine, 0, len(d.engines))
	for _, eng := range d.engines {
		engines = append(engines, eng)
	}
	d.mu.Unlock()

	for _, eng := range engines {
		_ = eng.Close()
	}
	return nil
}

// sweepLoop periodically closes sessions that have been idle longer than the
// configured interval.
func (d *Directory) sweepLoop() {
	interval := d.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sweep(time.Now().Add(-d.idle))
		}
	}
}

// sweep closes every session whose last activity predates cutoff. Engines
// are collected under the read lock and closed outside it; Engine.Close
// detaches from the directory on its own.
func (d *Directory) sweep(cutoff time.Time) {
	d.mu.RLock()
	var stale []*session.Engine
	for _, eng := range d.engines {
		if eng.LastActive().Before(cutoff) {
			stale = append(stale, eng)
		}
	}
	d.mu.RUnlock()

	for _, eng := range stale {
		d.log.Info("session.idle.close", slog.String("session_id", eng.ID()))
		_ = eng.Close()
	}
}

var _ session.Directory = (*Directory)(nil)
