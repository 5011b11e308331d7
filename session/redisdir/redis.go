// Package redisdir keeps session records in Redis while engines stay
// process-local. A record outliving its engine (for example after a restart)
// is rehydrated into an active engine on lookup, so the directory can later
// be fronted by more than one gateway process sharing one Redis. The record
// is the source of truth for liveness: a lookup whose record is gone closes
// the local engine through the ordinary close path, and a background sweep
// does the same for engines nobody looks up anymore.
package redisdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calclab/calc-gateway-go/capability"
	"github.com/calclab/calc-gateway-go/session"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed Directory. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all session record keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=gateway:sessions:"`
	// RecordTTL bounds how long an idle record survives. Zero keeps records
	// until an explicit close. ENV: SESSION_IDLE_TIMEOUT
	RecordTTL time.Duration `env:"SESSION_IDLE_TIMEOUT,default=0"`
}

// Directory is a Redis-backed implementation of session.Directory.
type Directory struct {
	client    *redis.Client
	keyPrefix string
	recordTTL time.Duration
	reg       *capability.Registry
	log       *slog.Logger

	mu      sync.RWMutex
	engines map[string]*session.Engine

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures the directory.
type Option func(*Directory)

// WithLogger sets the directory logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Directory) { d.log = log }
}

// New constructs a Directory from cfg, verifying Redis connectivity.
func New(reg *capability.Registry, cfg Config, opts ...Option) (*Directory, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gateway:sessions:"
	}
	d := &Directory{
		client:    cl,
		keyPrefix: prefix,
		recordTTL: cfg.RecordTTL,
		reg:       reg,
		engines:   make(map[string]*session.Engine),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.New(slog.DiscardHandler)
	}
	if d.recordTTL > 0 {
		go d.sweepLoop()
	}
	return d, nil
}

// NewFromEnv builds a Directory using envdecode to populate Config. A
// malformed environment fails construction rather than silently falling back
// to defaults.
func NewFromEnv(reg *capability.Registry, opts ...Option) (*Directory, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode sessions config: %w", err)
	}
	return New(reg, cfg, opts...)
}

func (d *Directory) recordKey(id string) string { return d.keyPrefix + id }

// Create writes the session record, then builds and inserts the engine.
func (d *Directory) Create(ctx context.Context) (*session.Engine, error) {
	id := uuid.NewString()

	if err := d.client.HSet(ctx, d.recordKey(id), map[string]any{
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to write session record: %w", err)
	}
	if d.recordTTL > 0 {
		_ = d.client.Expire(ctx, d.recordKey(id), d.recordTTL).Err()
	}

	eng := d.newEngine(id, false)
	d.mu.Lock()
	d.engines[id] = eng
	d.mu.Unlock()

	d.log.Debug("session.create", slog.String("session_id", id))
	return eng, nil
}

// Lookup resolves id against the Redis record first: a missing record means
// the session expired or was removed by a peer, and any local engine for it
// is closed through the ordinary close path. A live record resolves to the
// local engine, or rehydrates one.
func (d *Directory) Lookup(ctx context.Context, id string) (*session.Engine, error) {
	n, err := d.client.Exists(ctx, d.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}

	d.mu.RLock()
	eng, ok := d.engines[id]
	d.mu.RUnlock()

	if n == 0 {
		if ok {
			d.log.Info("session.record.gone", slog.String("session_id", id))
			_ = eng.Close()
		}
		return nil, fmt.Errorf("%w: %s", session.ErrUnknownSession, id)
	}

	if ok {
		d.touch(ctx, id)
		return eng, nil
	}

	d.mu.Lock()
	if eng, ok := d.engines[id]; ok {
		d.mu.Unlock()
		d.touch(ctx, id)
		return eng, nil
	}
	eng = d.newEngine(id, true)
	d.engines[id] = eng
	d.mu.Unlock()

	d.touch(ctx, id)
	return eng, nil
}

// Remove deletes the record and the local entry. Absent identifiers are a
// no-op.
func (d *Directory) Remove(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.recordKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	d.mu.Lock()
	delete(d.engines, id)
	d.mu.Unlock()
	return nil
}

// Close stops the sweep, closes every local session, and closes the Redis
// client.
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
	return d.client.Close()
}

func (d *Directory) newEngine(id string, resumed bool) *session.Engine {
	opts := []session.EngineOption{
		session.WithLogger(d.log),
		session.WithDetach(func() {
			_ = d.Remove(context.Background(), id)
		}),
	}
	if resumed {
		return session.ResumeEngine(id, d.reg, opts...)
	}
	return session.NewEngine(id, d.reg, opts...)
}

// touch refreshes the record TTL on activity.
func (d *Directory) touch(ctx context.Context, id string) {
	if d.recordTTL > 0 {
		_ = d.client.Expire(ctx, d.recordKey(id), d.recordTTL).Err()
	}
}

// sweepLoop periodically closes local engines whose record expired without
// anyone looking them up.
func (d *Directory) sweepLoop() {
	interval := d.recordTTL / 2
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
			d.sweep(context.Background())
		}
	}
}

// sweep closes every local engine whose Redis record is gone. Engines are
// collected under the read lock and closed outside it; Engine.Close detaches
// from the directory on its own.
func (d *Directory) sweep(ctx context.Context) {
	d.mu.RLock()
	ids := make([]string, 0, len(d.engines))
	engines := make([]*session.Engine, 0, len(d.engines))
	for id, eng := range d.engines {
		ids = append(ids, id)
		engines = append(engines, eng)
	}
	d.mu.RUnlock()

	for i, id := range ids {
		n, err := d.client.Exists(ctx, d.recordKey(id)).Result()
		if err != nil {
			d.log.Warn("session.sweep.fail", slog.String("err", err.Error()))
			return
		}
		if n == 0 {
			d.log.Info("session.expired.close", slog.String("session_id", id))
			_ = engines[i].Close()
		}
	}
}

var _ session.Directory = (*Directory)(nil)
