package redisdir

import (
	"errors"
	"testing"

	"github.com/calclab/calc-gateway-go/capability"
	"github.com/calclab/calc-gateway-go/session"
	"github.com/calclab/calc-gateway-go/session/directorytest"
)

func emptyRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg, err := capability.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

// mustDirectory builds a directory against the configured Redis, skipping
// the test in environments without one.
func mustDirectory(t *testing.T) *Directory {
	t.Helper()
	d, err := NewFromEnv(emptyRegistry(t))
	if err != nil {
		t.Skipf("skipping redis directory tests: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestRedisDirectory(t *testing.T) {
	mustDirectory(t)

	directorytest.RunDirectoryTests(t, func(t *testing.T) session.Directory {
		dd, err := NewFromEnv(emptyRegistry(t))
		if err != nil {
			t.Fatalf("NewFromEnv failed: %v", err)
		}
		return dd
	})
}

func TestLookupClosesEngineWithoutRecord(t *testing.T) {
	d := mustDirectory(t)
	ctx := t.Context()

	eng, err := d.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := eng.Handshake(); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}

	// Drop the record directly, as a TTL expiry or a peer's close would.
	if err := d.client.Del(ctx, d.recordKey(eng.ID())).Err(); err != nil {
		t.Fatalf("Del failed: %v", err)
	}

	if _, err := d.Lookup(ctx, eng.ID()); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession for recordless session, got %v", err)
	}
	if eng.State() != session.StateClosed {
		t.Fatalf("local engine survived record loss, state %q", eng.State())
	}
	d.mu.RLock()
	_, still := d.engines[eng.ID()]
	d.mu.RUnlock()
	if still {
		t.Fatal("local entry not detached after record loss")
	}
}

func TestSweepClosesExpiredEngines(t *testing.T) {
	d := mustDirectory(t)
	ctx := t.Context()

	stale, err := d.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := stale.Handshake(); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	fresh, err := d.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := d.client.Del(ctx, d.recordKey(stale.ID())).Err(); err != nil {
		t.Fatalf("Del failed: %v", err)
	}

	d.sweep(ctx)

	if stale.State() != session.StateClosed {
		t.Fatalf("recordless session not closed by sweep, state %q", stale.State())
	}
	if _, err := d.Lookup(ctx, fresh.ID()); err != nil {
		t.Fatalf("live session swept: %v", err)
	}
}

func TestNewFromEnvRejectsMalformedConfig(t *testing.T) {
	t.Setenv("SESSION_IDLE_TIMEOUT", "banana")
	if _, err := NewFromEnv(emptyRegistry(t)); err == nil {
		t.Fatal("expected config decode failure")
	}
}
