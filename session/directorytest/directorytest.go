// Package directorytest provides a conformance suite that every
// session.Directory implementation must pass.
package directorytest

import (
	"errors"
	"sync"
	"testing"

	"github.com/calclab/calc-gateway-go/session"
)

// Factory builds a fresh directory for one subtest. The suite closes it.
type Factory func(t *testing.T) session.Directory

// RunDirectoryTests exercises the session.Directory contract against the
// implementation produced by mk.
func RunDirectoryTests(t *testing.T, mk Factory) {
	t.Helper()

	t.Run("concurrent creates yield distinct identifiers", func(t *testing.T) {
		dir := mk(t)
		defer dir.Close()
		ctx := t.Context()

		const n = 32
		var wg sync.WaitGroup
		ids := make(chan string, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				eng, err := dir.Create(ctx)
				if err != nil {
					t.Errorf("Create failed: %v", err)
					return
				}
				ids <- eng.ID()
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[string]bool, n)
		for id := range ids {
			if seen[id] {
				t.Fatalf("duplicate session identifier: %s", id)
			}
			seen[id] = true
		}
		if len(seen) != n {
			t.Fatalf("expected %d identifiers, got %d", n, len(seen))
		}
		for id := range seen {
			if _, err := dir.Lookup(ctx, id); err != nil {
				t.Fatalf("Lookup(%s) after Create failed: %v", id, err)
			}
		}
	})

	t.Run("lookup of unknown identifier fails", func(t *testing.T) {
		dir := mk(t)
		defer dir.Close()

		_, err := dir.Lookup(t.Context(), "no-such-session")
		if !errors.Is(err, session.ErrUnknownSession) {
			t.Fatalf("expected ErrUnknownSession, got %v", err)
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		dir := mk(t)
		defer dir.Close()
		ctx := t.Context()

		eng, err := dir.Create(ctx)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := dir.Remove(ctx, eng.ID()); err != nil {
			t.Fatalf("first Remove failed: %v", err)
		}
		if err := dir.Remove(ctx, eng.ID()); err != nil {
			t.Fatalf("second Remove failed: %v", err)
		}
		if _, err := dir.Lookup(ctx, eng.ID()); !errors.Is(err, session.ErrUnknownSession) {
			t.Fatalf("expected ErrUnknownSession after Remove, got %v", err)
		}
	})

	t.Run("engine close removes the directory entry", func(t *testing.T) {
		dir := mk(t)
		defer dir.Close()
		ctx := t.Context()

		eng, err := dir.Create(ctx)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := eng.Handshake(); err != nil {
			t.Fatalf("Handshake failed: %v", err)
		}
		if err := eng.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := eng.Close(); err != nil {
			t.Fatalf("second Close failed: %v", err)
		}
		if _, err := dir.Lookup(ctx, eng.ID()); !errors.Is(err, session.ErrUnknownSession) {
			t.Fatalf("expected ErrUnknownSession after engine close, got %v", err)
		}
	})

	t.Run("closed session rejects further operations", func(t *testing.T) {
		dir := mk(t)
		defer dir.Close()
		ctx := t.Context()

		eng, err := dir.Create(ctx)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := eng.Handshake(); err != nil {
			t.Fatalf("Handshake failed: %v", err)
		}
		if err := eng.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, err := eng.Dispatch(ctx, "ping", nil); !errors.Is(err, session.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
		if _, err := eng.OpenStream(); !errors.Is(err, session.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	})
}
