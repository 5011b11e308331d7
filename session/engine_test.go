package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/calclab/calc-gateway-go/backend"
	"github.com/calclab/calc-gateway-go/capability"
)

type echoArgs struct {
	Msg string `json:"msg"`
}

func newTestRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	echo := capability.New("echo", func(ctx context.Context, args echoArgs) (*capability.Result, error) {
		return capability.TextResult(args.Msg), nil
	})
	upstream := capability.New("upstream-fail", func(ctx context.Context, _ struct{}) (*capability.Result, error) {
		return nil, &backend.UpstreamError{Status: 503, Message: "backend exploded"}
	})
	broken := capability.New("broken", func(ctx context.Context, _ struct{}) (*capability.Result, error) {
		return nil, fmt.Errorf("handler blew up")
	})
	reg, err := capability.NewRegistry(echo, upstream, broken)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

func newActiveEngine(t *testing.T) *Engine {
	t.Helper()
	eng := NewEngine("test-session", newTestRegistry(t))
	if err := eng.Handshake(); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	return eng
}

func TestEngineLifecycle(t *testing.T) {
	t.Run("handshake activates exactly once", func(t *testing.T) {
		eng := NewEngine("s", newTestRegistry(t))
		if got := eng.State(); got != StateUninitialized {
			t.Fatalf("fresh engine state: want %q got %q", StateUninitialized, got)
		}
		if err := eng.Handshake(); err != nil {
			t.Fatalf("first Handshake failed: %v", err)
		}
		if got := eng.State(); got != StateActive {
			t.Fatalf("state after handshake: want %q got %q", StateActive, got)
		}
		if err := eng.Handshake(); !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("second Handshake: expected ErrProtocolViolation, got %v", err)
		}
	})

	t.Run("dispatch before handshake is a protocol violation", func(t *testing.T) {
		eng := NewEngine("s", newTestRegistry(t))
		if _, err := eng.Dispatch(t.Context(), "echo", nil); !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("expected ErrProtocolViolation, got %v", err)
		}
	})

	t.Run("close is idempotent under concurrency", func(t *testing.T) {
		detached := 0
		var detachMu sync.Mutex
		eng := NewEngine("s", newTestRegistry(t), WithDetach(func() {
			detachMu.Lock()
			detached++
			detachMu.Unlock()
		}))
		if err := eng.Handshake(); err != nil {
			t.Fatalf("Handshake failed: %v", err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := eng.Close(); err != nil {
					t.Errorf("Close failed: %v", err)
				}
			}()
		}
		wg.Wait()

		if detached != 1 {
			t.Fatalf("detach ran %d times, want 1", detached)
		}
		if got := eng.State(); got != StateClosed {
			t.Fatalf("state after close: want %q got %q", StateClosed, got)
		}
	})
}

func TestEngineDispatch(t *testing.T) {
	t.Run("dispatch returns the handler result", func(t *testing.T) {
		eng := newActiveEngine(t)
		res, err := eng.Dispatch(t.Context(), "echo", json.RawMessage(`{"msg":"hi"}`))
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if len(res.Content) != 1 || res.Content[0].Text != "hi" {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("unknown capability propagates", func(t *testing.T) {
		eng := newActiveEngine(t)
		if _, err := eng.Dispatch(t.Context(), "nope", nil); !errors.Is(err, capability.ErrUnknownCapability) {
			t.Fatalf("expected ErrUnknownCapability, got %v", err)
		}
	})

	t.Run("invalid arguments propagate with diagnostics", func(t *testing.T) {
		eng := newActiveEngine(t)
		_, err := eng.Dispatch(t.Context(), "echo", json.RawMessage(`{"msg":7}`))
		var argErr *capability.InvalidArgumentsError
		if !errors.As(err, &argErr) {
			t.Fatalf("expected InvalidArgumentsError, got %v", err)
		}
		if _, ok := argErr.Fields["msg"]; !ok {
			t.Fatalf("missing diagnostic for msg: %v", argErr.Fields)
		}
	})

	t.Run("upstream failure passes through unwrapped", func(t *testing.T) {
		eng := newActiveEngine(t)
		_, err := eng.Dispatch(t.Context(), "upstream-fail", nil)
		var uerr *backend.UpstreamError
		if !errors.As(err, &uerr) {
			t.Fatalf("expected UpstreamError, got %v", err)
		}
		if uerr.Status != 503 {
			t.Fatalf("unexpected upstream status: %d", uerr.Status)
		}
	})

	t.Run("other handler failures are wrapped", func(t *testing.T) {
		eng := newActiveEngine(t)
		_, err := eng.Dispatch(t.Context(), "broken", nil)
		if err == nil {
			t.Fatal("expected error")
		}
		var uerr *backend.UpstreamError
		if errors.As(err, &uerr) {
			t.Fatalf("unexpected UpstreamError: %v", err)
		}
	})

	t.Run("dispatch on closed session fails", func(t *testing.T) {
		eng := newActiveEngine(t)
		_ = eng.Close()
		if _, err := eng.Dispatch(t.Context(), "echo", nil); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	})
}

func TestEngineStream(t *testing.T) {
	t.Run("at most one open stream", func(t *testing.T) {
		eng := newActiveEngine(t)
		if _, err := eng.OpenStream(); err != nil {
			t.Fatalf("OpenStream failed: %v", err)
		}
		if _, err := eng.OpenStream(); !errors.Is(err, ErrStreamAlreadyOpen) {
			t.Fatalf("expected ErrStreamAlreadyOpen, got %v", err)
		}
	})

	t.Run("publish delivers in order and close ends the stream", func(t *testing.T) {
		eng := newActiveEngine(t)
		events, err := eng.OpenStream()
		if err != nil {
			t.Fatalf("OpenStream failed: %v", err)
		}

		if !eng.Publish([]byte("one")) {
			t.Fatal("first Publish reported no stream")
		}
		if !eng.Publish([]byte("two")) {
			t.Fatal("second Publish reported no stream")
		}
		_ = eng.Close()

		var got []string
		for ev := range events {
			got = append(got, string(ev.Data))
		}
		if len(got) != 2 || got[0] != "one" || got[1] != "two" {
			t.Fatalf("unexpected events: %v", got)
		}
	})

	t.Run("publish without a stream reports false", func(t *testing.T) {
		eng := newActiveEngine(t)
		if eng.Publish([]byte("lost")) {
			t.Fatal("Publish without a stream reported success")
		}
	})

	t.Run("event ids increase monotonically", func(t *testing.T) {
		eng := newActiveEngine(t)
		events, err := eng.OpenStream()
		if err != nil {
			t.Fatalf("OpenStream failed: %v", err)
		}
		eng.Publish([]byte("a"))
		eng.Publish([]byte("b"))
		_ = eng.Close()

		var ids []string
		for ev := range events {
			ids = append(ids, ev.ID)
		}
		if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
			t.Fatalf("unexpected ids: %v", ids)
		}
	})
}
