// Command calc-gateway runs the session-multiplexing protocol gateway in
// front of the calculator backend.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calclab/calc-gateway-go/backend"
	"github.com/calclab/calc-gateway-go/calcops"
	"github.com/calclab/calc-gateway-go/gatewayhttp"
	"github.com/calclab/calc-gateway-go/session"
	"github.com/calclab/calc-gateway-go/session/memorydir"
	"github.com/calclab/calc-gateway-go/session/redisdir"
	"github.com/joeshaw/envdecode"
)

type config struct {
	// ListenAddr like ":8080". ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// SessionsBackend selects the directory implementation: "memory" or
	// "redis". ENV: SESSIONS_BACKEND
	SessionsBackend string `env:"SESSIONS_BACKEND,default=memory"`
	// SessionIdleTimeout closes sessions with no activity for this long.
	// Zero disables the sweep. ENV: SESSION_IDLE_TIMEOUT
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT,default=30m"`
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		log.Error("config.decode.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	bridge, err := backend.NewFromEnv()
	if err != nil {
		log.Error("backend.init.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	registry, err := calcops.NewRegistry(bridge)
	if err != nil {
		log.Error("registry.init.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	var dir session.Directory
	switch cfg.SessionsBackend {
	case "redis":
		dir, err = redisdir.NewFromEnv(registry, redisdir.WithLogger(log))
	default:
		dir = memorydir.New(registry,
			memorydir.WithLogger(log),
			memorydir.WithIdleTimeout(cfg.SessionIdleTimeout),
		)
	}
	if err != nil {
		log.Error("sessions.init.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer dir.Close()

	handler, err := gatewayhttp.New(dir, bridge, gatewayhttp.WithLogger(log))
	if err != nil {
		log.Error("handler.init.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// Binding the socket is the only per-request-independent step allowed to
	// be process-fatal.
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Error("listen.fail", slog.String("addr", cfg.ListenAddr), slog.String("err", err.Error()))
		os.Exit(1)
	}

	srv := &http.Server{Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("gateway.listen", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("serve.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("gateway.stopped")
}
