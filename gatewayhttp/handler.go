package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/calclab/calc-gateway-go/backend"
	"github.com/calclab/calc-gateway-go/capability"
	"github.com/calclab/calc-gateway-go/internal/logctx"
	"github.com/calclab/calc-gateway-go/internal/wire"
	"github.com/calclab/calc-gateway-go/session"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	sessionIDHeader   = "Gateway-Session-Id"
	lastEventIDHeader = "Last-Event-ID"
)

// ErrMissingSession marks a primary call that carried neither a session
// header nor a handshake payload.
var ErrMissingSession = errors.New("missing session identifier")

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a JSON-RPC exchange is possible. This is transport-level, not
// JSON-RPC framing. Shape: {"error":{"code":<httpStatus>,"message":"..."}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger *slog.Logger
}

// WithLogger sets the slog logger used by the handler. If not provided, logs
// are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// Handler is the HTTP-facing request router. It classifies every inbound call
// by session header, payload, and verb/path, resolves or creates the session
// through the Directory, and delegates to the session engine.
type Handler struct {
	mux    *http.ServeMux
	log    *slog.Logger
	dir    session.Directory
	bridge *backend.Bridge
}

// New constructs a Handler routing sessions through dir and passthrough calls
// through bridge.
func New(dir session.Directory, bridge *backend.Bridge, opts ...Option) (*Handler, error) {
	if dir == nil {
		return nil, fmt.Errorf("session directory is required")
	}
	if bridge == nil {
		return nil, fmt.Errorf("backend bridge is required")
	}

	cfg := &newConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	h := &Handler{
		log:    slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		dir:    dir,
		bridge: bridge,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", h.handlePrimary)
	mux.HandleFunc("GET /{$}", h.handleStream)
	mux.HandleFunc("DELETE /{$}", h.handleClose)
	mux.HandleFunc("GET /ping", h.handlePingPassthrough)
	mux.HandleFunc("POST /add", h.handleAddPassthrough)
	h.mux = mux
	return h, nil
}

// ServeHTTP is the outermost request boundary: it attaches request data for
// logging and converts panics into a generic server error so a single bad
// request can never take the process down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	defer func() {
		if rec := recover(); rec != nil {
			h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", rec))
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
		}
	}()

	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// openParams is the handshake payload. It may embed an initial capability
// call to be dispatched on the freshly created session.
type openParams struct {
	Client *clientInfo   `json:"client,omitempty"`
	Call   *embeddedCall `json:"call,omitempty"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type embeddedCall struct {
	Capability string          `json:"capability"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// openResult is the handshake response body.
type openResult struct {
	SessionID    string                  `json:"sessionId"`
	Capabilities []capability.Descriptor `json:"capabilities"`
	Result       *capability.Result      `json:"result,omitempty"`
}

// listResult is the capabilities/list response body.
type listResult struct {
	Capabilities []capability.Descriptor `json:"capabilities"`
}

// handlePrimary handles POST on the primary call path: handshakes,
// continuations, and capability dispatches.
func (h *Handler) handlePrimary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "batch arrays are not supported")
		h.log.WarnContext(ctx, "rpc.batch.forbidden")
		return
	}

	var msg wire.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "rpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	req := msg.AsRequest()
	if req == nil {
		writeJSONError(w, http.StatusBadRequest, "expected a JSON-RPC request")
		h.log.WarnContext(ctx, "rpc.message.unexpected", slog.String("type", msg.Type()))
		return
	}

	ctx = logctx.WithCallData(ctx, &logctx.CallData{Capability: req.Method, RPCID: req.ID.String()})

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		if req.Method != wire.MethodSessionOpen {
			writeJSONError(w, http.StatusBadRequest, ErrMissingSession.Error())
			h.log.InfoContext(ctx, "session.missing")
			return
		}
		h.handleHandshake(ctx, w, req, start)
		return
	}

	eng, err := h.dir.Lookup(ctx, sessID)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.lookup.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.lookup.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: eng.ID(),
		State:     string(eng.State()),
	})

	switch req.Method {
	case wire.MethodSessionOpen:
		// A session is initialized exactly once.
		err := eng.Handshake()
		if err == nil {
			err = fmt.Errorf("%w: unexpected handshake on registered session", session.ErrProtocolViolation)
		}
		h.writeRPCError(ctx, w, req.ID, err)
		h.log.WarnContext(ctx, "session.handshake.redundant")
		return

	case wire.MethodCapabilityList:
		h.writeRPCResult(ctx, w, req.ID, listResult{Capabilities: eng.Describe()})
		h.log.InfoContext(ctx, "capabilities.list.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	res, err := eng.Dispatch(ctx, req.Method, req.Params)
	if err != nil {
		h.writeRPCError(ctx, w, req.ID, err)
		h.log.InfoContext(ctx, "dispatch.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return
	}

	resp, err := wire.NewResultResponse(req.ID, res)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode result")
		h.log.ErrorContext(ctx, "dispatch.encode.fail", slog.String("err", err.Error()))
		return
	}

	// Delivery rule: push onto the open stream when there is one, otherwise
	// answer synchronously.
	if b, err := json.Marshal(resp); err == nil && eng.Publish(b) {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "dispatch.ok.streamed", slog.Duration("dur", time.Since(start)))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "dispatch.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "dispatch.ok", slog.Duration("dur", time.Since(start)))
}

// handleHandshake creates the session, runs the handshake, optionally
// dispatches an embedded initial call, and returns the new identifier.
func (h *Handler) handleHandshake(ctx context.Context, w http.ResponseWriter, req *wire.Request, start time.Time) {
	var params openParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid handshake params")
			h.log.WarnContext(ctx, "session.open.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	eng, err := h.dir.Create(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	if err := eng.Handshake(); err != nil {
		_ = eng.Close()
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.handshake.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: eng.ID(),
		State:     string(eng.State()),
	})

	// The identifier travels in the header so that error bodies below still
	// hand the caller its session.
	w.Header().Set(sessionIDHeader, eng.ID())

	result := openResult{SessionID: eng.ID(), Capabilities: eng.Describe()}
	if params.Call != nil {
		res, err := eng.Dispatch(ctx, params.Call.Capability, params.Call.Arguments)
		if err != nil {
			h.writeRPCError(ctx, w, req.ID, err)
			h.log.InfoContext(ctx, "session.open.call.fail", slog.String("err", err.Error()))
			return
		}
		result.Result = res
	}

	h.writeRPCResult(ctx, w, req.ID, result)
	h.log.InfoContext(ctx, "session.open.ok", slog.Duration("dur", time.Since(start)))
}

// handleStream handles GET on the stream path: it binds the session's single
// outbound channel and serves it as SSE. The session ends when either side
// closes the stream.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "stream.accept.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "stream.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	// On the stream path an absent identifier is indistinguishable from an
	// unknown one: there is no handshake payload that could mint a session.
	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.lookup.miss")
		return
	}

	eng, err := h.dir.Lookup(ctx, sessID)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.lookup.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.lookup.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: eng.ID(),
		State:     string(eng.State()),
	})

	events, err := eng.OpenStream()
	if err != nil {
		switch {
		case errors.Is(err, session.ErrStreamAlreadyOpen):
			writeJSONError(w, http.StatusConflict, err.Error())
			h.log.WarnContext(ctx, "stream.open.conflict")
		case errors.Is(err, session.ErrSessionClosed):
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "stream.open.closed")
		default:
			writeJSONError(w, http.StatusBadRequest, err.Error())
			h.log.WarnContext(ctx, "stream.open.fail", slog.String("err", err.Error()))
		}
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "stream.start")

	// Stream teardown from either side destroys the session; client
	// disconnect and engine close both funnel into the same close path.
	defer func() { _ = eng.Close() }()

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "stream.client.gone", slog.Duration("dur", time.Since(start)))
			return
		case ev, ok := <-events:
			if !ok {
				h.log.InfoContext(ctx, "stream.end", slog.Duration("dur", time.Since(start)))
				return
			}
			if err := writeSSEEvent(wf, ev.ID, ev.Data); err != nil {
				h.log.ErrorContext(ctx, "stream.write.fail", slog.String("err", err.Error()))
				return
			}
			h.log.DebugContext(ctx, "stream.message.deliver")
		}
	}
}

// handleClose handles DELETE on the close path.
func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	// As on the stream path, an absent identifier resolves no session.
	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.lookup.miss")
		return
	}

	eng, err := h.dir.Lookup(ctx, sessID)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.lookup.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.lookup.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: eng.ID(),
		State:     string(eng.State()),
	})

	if err := eng.Close(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to close session")
		h.log.ErrorContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// writeRPCResult encodes a successful JSON-RPC response body.
func (h *Handler) writeRPCResult(ctx context.Context, w http.ResponseWriter, id *wire.RequestID, result any) {
	resp, err := wire.NewResultResponse(id, result)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode result")
		h.log.ErrorContext(ctx, "rpc.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "rpc.write.fail", slog.String("err", err.Error()))
	}
}

// writeRPCError maps a dispatch error onto its HTTP status and JSON-RPC
// error object. Protocol violations land in the client-error class; upstream
// failures carry the wrapped status in the server-error class; anything
// unclassified becomes a logged, generic internal error.
func (h *Handler) writeRPCError(ctx context.Context, w http.ResponseWriter, id *wire.RequestID, err error) {
	status := http.StatusInternalServerError
	code := wire.CodeInternalError
	msg := "internal server error"
	var data any

	var argErr *capability.InvalidArgumentsError
	var upErr *backend.UpstreamError

	switch {
	case errors.Is(err, capability.ErrUnknownCapability):
		status = http.StatusBadRequest
		code = wire.CodeUnknownCapability
		msg = err.Error()
	case errors.As(err, &argErr):
		status = http.StatusBadRequest
		code = wire.CodeInvalidArguments
		msg = "invalid arguments"
		data = map[string]any{"fields": argErr.Fields}
	case errors.As(err, &upErr):
		status = http.StatusBadGateway
		code = wire.CodeUpstreamFailure
		msg = upErr.Message
		data = map[string]any{"status": upErr.Status, "message": upErr.Message}
	case errors.Is(err, session.ErrProtocolViolation):
		status = http.StatusBadRequest
		code = wire.CodeInvalidRequest
		msg = err.Error()
	case errors.Is(err, session.ErrSessionClosed):
		status = http.StatusBadRequest
		code = wire.CodeSessionClosed
		msg = err.Error()
	default:
		h.log.ErrorContext(ctx, "dispatch.internal.fail", slog.String("err", err.Error()))
	}

	resp := wire.NewErrorResponse(id, code, msg, data)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "rpc.write.fail", slog.String("err", err.Error()))
	}
}

// handlePingPassthrough proxies the backend health check without session
// semantics.
func (h *Handler) handlePingPassthrough(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload, err := h.bridge.Ping(ctx)
	if err != nil {
		h.writePassthroughError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// addPassthroughArgs mirrors the add capability contract for the plain REST
// surface.
type addPassthroughArgs struct {
	A *capability.FlexNumber `json:"a"`
	B *capability.FlexNumber `json:"b"`
}

// handleAddPassthrough proxies the backend add operation without session
// semantics.
func (h *Handler) handleAddPassthrough(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var args addPassthroughArgs
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&args); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		h.log.WarnContext(ctx, "passthrough.add.decode.fail", slog.String("err", err.Error()))
		return
	}
	if args.A == nil || args.B == nil {
		writeJSONError(w, http.StatusBadRequest, "fields a and b are required")
		h.log.WarnContext(ctx, "passthrough.add.args.missing")
		return
	}

	payload, err := h.bridge.Add(ctx, args.A.Float64(), args.B.Float64())
	if err != nil {
		h.writePassthroughError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// writePassthroughError renders a passthrough failure as a server-error
// class response with {"error": message}.
func (h *Handler) writePassthroughError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var upErr *backend.UpstreamError
	if errors.As(err, &upErr) {
		status = http.StatusBadGateway
	}
	h.log.WarnContext(ctx, "passthrough.upstream.fail", slog.String("err", err.Error()))
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event id: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
