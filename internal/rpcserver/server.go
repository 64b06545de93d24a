package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/plyght/valet/internal/apperror"
	"github.com/plyght/valet/internal/audit"
	"github.com/plyght/valet/internal/config"
	"github.com/plyght/valet/internal/ratelimit"
	"github.com/plyght/valet/internal/telemetry"
	"github.com/plyght/valet/internal/tool"
)

// Server is the HTTP entrypoint: admission chain, JSON-RPC method router,
// discovery/health endpoints, and audit emission, built once at startup
// and shared by every request the way the teacher's gateway.Server is.
type Server struct {
	cfg     *config.Config
	tools   *tool.Registry
	limiter *ratelimit.Limiter

	httpServer *http.Server
	mux        *http.ServeMux
}

// New constructs a Server. Call BuildMux or Start once cfg has passed
// Config.Validate.
func New(cfg *config.Config, tools *tool.Registry, limiter *ratelimit.Limiter) *Server {
	return &Server{cfg: cfg, tools: tools, limiter: limiter}
}

// BuildMux registers every route and caches the mux, matching the
// teacher's BuildMux/Start split (internal/gateway/server.go) so tests
// can obtain the mux without binding a listener.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	base := s.cfg.Server.BasePath

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET "+base, s.handleBasePathGet)
	mux.HandleFunc("GET "+base+"/{token}", s.handleDiscovery)
	mux.HandleFunc("POST "+base+"/{token}", s.handleRPC)
	mux.HandleFunc("OPTIONS "+base+"/{token}", s.handlePreflight)

	s.mux = mux
	return mux
}

// Start binds a listener at cfg.Server.BindAddr:Port and serves until ctx
// is cancelled, then shuts down gracefully — mirrors the teacher's
// gateway.Server.Start.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindAddr, s.cfg.Server.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("rpcserver starting", "addr", addr, "base_path", s.cfg.Server.BasePath)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("rpcserver: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !originAllowed(r, s.cfg.Auth.AllowedOrigins) {
		writeErrorBody(w, apperror.OriginDenied())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

// handleBasePathGet answers GET {base_path} (no token segment) with a 400
// directing the caller to the token-bearing URL, per §6.
func (s *Server) handleBasePathGet(w http.ResponseWriter, r *http.Request) {
	msg := fmt.Sprintf("include the bearer token as a URL path segment: %s/<token>", s.cfg.Server.BasePath)
	resp := errorResponse(nil, rpcCodeAdmissionDenied, msg, apperror.Unauthorized().AsBody())
	writeJSON(w, http.StatusBadRequest, resp)
}

// handleDiscovery answers GET {base_path}/{token}: an SSE "connected"
// frame for clients that probe with Accept: text/event-stream, or a
// canned initialize-like JSON payload otherwise (§4.8).
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	admission, ae := admit(r, s.cfg, s.limiter, r.PathValue("token"))
	setCORSHeaders(w, admission.Origin, s.cfg.Auth.AllowedOrigins)
	if ae != nil {
		s.finishNonStream(w, r.Context(), audit.NewRequestID(), admission, "", time.Now(), nil, ae)
		return
	}

	reqID := audit.NewRequestID()
	start := time.Now()

	if acceptsEventStream(r) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		frame, _ := json.Marshal(map[string]any{"method": "connected", "params": map[string]any{}})
		n, _ := fmt.Fprintf(w, "data: %s\n\n", frame)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		audit.Emit(r.Context(), audit.Record{
			RequestID: reqID, Origin: admission.Origin, TokenPresent: admission.TokenPresent,
			Decision: audit.DecisionAllow, Code: "OK", DurationMS: time.Since(start).Milliseconds(),
			BytesOut: int64(n),
		})
		return
	}

	payload, _ := json.Marshal(initializeResult())
	writeRaw(w, http.StatusOK, "application/json", payload)
	audit.Emit(r.Context(), audit.Record{
		RequestID: reqID, Origin: admission.Origin, TokenPresent: admission.TokenPresent,
		Decision: audit.DecisionAllow, Code: "OK", DurationMS: time.Since(start).Milliseconds(),
		BytesOut: int64(len(payload)),
	})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w, r.Header.Get("Origin"), s.cfg.Auth.AllowedOrigins)
	w.WriteHeader(http.StatusNoContent)
}

// handleRPC answers POST {base_path}/{token}: the full admission chain,
// JSON-RPC decode, method dispatch, and response — streaming ndjson when
// the caller asked for it and the resolved tool supports it.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := audit.NewRequestID()

	// Read and parse the envelope before deciding admission so that an
	// admission failure can still echo the caller's id (§8 S2) — parsing
	// the body does not consult anything admission itself depends on.
	maxBody := int64(s.cfg.Limits.MaxRequestKB) * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	body, readErr := io.ReadAll(r.Body)

	var req rpcRequest
	var parseErr error
	if readErr == nil {
		parseErr = json.Unmarshal(body, &req)
	}

	admission, ae := admit(r, s.cfg, s.limiter, r.PathValue("token"))
	setCORSHeaders(w, admission.Origin, s.cfg.Auth.AllowedOrigins)

	if readErr != nil {
		// The transport-layer hard cap is absolute regardless of
		// admission outcome (§4.2 point 3).
		s.finishNonStream(w, r.Context(), reqID, admission, "", start, nil, apperror.RequestTooLarge())
		return
	}
	if ae != nil {
		s.finishNonStream(w, r.Context(), reqID, admission, "", start, req.ID, ae)
		return
	}
	if parseErr != nil {
		s.finishNonStream(w, r.Context(), reqID, admission, "", start, nil, apperror.ToolError("malformed JSON-RPC request body"))
		return
	}

	toolName, args, wantsStream := streamRequested(req)
	ctx, span := telemetry.StartRequestSpan(r.Context(), req.Method, toolName)
	defer span.End()

	if wantsStream {
		s.handleToolStream(ctx, w, req, toolName, args, reqID, admission, start)
		return
	}

	resp, dispatchedTool, auditExtra, dispatchErr := s.dispatch(ctx, req)
	payload, _ := json.Marshal(resp)

	status := http.StatusOK
	decision := audit.DecisionAllow
	code := "OK"
	if dispatchErr != nil {
		status = dispatchErr.Status()
		decision = audit.DecisionError
		code = string(dispatchErr.Code)
	}

	writeRaw(w, status, "application/json", payload)
	rec := audit.Record{
		RequestID: reqID, Origin: admission.Origin, TokenPresent: admission.TokenPresent,
		Tool: dispatchedTool, Decision: decision, Code: code,
		DurationMS: time.Since(start).Milliseconds(), BytesOut: int64(len(payload)),
	}
	applyExecAuditFields(&rec, auditExtra)
	audit.Emit(ctx, rec)
}

// finishNonStream writes a JSON-RPC error response for a request that
// never reached a tool (admission failure, a malformed envelope, or a
// streaming call naming an unknown tool) and emits the matching audit
// record.
func (s *Server) finishNonStream(w http.ResponseWriter, ctx context.Context, reqID string, admission admissionResult, toolName string, start time.Time, id json.RawMessage, ae *apperror.AppError) {
	resp := errorResponse(id, rpcCodeAdmissionDenied, ae.Error(), ae.AsBody())
	payload, _ := json.Marshal(resp)
	writeRaw(w, ae.Status(), "application/json", payload)
	audit.Emit(ctx, audit.Record{
		RequestID: reqID, Origin: admission.Origin, TokenPresent: admission.TokenPresent,
		Tool: toolName, Decision: audit.DecisionDeny, Code: string(ae.Code),
		DurationMS: time.Since(start).Milliseconds(), BytesOut: int64(len(payload)),
	})
}

// applyExecAuditFields copies the exec-specific audit fields from extra
// (when present) onto rec, matching §3's AuditRecord contract for exec
// tool calls.
func applyExecAuditFields(rec *audit.Record, extra *tool.ExecAuditFields) {
	if extra == nil {
		return
	}
	rec.StdoutLen = &extra.StdoutLen
	rec.StderrLen = &extra.StderrLen
	rec.ExitCode = &extra.ExitCode
	rec.Truncated = &extra.Truncated
	rec.TimedOut = &extra.TimedOut
}

func acceptsEventStream(r *http.Request) bool {
	return r.Header.Get("Accept") == "text/event-stream"
}

func setCORSHeaders(w http.ResponseWriter, origin string, allowed []string) {
	for _, a := range allowed {
		if origin == a {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			break
		}
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Expose-Headers", "mcp-session-id, www-authenticate")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, _ := json.Marshal(v)
	writeRaw(w, status, "application/json", payload)
}

func writeRaw(w http.ResponseWriter, status int, contentType string, payload []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeErrorBody(w http.ResponseWriter, ae *apperror.AppError) {
	body := ae.AsBody()
	payload, _ := json.Marshal(body)
	writeRaw(w, ae.Status(), "application/json", payload)
}
