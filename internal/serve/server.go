// Package serve exposes a running dispatcher over HTTP: a JSON API for
// submitting tasks and reading state, an SSE stream of bus events, and a
// WebSocket feed with topic subscriptions.
//
// Every response carries the envelope fields success, timestamp, and
// request_id. Dispatcher errors are reported with the robot package's
// error codes so HTTP clients and the CLI share one vocabulary.
package serve

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Dicklesworthstone/hive/internal/dispatch"
	"github.com/Dicklesworthstone/hive/internal/events"
	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/queue"
	"github.com/Dicklesworthstone/hive/internal/robot"
	"github.com/Dicklesworthstone/hive/internal/session"
	"github.com/Dicklesworthstone/hive/internal/status"
)

// ========================================================================
// Auth
// ========================================================================

// AuthMode selects how API requests are authenticated.
type AuthMode string

const (
	// AuthModeLocal trusts the loopback interface and applies no
	// authentication. The server refuses non-loopback binds in this mode.
	AuthModeLocal AuthMode = "local"
	// AuthModeAPIKey requires a shared key on every request, passed in
	// the X-API-Key header or as a bearer token.
	AuthModeAPIKey AuthMode = "api_key"
)

// ParseAuthMode normalizes a raw auth mode string. Empty means local.
func ParseAuthMode(raw string) (AuthMode, error) {
	mode := AuthMode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case "", AuthModeLocal:
		return AuthModeLocal, nil
	case AuthModeAPIKey:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (valid: local, api_key)", raw)
	}
}

// AuthConfig holds the server's authentication settings.
type AuthConfig struct {
	Mode   AuthMode
	APIKey string
}

// ========================================================================
// Config
// ========================================================================

const (
	defaultHost = "127.0.0.1"
	defaultPort = 7620
)

// Config wires a Server to the rest of the system. Dispatcher, Reporter,
// Log, and Bus may each be nil; the endpoints that need them answer 503.
type Config struct {
	Host string
	Port int

	Dispatcher *dispatch.Dispatcher
	Reporter   *status.Reporter
	Log        *msglog.Log
	Bus        *events.Bus

	Auth           AuthConfig
	AllowedOrigins []string
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthModeLocal
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = defaultLocalOrigins()
	}
}

func defaultLocalOrigins() []string {
	return []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
		"http://[::1]",
		"https://[::1]",
	}
}

// ValidateConfig rejects configurations that cannot serve safely.
func ValidateConfig(cfg Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.Auth.Mode == AuthModeAPIKey && cfg.Auth.APIKey == "" {
		return fmt.Errorf("auth mode api_key requires an api key")
	}
	if (cfg.Auth.Mode == AuthModeLocal || cfg.Auth.Mode == "") && !isLoopbackHost(cfg.Host) {
		return fmt.Errorf("refusing to bind %s without authentication (set auth mode api_key)", cfg.Host)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(host)
	if h == "" || strings.EqualFold(h, "localhost") {
		return true
	}
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = strings.TrimPrefix(strings.TrimSuffix(h, "]"), "[")
	}
	if strings.Contains(h, ":") {
		if hostOnly, _, err := net.SplitHostPort(h); err == nil {
			h = hostOnly
		}
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// ========================================================================
// Response envelope
// ========================================================================

// APIResponse is the base envelope every endpoint returns.
type APIResponse struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

// APIError is the envelope for failed requests.
type APIError struct {
	APIResponse
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// HTTP-surface error codes. Errors that originate in the dispatcher are
// mapped through robot.CodeFor instead so both surfaces agree.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
)

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding http response", "error", err)
	}
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message, hint, requestID string) {
	writeJSON(w, statusCode, APIError{
		APIResponse: APIResponse{
			Success:   false,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			RequestID: requestID,
		},
		Error:     message,
		ErrorCode: code,
		Hint:      hint,
	})
}

func writeSuccessResponse(w http.ResponseWriter, statusCode int, data map[string]any, requestID string) {
	if data == nil {
		data = make(map[string]any)
	}
	data["success"] = true
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if requestID != "" {
		data["request_id"] = requestID
	}
	writeJSON(w, statusCode, data)
}

// writeDispatchError maps a dispatcher error onto an HTTP status and the
// robot error vocabulary.
func writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	code := robot.CodeFor(err)
	writeErrorResponse(w, httpStatusFor(err), code, err.Error(), robot.HintFor(code), requestIDFromContext(r.Context()))
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrUnknownIdentity):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrHalted), errors.Is(err, queue.ErrClosed), errors.Is(err, msglog.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ========================================================================
// Request IDs
// ========================================================================

const requestIDHeader = "X-Request-Id"

type ctxKey string

const requestIDKey ctxKey = "request_id"

func generateRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// sanitizeRequestID strips anything a caller-supplied id could use to
// break log lines or headers.
func sanitizeRequestID(id string) string {
	if len(id) > 64 {
		id = id[:64]
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' {
			return r
		}
		return -1
	}, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ========================================================================
// Server
// ========================================================================

// Server exposes the dispatcher over HTTP.
type Server struct {
	host    string
	port    int
	auth    AuthConfig
	origins []string

	dispatcher *dispatch.Dispatcher
	reporter   *status.Reporter
	log        *msglog.Log
	bus        *events.Bus

	router chi.Router
	server *http.Server

	sseClients   map[chan events.Event]struct{}
	sseClientsMu sync.RWMutex

	wsHub *WSHub
}

// New builds a Server from cfg. Defaults are applied here; validation
// happens when Start binds the listener.
func New(cfg Config) *Server {
	applyDefaults(&cfg)
	s := &Server{
		host:       cfg.Host,
		port:       cfg.Port,
		auth:       cfg.Auth,
		origins:    cfg.AllowedOrigins,
		dispatcher: cfg.Dispatcher,
		reporter:   cfg.Reporter,
		log:        cfg.Log,
		bus:        cfg.Bus,
		sseClients: make(map[chan events.Event]struct{}),
		wsHub:      NewWSHub(),
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the host:port the server binds.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(s.requestIDMiddleware)
	r.Use(s.recovererMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.authMiddleware)

	// Health check (unversioned)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmit)
		r.Get("/status", s.handleStatus)
		r.Get("/log", s.handleLog)
		r.Get("/events", s.handleEventStream)
		r.Get("/ws", s.handleWebSocket)
		r.Post("/stop", s.handleStop)
		r.Post("/spawn", s.handleSpawn)
	})

	return r
}

// busBridgeBuffer sizes the server's own bus subscription. SSE and
// WebSocket clients have their own buffers behind it.
const busBridgeBuffer = 256

// Start runs the server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mode, err := ParseAuthMode(string(s.auth.Mode))
	if err != nil {
		return err
	}
	s.auth.Mode = mode
	if err := ValidateConfig(Config{Host: s.host, Port: s.port, Auth: s.auth}); err != nil {
		return err
	}

	go s.wsHub.Run()
	defer s.wsHub.Stop()

	if s.bus != nil {
		ch, cancel := s.bus.Subscribe(busBridgeBuffer)
		defer cancel()
		go s.bridgeEvents(ch)
	}

	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived SSE streams at /api/v1/events
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("http server listening", "addr", s.server.Addr, "auth", s.auth.Mode)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// bridgeEvents forwards bus events to SSE clients and the WebSocket hub
// until the subscription channel closes.
func (s *Server) bridgeEvents(ch <-chan events.Event) {
	for ev := range ch {
		s.broadcastEvent(ev)
		s.wsHub.Publish(topicFor(ev), string(ev.Type), ev)
	}
}

// topicFor buckets an event for WebSocket subscribers. Identity-scoped
// events land on their identity's topic, the rest on the global one.
func topicFor(ev events.Event) string {
	if ev.Identity != "" && ev.Identity != session.SystemIdentity {
		return "identities:" + ev.Identity
	}
	return "global:events"
}

// ========================================================================
// Middleware
// ========================================================================

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recovererMiddleware turns handler panics into JSON 500s instead of
// dropped connections.
func (s *Server) recovererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				reqID := requestIDFromContext(r.Context())
				slog.Error("panic in http handler",
					"panic", rec, "request_id", reqID, "stack", string(debug.Stack()))
				writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error", "", reqID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", requestIDFromContext(r.Context()))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !originAllowed(origin, s.origins) {
				reqID := requestIDFromContext(r.Context())
				writeErrorResponse(w, http.StatusForbidden, ErrCodeForbidden, "origin not allowed", "", reqID)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, "+requestIDHeader)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth.Mode == AuthModeLocal || s.auth.Mode == "" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if err := s.authenticate(r); err != nil {
			reqID := requestIDFromContext(r.Context())
			slog.Warn("auth failed",
				"path", r.URL.Path, "remote", r.RemoteAddr, "request_id", reqID, "error", err)
			writeErrorResponse(w, http.StatusUnauthorized, ErrCodeUnauthorized, "unauthorized",
				robot.HintFor(robot.ErrCodeUnauthorized), reqID)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) error {
	if s.auth.APIKey == "" {
		return errors.New("api key not configured")
	}
	key := extractAPIKey(r)
	if key == "" {
		return errors.New("missing api key")
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.auth.APIKey)) != 1 {
		return errors.New("invalid api key")
	}
	return nil
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return extractBearerToken(r)
}

func extractBearerToken(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func originAllowed(origin string, allowlist []string) bool {
	if origin == "" {
		return true
	}
	if len(allowlist) == 0 {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range allowlist {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" {
			return true
		}
		if strings.Contains(allowed, "://") {
			au, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if strings.EqualFold(au.Scheme, u.Scheme) && strings.EqualFold(au.Hostname(), host) {
				if au.Port() == "" || au.Port() == u.Port() {
					return true
				}
			}
			continue
		}
		if strings.Contains(allowed, ":") {
			if strings.EqualFold(allowed, u.Host) {
				return true
			}
			continue
		}
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

// ========================================================================
// Handlers
// ========================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "healthy",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// maxSubmitBody bounds a task submission. Payloads are opaque text lines,
// not bulk uploads.
const maxSubmitBody = 1 << 20

type submitRequest struct {
	Target  string `json:"target"`
	Payload string `json:"payload"`
	Source  string `json:"source,omitempty"`
}

// handleSubmit accepts a task for asynchronous delivery. 202 means
// queued and durably recorded on dispatch, not yet delivered.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if s.dispatcher == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "dispatcher not available", "", reqID)
		return
	}

	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, maxSubmitBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body: "+err.Error(), "", reqID)
		return
	}
	if req.Target == "" {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest, "target is required", "", reqID)
		return
	}

	source := req.Source
	if source == "" {
		source = session.SystemIdentity
	}
	taskID, err := s.dispatcher.SubmitFrom(source, req.Target, req.Payload)
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}

	writeSuccessResponse(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"target":  req.Target,
		"source":  source,
	}, reqID)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if s.reporter == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "status reporter not available", "", reqID)
		return
	}

	snap, err := s.reporter.Snapshot()
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}

	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"status": snap,
	}, reqID)
}

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// errEnoughMessages stops a log replay once the page is full.
var errEnoughMessages = errors.New("enough messages")

// handleLog pages through the message log. Query parameters: from (return
// records with seq > from), limit, and target (filter to one identity).
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if s.log == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "message log not available", "", reqID)
		return
	}

	q := r.URL.Query()
	after := uint64(0)
	if raw := q.Get("from"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid from: "+raw, "", reqID)
			return
		}
		after = n
	}
	limit := defaultLogLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid limit: "+raw, "", reqID)
			return
		}
		limit = n
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	target := q.Get("target")

	messages := []msglog.Message{}
	err := s.log.ReadFrom(after, func(m msglog.Message) error {
		if target != "" && m.Target != target {
			return nil
		}
		messages = append(messages, m)
		if len(messages) >= limit {
			return errEnoughMessages
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnoughMessages) {
		writeDispatchError(w, r, err)
		return
	}

	lastSeq := after
	if n := len(messages); n > 0 {
		lastSeq = messages[n-1].Seq
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"messages": messages,
		"count":    len(messages),
		"last_seq": lastSeq,
	}, reqID)
}

type stopRequest struct {
	Drain bool `json:"drain"`
}

// handleStop asks the dispatcher to stop. With drain=true the backlog is
// delivered first. The response is written before the stop completes so
// the caller is not cut off mid-reply.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if s.dispatcher == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "dispatcher not available", "", reqID)
		return
	}

	var req stopRequest
	if r.Body != nil {
		// An empty body means a plain stop.
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req)
	}

	d := s.dispatcher
	go func() {
		var err error
		if req.Drain {
			err = d.Drain(context.Background())
		} else {
			err = d.StopAll()
		}
		if err != nil {
			slog.Warn("stop requested over http failed", "drain", req.Drain, "error", err)
		}
	}()

	writeSuccessResponse(w, http.StatusAccepted, map[string]any{
		"stopping": true,
		"drain":    req.Drain,
	}, reqID)
}

type spawnRequest struct {
	Identities []string `json:"identities"`
}

// handleSpawn registers any unknown identities and prestarts their
// sessions, up to the concurrency bound.
func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if s.dispatcher == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "dispatcher not available", "", reqID)
		return
	}

	var req spawnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body: "+err.Error(), "", reqID)
		return
	}
	if len(req.Identities) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest, "identities is required", "", reqID)
		return
	}

	for _, identity := range req.Identities {
		if s.dispatcher.Registered(identity) {
			continue
		}
		if err := s.dispatcher.Register(identity); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, robot.ErrCodeInvalidIdentity, err.Error(),
				robot.HintFor(robot.ErrCodeInvalidIdentity), reqID)
			return
		}
	}
	if err := s.dispatcher.Prestart(req.Identities...); err != nil {
		writeDispatchError(w, r, err)
		return
	}

	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"identities": req.Identities,
		"count":      len(req.Identities),
	}, reqID)
}

// ========================================================================
// SSE
// ========================================================================

// sseClientBuffer sizes one SSE client's event channel. A client that
// falls this far behind starts losing events; the log remains complete.
const sseClientBuffer = 64

// handleEventStream streams bus events as SSE until the client leaves.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if s.bus == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "event bus not available", "", reqID)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported", "", reqID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	clientCh := make(chan events.Event, sseClientBuffer)
	s.addSSEClient(clientCh)
	defer s.removeSSEClient(clientCh)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"time\":\"%s\"}\n\n",
		time.Now().UTC().Format(time.RFC3339))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-clientCh:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) addSSEClient(ch chan events.Event) {
	s.sseClientsMu.Lock()
	defer s.sseClientsMu.Unlock()
	s.sseClients[ch] = struct{}{}
}

func (s *Server) removeSSEClient(ch chan events.Event) {
	s.sseClientsMu.Lock()
	defer s.sseClientsMu.Unlock()
	delete(s.sseClients, ch)
	close(ch)
}

// broadcastEvent fans one event out to every SSE client without blocking.
func (s *Server) broadcastEvent(ev events.Event) {
	s.sseClientsMu.RLock()
	defer s.sseClientsMu.RUnlock()
	for ch := range s.sseClients {
		select {
		case ch <- ev:
		default:
			// Client buffer full, skip
		}
	}
}
