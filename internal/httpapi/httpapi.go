// Package httpapi is the HTTP ingress adapter spec.md §2 lists as
// component 7/out-of-scope HTTP server primitives: it owns request
// admission (security headers, rate limiting, routing, slug/body
// validation, request capture) before handing a validated request to
// the dispatch engine, and serves the handful of fixed routes spec §6
// names (login, status page, status API, control channel, slug
// brokering).
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaybrk/relaybrk/internal/authshim"
	"github.com/relaybrk/relaybrk/internal/config"
	"github.com/relaybrk/relaybrk/internal/dispatch"
	"github.com/relaybrk/relaybrk/internal/observability"
	"github.com/relaybrk/relaybrk/internal/ratelimit"
	"github.com/relaybrk/relaybrk/internal/session"
	"github.com/relaybrk/relaybrk/internal/validate"
	"github.com/relaybrk/relaybrk/internal/wire"
)

// upgrader negotiates the control-channel handshake (spec §6 "standard
// upgrade handshake"). Origin checking is left permissive — the control
// channel is opened by remote handlers, not browsers, so there is no
// same-origin assumption to enforce.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wires the admission pipeline (rate limit, validation, body
// capture) to the dispatch engine and serves the broker's fixed routes.
type Server struct {
	cfg       *config.Config
	engine    *dispatch.Engine
	gate      *ratelimit.Gate
	whitelist *config.Whitelist
	authShim  *authshim.Shim
	sink      *observability.Sink
	hub       *observability.Hub
	startedAt time.Time
}

// New builds a Server. whitelist may be nil — a nil whitelist admits
// every syntactically valid slug.
func New(cfg *config.Config, engine *dispatch.Engine, gate *ratelimit.Gate, whitelist *config.Whitelist, authShim *authshim.Shim, sink *observability.Sink, hub *observability.Hub, startedAt time.Time) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		gate:      gate,
		whitelist: whitelist,
		authShim:  authShim,
		sink:      sink,
		hub:       hub,
		startedAt: startedAt,
	}
}

// Routes builds the top-level mux (spec §6 HTTP surface table).
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", s.handleLogin)
	mux.HandleFunc("/status", s.handleStatusPage)
	mux.Handle("/api/status", s.apiStatusHandler())
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleSlug)

	return s.withSecurityHeaders(mux)
}

// setSecurityHeaders writes the fixed header set spec §6 requires on
// "every broker HTTP reply" into h, plus CORS headers when enabled. It
// is the single source of truth for that set, shared between
// withSecurityHeaders (the normal HTTP reply path) and handleWebSocket
// (whose gorilla/websocket upgrade writes its own 101 response and
// never touches w.Header(), so the headers have to ride in as the
// upgrader's responseHeader argument instead).
func (s *Server) setSecurityHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

	if s.cfg.CORS.Enabled {
		h.Set("Access-Control-Allow-Origin", s.cfg.AllowedOriginsHeader())
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	}
}

// withSecurityHeaders applies setSecurityHeaders to every reply.
func (s *Server) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setSecurityHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}

// handleLogin is POST /auth/login: {password} -> {token, expiresIn}.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	token, err := s.authShim.Login(body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(authshim.TokenLifetime.Seconds()),
	})
}

// handleStatusPage is GET /status: serves the dashboard document
// unconditionally (spec §6 — no auth gate on the page itself, only on
// the API it calls).
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(statusPageHTML))
}

// apiStatusHandler wraps handleAPIStatus behind the admin auth
// middleware when the configuration requires it.
func (s *Server) apiStatusHandler() http.Handler {
	h := http.HandlerFunc(s.handleAPIStatus)
	if s.cfg.Auth.RequireAuth {
		return s.authShim.RequireBearer(h)
	}
	return h
}

// handleAPIStatus is GET /api/status (spec §6).
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	stats := s.sink.StatsSnapshot(s.engine.PendingCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"serverStartTime": s.startedAt,
		"activeClients":   s.engine.ActiveSlugs(),
		"pendingRequests": stats.Pending,
		"stats":           stats,
	})
}

// handleWebSocket upgrades to the control channel and drives the
// resulting session until it closes (spec §4.4, §6).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)
	if !s.gate.AllowConnection(addr, time.Now()) {
		writeError(w, http.StatusTooManyRequests, "too many control-channel connections from this address")
		s.sink.Log(observability.SeveritySecurity, "control-channel open refused: rate limit", time.Now())
		return
	}

	// withSecurityHeaders already set these on w.Header(), but the
	// upgrader builds its own 101 response and ignores it entirely —
	// they have to be passed explicitly here to reach the client.
	responseHeader := make(http.Header)
	s.setSecurityHeaders(responseHeader)

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := session.New(conn, s.engine, s.hub)
	sess.Run()
}

// handleSlug brokers any other path to the handler bound to its slug
// (spec §4.1 admission steps (a)-(g), §6 "/{slug}" route).
func (s *Server) handleSlug(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)
	now := time.Now()

	if !s.gate.AllowHTTP(addr, now) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		s.sink.Log(observability.SeveritySecurity, "HTTP admission refused: rate limit", now)
		return
	}

	slug := strings.TrimPrefix(r.URL.Path, "/")
	if err := validate.Slug(slug); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.whitelist != nil && !s.whitelist.Allows(slug) {
		writeError(w, http.StatusForbidden, "slug is not on the whitelist")
		return
	}

	if validate.ContainsInjection(r.Method) || validate.ContainsInjection(r.URL.String()) {
		writeError(w, http.StatusBadRequest, "request method or target contains a disallowed pattern")
		return
	}

	captured, err := s.captureRequest(r)
	if err != nil {
		if err == validate.ErrBodyTooLarge {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds maximum size")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	outcome := s.engine.Submit(slug, captured)
	for name, value := range outcome.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(outcome.StatusCode)
	_, _ = w.Write([]byte(outcome.Body))
}

// captureRequest reads and sanitises the inbound request per spec §4.6:
// streaming size enforcement (reject during accumulation) and header
// filtering. The method/target injection check runs earlier, in
// handleSlug.
func (s *Server) captureRequest(r *http.Request) (wire.CapturedRequest, error) {
	limiter := validate.NewBodyLimiter(s.cfg.Validation.MaxRequestBytes)

	var body strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.Body.Read(buf)
		if n > 0 {
			if err := limiter.Add(int64(n)); err != nil {
				return wire.CapturedRequest{}, err
			}
			body.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return wire.CapturedRequest{}, readErr
		}
	}

	filtered := validate.Headers(r.Header)
	flat := make(map[string]string, len(filtered))
	for name, values := range filtered {
		flat[name] = strings.Join(values, ", ")
	}

	return wire.CapturedRequest{
		Method:  r.Method,
		URL:     r.URL.String(),
		Headers: flat,
		Body:    body.String(),
	}, nil
}

func clientAddr(r *http.Request) string {
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding JSON response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`))
}

const statusPageHTML = `<!DOCTYPE html>
<html>
<head><title>relaybrk</title></head>
<body>
<h1>relaybrk</h1>
<p>Reverse request broker status.</p>
<div id="stats">loading...</div>
<script>
fetch('/api/status').then(r => r.json()).then(data => {
  document.getElementById('stats').textContent = JSON.stringify(data, null, 2);
});
</script>
</body>
</html>
`
