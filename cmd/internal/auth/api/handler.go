// Package authapi exposes the session endpoints of the Huddle HTTP API.
package authapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/realtime"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectionEvictor closes live connections of a signed-out identity.
type ConnectionEvictor interface {
	ConnectionsForIdentity(userID string) []*realtime.Client
	Evict(clients []*realtime.Client, code int, reason string) int
}

// Handler wires HTTP auth endpoints to the session service.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Service
	conns    ConnectionEvictor

	pool   *pgxpool.Pool
	schema string
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithConnections lets logout close the caller's live sockets.
func WithConnections(conns ConnectionEvictor) HandlerOption {
	return func(h *Handler) {
		if h == nil || conns == nil {
			return
		}
		h.conns = conns
	}
}

// WithAuditPool stores audit events in <schema>.audit_log.
func WithAuditPool(pool *pgxpool.Pool, schema string) HandlerOption {
	return func(h *Handler) {
		if h == nil || pool == nil {
			return
		}
		h.pool = pool
		if s := strings.TrimSpace(schema); s != "" {
			h.schema = s
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Service, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if sessions == nil {
		return nil, errors.New("auth: nil session service")
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		schema:   "huddle",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// MigrateAudit creates the audit table. It is a no-op without an audit pool.
func (h *Handler) MigrateAudit(ctx context.Context) error {
	if h == nil || h.pool == nil {
		return nil
	}
	ddl := fmt.Sprintf(auditDDL, pgx.Identifier{h.schema}.Sanitize())
	if _, err := h.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("auth: migrate audit: %w", err)
	}
	return nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	if h.cfg.DevIssue {
		mux.HandleFunc("POST /auth/dev/sessions", h.handleDevSession)
	}
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
	mux.HandleFunc("POST /auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("GET /me", h.handleMe)
}

// ---- handlers ----

func (h *Handler) handleDevSession(w http.ResponseWriter, r *http.Request) {
	var req devSessionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" || len(userID) > 128 {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	issued, err := h.sessions.IssueSession(ctx, now, userID, session.DeviceContext{
		Platform:  normalizePlatform(req.Platform),
		UserAgent: ua,
		IP:        ip,
	})
	if err != nil {
		h.log.Error("auth.dev_session.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditSessionIssued(ctx, issued.UserID, issued.SessionID, ip, ua, true)
	writeJSON(w, http.StatusCreated, toSessionResponse(issued))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	if err := h.sessions.RevokeSession(ctx, now, id.SessionID); err != nil {
		h.log.Error("auth.logout.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	closed := h.evict(id.UserID, func(c *realtime.Client) bool { return c.SessionID == id.SessionID })
	h.auditLogout(ctx, id.UserID, id.SessionID, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()), closed)
	writeJSON(w, http.StatusOK, logoutResponse{ClosedConnections: closed})
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	if err := h.sessions.RevokeAll(ctx, now, id.UserID); err != nil {
		h.log.Error("auth.logout_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	closed := h.evict(id.UserID, func(*realtime.Client) bool { return true })
	h.auditLogoutAll(ctx, id.UserID, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()), closed)
	writeJSON(w, http.StatusOK, logoutResponse{ClosedConnections: closed})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if err := h.sessions.TouchSession(r.Context(), time.Now().UTC(), id.SessionID); err != nil {
		h.log.Warn("auth.me.touch.fail", "err", err, "session_id", id.SessionID)
	}
	writeJSON(w, http.StatusOK, meResponse{UserID: id.UserID, SessionID: id.SessionID})
}

// ---- helpers ----

// evict closes the identity's sockets selected by match with the unauthenticated close code.
func (h *Handler) evict(userID string, match func(*realtime.Client) bool) int {
	if h.conns == nil {
		return 0
	}
	var targets []*realtime.Client
	for _, c := range h.conns.ConnectionsForIdentity(userID) {
		if match(c) {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return 0
	}
	return h.conns.Evict(targets, v1.CloseUnauthenticated, "session revoked")
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.Identity{}, false
	}
	id, err := h.sessions.Authenticate(r.Context(), token)
	if err != nil {
		if session.IsCredentialError(err) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return session.Identity{}, false
		}
		h.log.Error("auth.authenticate.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return session.Identity{}, false
	}
	return id, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func normalizePlatform(p string) session.Platform {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "web":
		return session.PlatformWeb
	case "ios":
		return session.PlatformIOS
	case "android":
		return session.PlatformAndroid
	case "desktop":
		return session.PlatformDesktop
	case "cli":
		return session.PlatformCLI
	default:
		return session.PlatformUnknown
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for _, p := range parts {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
