package authapi

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const auditDDL = `
CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s.audit_log (
  id         BIGSERIAL PRIMARY KEY,
  user_id    TEXT,
  session_id TEXT,
  action     TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  ip         TEXT,
  user_agent TEXT,
  meta       JSONB
);
CREATE INDEX IF NOT EXISTS audit_log_user_idx ON %[1]s.audit_log (user_id, created_at);
`

func (h *Handler) auditSessionIssued(ctx context.Context, userID, sessionID string, ip net.IP, ua string, dev bool) {
	h.insertAudit(ctx, "auth.session.issue", userID, sessionID, ip, ua, map[string]any{"dev": dev})
}

func (h *Handler) auditLogout(ctx context.Context, userID, sessionID string, ip net.IP, ua string, closed int) {
	h.insertAudit(ctx, "auth.logout", userID, sessionID, ip, ua, map[string]any{"closed_connections": closed})
}

func (h *Handler) auditLogoutAll(ctx context.Context, userID string, ip net.IP, ua string, closed int) {
	h.insertAudit(ctx, "auth.logout_all", userID, "", ip, ua, map[string]any{"closed_connections": closed})
}

// insertAudit always logs the event; it is also stored when a database is configured.
func (h *Handler) insertAudit(ctx context.Context, action, userID, sessionID string, ip net.IP, ua string, meta map[string]any) {
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	var ipVal any
	if ip != nil {
		ipVal = ip.String()
	}
	h.log.Info("auth.audit", "action", action, "user_id", userID, "session_id", sessionID, "ip", ipVal)

	if h.pool == nil {
		return
	}

	var metaVal *string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, err := h.pool.Exec(ctx, `
		INSERT INTO `+pgx.Identifier{h.schema, "audit_log"}.Sanitize()+` (
			user_id, session_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, now(), $4, $5, $6::jsonb)
	`, trimOrNil(userID), trimOrNil(sessionID), action, ipVal, trimOrNil(ua), metaVal)
	if err != nil {
		h.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
