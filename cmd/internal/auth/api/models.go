package authapi

import (
	"time"

	"huddle/cmd/internal/auth/session"
)

type devSessionRequest struct {
	UserID   string `json:"user_id"`
	Platform string `json:"platform"`
}

type sessionResponse struct {
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

type meResponse struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type logoutResponse struct {
	ClosedConnections int `json:"closed_connections"`
}

func toSessionResponse(issued session.Issued) sessionResponse {
	return sessionResponse{
		SessionID:        issued.SessionID,
		UserID:           issued.UserID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExp,
		SessionExpiresAt: issued.SessionExp,
	}
}
