// Package chatapi exposes rooms, participants, messages, unread counts, bots and
// room invites over bearer-authenticated JSON endpoints.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/invite"
	"huddle/cmd/internal/realtime"
	"huddle/cmd/security/secret"
)

// Deps are the collaborators of the room API. Invites and Keys may be nil,
// which disables the invite routes and bot registration respectively.
type Deps struct {
	Auth       realtime.Authenticator
	Store      chat.Store
	Pipeline   *realtime.Pipeline
	Tracker    *realtime.Tracker
	Registry   *realtime.Registry
	Dispatcher *realtime.Dispatcher
	Invites    *invite.Service
	Keys       *secret.Keyring
}

// Handler serves the room API.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	deps Deps

	now func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, deps Deps) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if deps.Auth == nil || deps.Store == nil || deps.Pipeline == nil || deps.Tracker == nil ||
		deps.Registry == nil || deps.Dispatcher == nil {
		return nil, errors.New("chatapi: missing dependency")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 7 * 24 * time.Hour
	}
	return &Handler{
		log:  log,
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires the room API onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /rooms", h.authed(h.handleCreateRoom))
	mux.HandleFunc("GET /rooms", h.authed(h.handleListRooms))
	mux.HandleFunc("GET /rooms/{room_id}", h.authed(h.handleGetRoom))
	mux.HandleFunc("DELETE /rooms/{room_id}", h.authed(h.handleCloseRoom))
	mux.HandleFunc("POST /rooms/{room_id}/join", h.authed(h.handleJoinRoom))

	mux.HandleFunc("GET /rooms/{room_id}/participants", h.authed(h.handleListParticipants))
	mux.HandleFunc("POST /rooms/{room_id}/participants", h.authed(h.handleAddParticipant))
	mux.HandleFunc("DELETE /rooms/{room_id}/participants/{user_id}", h.authed(h.handleRemoveParticipant))
	mux.HandleFunc("DELETE /rooms/{room_id}/bots/{bot_id}", h.authed(h.handleRemoveBot))

	mux.HandleFunc("GET /rooms/{room_id}/messages", h.authed(h.handleHistory))
	mux.HandleFunc("POST /rooms/{room_id}/messages", h.authed(h.handleSendMessage))
	mux.HandleFunc("GET /rooms/{room_id}/unread", h.authed(h.handleUnreadCount))
	mux.HandleFunc("POST /rooms/{room_id}/read", h.authed(h.handleMarkRead))
	mux.HandleFunc("GET /unread", h.authed(h.handleUnreadSummary))

	mux.HandleFunc("POST /bots", h.authed(h.handleCreateBot))
	mux.HandleFunc("GET /bots/{bot_id}", h.authed(h.handleGetBot))

	if h.deps.Invites != nil {
		mux.HandleFunc("POST /rooms/{room_id}/invites", h.authed(h.handleCreateInvite))
		mux.HandleFunc("GET /rooms/{room_id}/invites", h.authed(h.handleListInvites))
		mux.HandleFunc("DELETE /rooms/{room_id}/invites/{invite_id}", h.authed(h.handleRevokeInvite))
		mux.HandleFunc("POST /invites/{token}/accept", h.authed(h.handleAcceptInvite))
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, caller session.Identity)

func (h *Handler) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		caller, err := h.deps.Auth.Authenticate(r.Context(), token)
		if err != nil {
			if session.IsCredentialError(err) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			h.log.Error("api.authenticate.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
			return
		}
		next(w, r, caller)
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

var (
	errRoomNotFound = chat.OpError{Op: "api", Kind: chat.ErrNotFound, Msg: "room"}
	errNotMember    = chat.OpError{Op: "api", Kind: chat.ErrForbidden, Msg: "not a room participant"}
	errNotAdmin     = chat.OpError{Op: "api", Kind: chat.ErrForbidden, Msg: "room admin required"}
	errPrivateRoom  = chat.OpError{Op: "api", Kind: chat.ErrForbidden, Msg: "room is private; an invite is required"}
)

// membership loads an active room and the caller's participant row.
func (h *Handler) membership(ctx context.Context, roomID, userID string) (chat.Room, chat.Participant, error) {
	room, err := h.deps.Store.GetRoom(ctx, roomID)
	if err != nil {
		return chat.Room{}, chat.Participant{}, err
	}
	if !room.Active {
		return chat.Room{}, chat.Participant{}, errRoomNotFound
	}
	p, err := h.deps.Store.GetParticipant(ctx, roomID, chat.UserAuthor(userID))
	if err != nil {
		if chat.IsNotFound(err) {
			return chat.Room{}, chat.Participant{}, errNotMember
		}
		return chat.Room{}, chat.Participant{}, err
	}
	return room, p, nil
}

func (h *Handler) requireAdmin(ctx context.Context, roomID, userID string) (chat.Room, error) {
	room, p, err := h.membership(ctx, roomID, userID)
	if err != nil {
		return chat.Room{}, err
	}
	if !p.IsAdmin {
		return chat.Room{}, errNotAdmin
	}
	return room, nil
}

// fail maps domain errors to HTTP responses. Unclassified errors are logged.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var chatErr chat.OpError
	switch {
	case errors.As(err, &chatErr) && errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", chatErr.Msg)
	case errors.Is(err, realtime.ErrValidation), chat.IsInvalidInput(err), errors.Is(err, invite.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", publicMessage(err))
	case errors.Is(err, realtime.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
	case errors.Is(err, realtime.ErrForbidden), errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	case chat.IsNotFound(err), errors.Is(err, chat.ErrNotActive):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case chat.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "already exists")
	case errors.Is(err, invite.ErrNotFound), errors.Is(err, invite.ErrNotActive):
		writeError(w, http.StatusBadRequest, "invalid_invite", "invalid or expired invite")
	case errors.Is(err, realtime.ErrPersistence):
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "persistence_failed", "please retry later")
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// publicMessage returns the innermost validation message without internal op prefixes.
func publicMessage(err error) string {
	var chatErr chat.OpError
	if errors.As(err, &chatErr) && chatErr.Msg != "" {
		return chatErr.Msg
	}
	var opErr *realtime.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return opErr.Err.Error()
	}
	return "invalid request"
}
