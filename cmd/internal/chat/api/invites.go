package chatapi

import (
	"net/http"
	"time"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/invite"
)

func (h *Handler) handleCreateInvite(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	var req createInviteRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if req.ExpiresInSeconds < 0 || req.MaxUses < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "expires_in_seconds and max_uses must not be negative")
		return
	}
	if _, err := h.requireAdmin(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.invites.create", err)
		return
	}

	ttl := h.cfg.InviteTTL
	if req.ExpiresInSeconds > 0 {
		ttl = time.Duration(req.ExpiresInSeconds) * time.Second
	}
	inv, token, err := h.deps.Invites.CreateInvite(r.Context(), invite.CreateInput{
		RoomID:    roomID,
		CreatedBy: caller.UserID,
		TTL:       ttl,
		MaxUses:   req.MaxUses,
		Note:      req.Note,
		Now:       h.now(),
	})
	if err != nil {
		h.fail(w, "api.invites.create", err)
		return
	}
	h.log.Info("api.invites.create", "room_id", roomID, "invite_id", inv.ID, "by", caller.UserID)
	writeJSON(w, http.StatusCreated, createInviteResponse{Invite: inv, InviteToken: token})
}

func (h *Handler) handleListInvites(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	if _, err := h.requireAdmin(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.invites.list", err)
		return
	}
	invs, err := h.deps.Invites.List(r.Context(), roomID)
	if err != nil {
		h.fail(w, "api.invites.list", err)
		return
	}
	if invs == nil {
		invs = []invite.Invite{}
	}
	writeJSON(w, http.StatusOK, invitesResponse{Invites: invs})
}

func (h *Handler) handleRevokeInvite(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	if _, err := h.requireAdmin(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.invites.revoke", err)
		return
	}
	if err := h.deps.Invites.Revoke(r.Context(), roomID, r.PathValue("invite_id"), h.now()); err != nil {
		h.fail(w, "api.invites.revoke", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAcceptInvite joins the caller to the invite's room. A caller who is
// already a member gets 409 and the invite keeps its use.
func (h *Handler) handleAcceptInvite(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	token := r.PathValue("token")
	now := h.now()

	ok, inv, err := h.deps.Invites.ValidateInvite(r.Context(), token, now)
	if err != nil {
		h.fail(w, "api.invites.accept", err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_invite", "invalid or expired invite")
		return
	}

	room, err := h.deps.Store.GetRoom(r.Context(), inv.RoomID)
	if err != nil || !room.Active {
		writeError(w, http.StatusBadRequest, "invalid_invite", "invalid or expired invite")
		return
	}
	if _, err := h.deps.Store.GetParticipant(r.Context(), inv.RoomID, chat.UserAuthor(caller.UserID)); err == nil {
		writeError(w, http.StatusConflict, "conflict", "already a participant")
		return
	} else if !chat.IsNotFound(err) {
		h.fail(w, "api.invites.accept", err)
		return
	}

	if _, err := h.deps.Invites.Redeem(r.Context(), invite.RedeemInput{Token: token, UserID: caller.UserID, Now: now}); err != nil {
		h.fail(w, "api.invites.accept", err)
		return
	}
	p, err := h.deps.Store.AddParticipant(r.Context(), chat.AddParticipantInput{
		RoomID: inv.RoomID,
		Author: chat.UserAuthor(caller.UserID),
		Now:    now,
	})
	if err != nil {
		h.fail(w, "api.invites.accept", err)
		return
	}

	h.announce(inv.RoomID, caller.UserID+" joined the room")
	h.log.Info("api.invites.accept", "room_id", inv.RoomID, "invite_id", inv.ID, "user_id", caller.UserID)
	writeJSON(w, http.StatusCreated, struct {
		Room        roomResponse        `json:"room"`
		Participant participantResponse `json:"participant"`
	}{toRoomResponse(room), toParticipantResponse(p)})
}
