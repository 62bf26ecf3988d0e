package chatapi

import (
	"net/http"
	"strings"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/realtime"
	v1 "huddle/shared/contracts/realtime/v1"
)

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	var req createRoomRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	room, err := h.deps.Store.CreateRoom(r.Context(), chat.CreateRoomInput{
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   caller.UserID,
		Private:     req.Private,
		Now:         h.now(),
	})
	if err != nil {
		h.fail(w, "api.rooms.create", err)
		return
	}
	h.log.Info("api.rooms.create", "room_id", room.ID, "user_id", caller.UserID)
	writeJSON(w, http.StatusCreated, toRoomResponse(room))
}

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	rooms, err := h.deps.Store.ListRoomsForUser(r.Context(), caller.UserID)
	if err != nil {
		h.fail(w, "api.rooms.list", err)
		return
	}
	out := roomsResponse{Rooms: make([]roomResponse, 0, len(rooms))}
	for _, room := range rooms {
		out.Rooms = append(out.Rooms, toRoomResponse(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	room, _, err := h.membership(r.Context(), r.PathValue("room_id"), caller.UserID)
	if err != nil {
		h.fail(w, "api.rooms.get", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

// handleCloseRoom deactivates the room, tells its live connections why and closes them.
func (h *Handler) handleCloseRoom(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	if _, _, err := h.membership(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.rooms.close", err)
		return
	}
	if err := h.deps.Store.DeactivateRoom(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.rooms.close", err)
		return
	}

	h.deps.Dispatcher.Broadcast(roomID, realtime.NotificationEnvelope(h.now(), v1.NotificationData{
		Kind:   v1.NotificationRoomClosed,
		RoomID: roomID,
		Text:   "room closed",
	}), realtime.Exclude{})
	closed := h.deps.Registry.Evict(h.deps.Registry.ConnectionsInRoom(roomID), v1.CloseRoomClosed, "room closed")

	h.log.Info("api.rooms.close", "room_id", roomID, "user_id", caller.UserID, "closed_connections", closed)
	w.WriteHeader(http.StatusNoContent)
}

// handleJoinRoom adds the caller to a public room as a regular participant.
// Private rooms are only reachable through an invite.
func (h *Handler) handleJoinRoom(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	room, err := h.deps.Store.GetRoom(r.Context(), roomID)
	if err == nil && !room.Active {
		err = errRoomNotFound
	}
	if err == nil && room.Private {
		err = errPrivateRoom
	}
	if err != nil {
		h.fail(w, "api.rooms.join", err)
		return
	}

	p, err := h.deps.Store.AddParticipant(r.Context(), chat.AddParticipantInput{
		RoomID: roomID,
		Author: chat.UserAuthor(caller.UserID),
		Now:    h.now(),
	})
	if err != nil {
		h.fail(w, "api.rooms.join", err)
		return
	}

	h.announce(roomID, caller.UserID+" joined the room")
	h.log.Info("api.rooms.join", "room_id", roomID, "user_id", caller.UserID)
	writeJSON(w, http.StatusCreated, toParticipantResponse(p))
}

func (h *Handler) handleListParticipants(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	if _, _, err := h.membership(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.participants.list", err)
		return
	}
	ps, err := h.deps.Store.ListParticipants(r.Context(), roomID)
	if err != nil {
		h.fail(w, "api.participants.list", err)
		return
	}
	out := participantsResponse{RoomID: roomID, Participants: make([]participantResponse, 0, len(ps))}
	for _, p := range ps {
		out.Participants = append(out.Participants, toParticipantResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAddParticipant(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	var req addParticipantRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	author := chat.Author{UserID: strings.TrimSpace(req.UserID), BotID: strings.TrimSpace(req.BotID)}
	if err := author.Validate(); err != nil {
		h.fail(w, "api.participants.add", err)
		return
	}
	if author.IsBot() && req.IsAdmin {
		writeError(w, http.StatusBadRequest, "invalid_request", "bots cannot be admins")
		return
	}

	if _, err := h.requireAdmin(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.participants.add", err)
		return
	}
	p, err := h.deps.Store.AddParticipant(r.Context(), chat.AddParticipantInput{
		RoomID:  roomID,
		Author:  author,
		IsAdmin: req.IsAdmin,
		Now:     h.now(),
	})
	if err != nil {
		h.fail(w, "api.participants.add", err)
		return
	}

	h.announce(roomID, author.ID()+" joined the room")
	h.log.Info("api.participants.add", "room_id", roomID, "author_kind", author.Kind(), "author_id", author.ID(), "by", caller.UserID)
	writeJSON(w, http.StatusCreated, toParticipantResponse(p))
}

// handleRemoveParticipant lets an admin remove anyone and any member leave.
// The removed identity's sockets in the room receive a notice and are closed.
func (h *Handler) handleRemoveParticipant(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	userID := strings.TrimSpace(r.PathValue("user_id"))

	_, self, err := h.membership(r.Context(), roomID, caller.UserID)
	if err != nil {
		h.fail(w, "api.participants.remove", err)
		return
	}
	leaving := userID == caller.UserID
	if !leaving && !self.IsAdmin {
		h.fail(w, "api.participants.remove", errNotAdmin)
		return
	}
	if err := h.deps.Store.RemoveParticipant(r.Context(), roomID, chat.UserAuthor(userID)); err != nil {
		h.fail(w, "api.participants.remove", err)
		return
	}

	text := userID + " was removed from the room"
	if leaving {
		text = userID + " left the room"
	}
	h.announce(roomID, text)
	h.deps.Dispatcher.NotifyIdentityInRoom(roomID, userID, realtime.NotificationEnvelope(h.now(), v1.NotificationData{
		Kind:   v1.NotificationRemoved,
		RoomID: roomID,
		Text:   text,
	}))
	closed := h.deps.Registry.Evict(h.deps.Registry.ConnectionsForIdentityInRoom(roomID, userID), v1.CloseRemoved, "removed from room")

	h.log.Info("api.participants.remove", "room_id", roomID, "user_id", userID, "by", caller.UserID, "closed_connections", closed)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveBot(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	botID := strings.TrimSpace(r.PathValue("bot_id"))

	if _, err := h.requireAdmin(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.bots.remove", err)
		return
	}
	if err := h.deps.Store.RemoveParticipant(r.Context(), roomID, chat.BotAuthor(botID)); err != nil {
		h.fail(w, "api.bots.remove", err)
		return
	}
	h.announce(roomID, "bot "+botID+" was removed from the room")
	h.log.Info("api.bots.remove", "room_id", roomID, "bot_id", botID, "by", caller.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) announce(roomID, text string) {
	if _, err := h.deps.Pipeline.Announce(roomID, text); err != nil {
		h.log.Warn("api.announce.fail", "err", err, "room_id", roomID)
	}
}
