package chatapi

import (
	"net/http"
	"strconv"
	"strings"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/realtime"
	v1 "huddle/shared/contracts/realtime/v1"
)

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	q := r.URL.Query()

	in := chat.FetchHistoryInput{RoomID: roomID}
	if v := strings.TrimSpace(q.Get("after_seq")); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "after_seq must be a non-negative integer")
			return
		}
		in.AfterSeq = &seq
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		in.Limit = n
	}

	if _, _, err := h.membership(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.messages.history", err)
		return
	}
	res, err := h.deps.Store.FetchHistory(r.Context(), in)
	if err != nil {
		h.fail(w, "api.messages.history", err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		RoomID:   roomID,
		Messages: realtime.MessagesData(res.Messages),
		HasMore:  res.HasMore,
	})
}

// handleSendMessage submits through the same pipeline as socket sends, so every
// live connection of the room receives it, the sender's included.
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	res, err := h.deps.Pipeline.Submit(r.Context(), realtime.SubmitInput{
		RoomID:      roomID,
		Author:      chat.UserAuthor(caller.UserID),
		Content:     req.Content,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		h.fail(w, "api.messages.send", err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, sendMessageResponse{
		Message:   realtime.MessageData(res.Message),
		Duplicate: res.Duplicate,
		Delivered: res.Delivery.Delivered,
	})
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	if _, _, err := h.membership(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.unread.count", err)
		return
	}
	n, err := h.deps.Tracker.UnreadCount(r.Context(), roomID, caller.UserID)
	if err != nil {
		h.fail(w, "api.unread.count", err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{RoomID: roomID, UnreadCount: n})
}

// handleMarkRead also pushes the new count to the caller's other connections.
func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	roomID := r.PathValue("room_id")
	if _, _, err := h.membership(r.Context(), roomID, caller.UserID); err != nil {
		h.fail(w, "api.unread.mark", err)
		return
	}
	st, err := h.deps.Tracker.MarkRead(r.Context(), roomID, caller.UserID)
	if err != nil {
		h.fail(w, "api.unread.mark", err)
		return
	}

	n := st.UnreadCount
	h.deps.Dispatcher.NotifyIdentity(caller.UserID, realtime.NotificationEnvelope(h.now(), v1.NotificationData{
		Kind:        v1.NotificationUnread,
		RoomID:      roomID,
		UnreadCount: &n,
	}))
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleUnreadSummary(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	sum, err := h.deps.Tracker.UnreadSummary(r.Context(), caller.UserID)
	if err != nil {
		h.fail(w, "api.unread.summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
