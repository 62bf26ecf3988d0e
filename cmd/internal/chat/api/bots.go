package chatapi

import (
	"net/http"
	"strings"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
)

// handleCreateBot registers a bot. The provider key is sealed before it is stored
// and only its keyed fingerprint is ever returned.
func (h *Handler) handleCreateBot(w http.ResponseWriter, r *http.Request, caller session.Identity) {
	if h.deps.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "bots_disabled", "bot registration is not configured")
		return
	}
	var req createBotRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "api_key is required")
		return
	}

	sealed, err := h.deps.Keys.Seal([]byte(apiKey))
	if err != nil {
		h.fail(w, "api.bots.seal", err)
		return
	}
	bot, err := h.deps.Store.CreateBot(r.Context(), chat.CreateBotInput{
		Name:         req.Name,
		Provider:     strings.ToLower(req.Provider),
		Model:        req.Model,
		SealedSecret: sealed,
		SystemPrompt: req.SystemPrompt,
		Now:          h.now(),
	})
	if err != nil {
		h.fail(w, "api.bots.create", err)
		return
	}

	out := toBotResponse(bot)
	out.KeyFingerprint = h.deps.Keys.Fingerprint([]byte(apiKey))
	h.log.Info("api.bots.create", "bot_id", bot.ID, "provider", bot.Provider, "by", caller.UserID)
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) handleGetBot(w http.ResponseWriter, r *http.Request, _ session.Identity) {
	bot, err := h.deps.Store.GetBot(r.Context(), r.PathValue("bot_id"))
	if err != nil {
		h.fail(w, "api.bots.get", err)
		return
	}
	writeJSON(w, http.StatusOK, toBotResponse(bot))
}
