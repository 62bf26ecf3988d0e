package chatapi

import (
	"time"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/invite"
	v1 "huddle/shared/contracts/realtime/v1"
)

type createRoomRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Private     bool    `json:"private"`
}

type addParticipantRequest struct {
	UserID  string `json:"user_id"`
	BotID   string `json:"bot_id"`
	IsAdmin bool   `json:"is_admin"`
}

type sendMessageRequest struct {
	ClientMsgID string `json:"client_msg_id"`
	Content     string `json:"content"`
}

type createBotRequest struct {
	Name         string  `json:"name"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	APIKey       string  `json:"api_key"`
	SystemPrompt *string `json:"system_prompt"`
}

type createInviteRequest struct {
	ExpiresInSeconds int64   `json:"expires_in_seconds"`
	MaxUses          int     `json:"max_uses"`
	Note             *string `json:"note"`
}

type roomResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	Private     bool      `json:"private"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type roomsResponse struct {
	Rooms []roomResponse `json:"rooms"`
}

type participantResponse struct {
	Author     v1.AuthorRef `json:"author"`
	IsAdmin    bool         `json:"is_admin"`
	JoinedAt   time.Time    `json:"joined_at"`
	LastReadAt *time.Time   `json:"last_read_at,omitempty"`
}

type participantsResponse struct {
	RoomID       string                `json:"room_id"`
	Participants []participantResponse `json:"participants"`
}

type historyResponse struct {
	RoomID   string           `json:"room_id"`
	Messages []v1.MessageData `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

type sendMessageResponse struct {
	Message   v1.MessageData `json:"message"`
	Duplicate bool           `json:"duplicate"`
	Delivered int            `json:"delivered"`
}

type unreadResponse struct {
	RoomID      string `json:"room_id"`
	UnreadCount int    `json:"unread_count"`
}

type botResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	SystemPrompt   *string   `json:"system_prompt,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	KeyFingerprint string    `json:"key_fingerprint,omitempty"`
}

type createInviteResponse struct {
	Invite      invite.Invite `json:"invite"`
	InviteToken string        `json:"invite_token"`
}

type invitesResponse struct {
	Invites []invite.Invite `json:"invites"`
}

func toRoomResponse(r chat.Room) roomResponse {
	return roomResponse{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatedBy:   r.CreatedBy,
		Private:     r.Private,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
	}
}

func toParticipantResponse(p chat.Participant) participantResponse {
	out := participantResponse{
		Author:   v1.AuthorRef{Kind: p.Author.Kind(), ID: p.Author.ID()},
		IsAdmin:  p.IsAdmin,
		JoinedAt: p.JoinedAt,
	}
	if !p.Author.IsBot() {
		at := p.LastReadAt
		out.LastReadAt = &at
	}
	return out
}

func toBotResponse(b chat.Bot) botResponse {
	return botResponse{
		ID:           b.ID,
		Name:         b.Name,
		Provider:     b.Provider,
		Model:        b.Model,
		SystemPrompt: b.SystemPrompt,
		Active:       b.Active,
		CreatedAt:    b.CreatedAt,
	}
}
