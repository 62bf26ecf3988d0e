// Package chat holds the room messaging domain model and its persistence contract.
package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Limits shared by every store implementation.
const (
	MaxRoomNameChars    = 120
	MaxDescriptionChars = 2000
	MaxContentChars     = 4000

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Author references exactly one of a human identity or a bot.
type Author struct {
	UserID string
	BotID  string
}

// UserAuthor returns an Author for a human identity.
func UserAuthor(userID string) Author { return Author{UserID: userID} }

// BotAuthor returns an Author for a bot.
func BotAuthor(botID string) Author { return Author{BotID: botID} }

// IsBot reports whether the author is a bot.
func (a Author) IsBot() bool { return a.BotID != "" }

// ID returns whichever identifier is set.
func (a Author) ID() string {
	if a.BotID != "" {
		return a.BotID
	}
	return a.UserID
}

// Kind returns "bot" or "user".
func (a Author) Kind() string {
	if a.IsBot() {
		return "bot"
	}
	return "user"
}

// Validate enforces the XOR rule: never both, never neither.
func (a Author) Validate() error {
	u := strings.TrimSpace(a.UserID)
	b := strings.TrimSpace(a.BotID)
	switch {
	case u == "" && b == "":
		return invalid("chat.Author", "author is required")
	case u != "" && b != "":
		return invalid("chat.Author", "author must be a user or a bot, not both")
	}
	return nil
}

// Room is a named conversation space. Rooms are deactivated, never deleted.
type Room struct {
	ID          string
	Name        string
	Description *string
	CreatedBy   string
	// Private rooms are joined only through invites.
	Private     bool
	Active      bool
	CreatedAt   time.Time
}

// Participant binds one author to a room.
// LastReadAt only moves forward and is meaningful for human participants.
type Participant struct {
	RoomID     string
	Author     Author
	IsAdmin    bool
	LastReadAt time.Time
	JoinedAt   time.Time
}

// Message is an append-only room message.
type Message struct {
	ID          string
	RoomID      string
	Seq         int64
	Author      Author
	ClientMsgID string
	Content     string
	CreatedAt   time.Time
	Edited      bool
}

// Bot is an automated participant driven by the bot scheduler.
// SealedSecret is the provider credential sealed at rest; it is never returned by the API.
type Bot struct {
	ID           string
	Name         string
	Provider     string
	Model        string
	SealedSecret []byte
	SystemPrompt *string
	Active       bool
	CreatedAt    time.Time
}

// BotRoom lists the active bots participating in one active room.
type BotRoom struct {
	RoomID string
	BotIDs []string
}

// CreateRoomInput describes a room creation request.
type CreateRoomInput struct {
	Name        string
	Description *string
	CreatedBy   string
	Private     bool
	Now         time.Time
}

// Validate normalizes and checks the input.
func (in *CreateRoomInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.CreatedBy = strings.TrimSpace(in.CreatedBy)
	if in.Name == "" {
		return invalid("chat.CreateRoom", "name is required")
	}
	if utf8.RuneCountInString(in.Name) > MaxRoomNameChars {
		return invalid("chat.CreateRoom", "name too long")
	}
	if in.CreatedBy == "" {
		return invalid("chat.CreateRoom", "creator is required")
	}
	if in.Description != nil {
		d := strings.TrimSpace(*in.Description)
		if utf8.RuneCountInString(d) > MaxDescriptionChars {
			return invalid("chat.CreateRoom", "description too long")
		}
		if d == "" {
			in.Description = nil
		} else {
			in.Description = &d
		}
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return nil
}

// AddParticipantInput describes a membership insert.
type AddParticipantInput struct {
	RoomID  string
	Author  Author
	IsAdmin bool
	Now     time.Time
}

// AppendMessageInput describes a message append request.
// ClientMsgID is optional; when set, appends are idempotent per (room, author, client_msg_id).
// Stores raise Now to the previous message's created_at when it is earlier.
type AppendMessageInput struct {
	RoomID      string
	Author      Author
	ClientMsgID string
	Content     string
	Now         time.Time
}

// Validate normalizes and checks the input.
func (in *AppendMessageInput) Validate() error {
	if strings.TrimSpace(in.RoomID) == "" {
		return invalid("chat.AppendMessage", "room_id is required")
	}
	if err := in.Author.Validate(); err != nil {
		return err
	}
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	if strings.TrimSpace(in.Content) == "" {
		return invalid("chat.AppendMessage", "content is required")
	}
	if utf8.RuneCountInString(in.Content) > MaxContentChars {
		return invalid("chat.AppendMessage", "content too long")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return nil
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Message    Message
	Duplicated bool
}

// FetchHistoryInput describes a history query. Results are ordered by seq ascending,
// which is also created_at order.
type FetchHistoryInput struct {
	RoomID   string
	AfterSeq *int64
	Limit    int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []Message
	HasMore  bool
}

// HumanMessagesInput selects human-authored messages the bot scheduler has not answered yet.
type HumanMessagesInput struct {
	RoomID   string
	AfterSeq int64
	Since    time.Time
	Limit    int
}

// CreateBotInput describes a bot registration.
type CreateBotInput struct {
	Name         string
	Provider     string
	Model        string
	SealedSecret []byte
	SystemPrompt *string
	Now          time.Time
}

// Validate normalizes and checks the input.
func (in *CreateBotInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Provider = strings.TrimSpace(in.Provider)
	in.Model = strings.TrimSpace(in.Model)
	if in.Name == "" || in.Provider == "" || in.Model == "" {
		return invalid("chat.CreateBot", "name, provider and model are required")
	}
	if len(in.SealedSecret) == 0 {
		return invalid("chat.CreateBot", "secret is required")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return nil
}

func clampHistoryLimit(n int) int {
	if n <= 0 {
		return DefaultHistoryLimit
	}
	if n > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return n
}
