package v1

import (
	"errors"
	"strings"
	"time"
)

// Author kinds used in AuthorRef.
const (
	AuthorUser = "user"
	AuthorBot  = "bot"
)

// Notification kinds.
const (
	NotificationRemoved    = "removed"
	NotificationRoomClosed = "room_closed"
	NotificationUnread     = "unread"
)

// AuthorRef identifies who wrote a message. Exactly one kind per message.
type AuthorRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// MessageData is the payload of TypeMessage and of each history entry.
type MessageData struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Seq       int64     `json:"seq"`
	Content   string    `json:"content"`
	Author    AuthorRef `json:"author_reference"`
	CreatedAt time.Time `json:"created_at"`
	Edited    bool      `json:"edited"`
}

// SystemMessageData is the payload of TypeSystemMessage. It has no author.
type SystemMessageData struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationData is the payload of TypeNotification.
type NotificationData struct {
	Kind        string `json:"kind"`
	RoomID      string `json:"room_id,omitempty"`
	Text        string `json:"text,omitempty"`
	UnreadCount *int   `json:"unread_count,omitempty"`
}

// MessageSendData is sent by a client to submit a message.
type MessageSendData struct {
	ClientMsgID string `json:"client_msg_id"`
	Content     string `json:"content"`
}

// Validate checks the required fields of a send request.
func (d MessageSendData) Validate() error {
	if strings.TrimSpace(d.ClientMsgID) == "" {
		return errors.New("missing field: client_msg_id")
	}
	if strings.TrimSpace(d.Content) == "" {
		return errors.New("missing field: content")
	}
	return nil
}

// MessageAckData acknowledges a send request with the persisted message.
type MessageAckData struct {
	ClientMsgID string      `json:"client_msg_id"`
	Message     MessageData `json:"message"`
	Duplicate   bool        `json:"duplicate,omitempty"`
}

// ReadMarkData is sent by a client to mark the connected room read.
type ReadMarkData struct{}

// ReadAckData confirms a read mark.
type ReadAckData struct {
	RoomID      string    `json:"room_id"`
	LastReadAt  time.Time `json:"last_read_at"`
	UnreadCount int       `json:"unread_count"`
}

// HistoryFetchData requests a window of room history.
type HistoryFetchData struct {
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryChunkData returns messages for a history fetch request.
type HistoryChunkData struct {
	RoomID   string        `json:"room_id"`
	Messages []MessageData `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

// ErrorData is a generic error response payload.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
