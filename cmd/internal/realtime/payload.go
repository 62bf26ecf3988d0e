package realtime

import (
	"time"

	"huddle/cmd/internal/chat"
	v1 "huddle/shared/contracts/realtime/v1"
)

// MessageData converts a stored message into its wire form.
func MessageData(m chat.Message) v1.MessageData {
	return v1.MessageData{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Seq:       m.Seq,
		Content:   m.Content,
		Author:    v1.AuthorRef{Kind: m.Author.Kind(), ID: m.Author.ID()},
		CreatedAt: m.CreatedAt.UTC(),
		Edited:    m.Edited,
	}
}

// MessagesData converts a history window.
func MessagesData(msgs []chat.Message) []v1.MessageData {
	out := make([]v1.MessageData, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageData(m))
	}
	return out
}

// newEnvelope stamps a fresh envelope id and timestamp.
func newEnvelope(typ string, now time.Time, data any) (v1.Envelope, error) {
	return v1.New(typ, NewEnvelopeID(now), now, data)
}

// ErrorEnvelope builds an error envelope. It cannot fail for string payloads.
func ErrorEnvelope(now time.Time, code, msg string) v1.Envelope {
	env, _ := newEnvelope(v1.TypeError, now, v1.ErrorData{Code: code, Message: msg})
	return env
}

// NotificationEnvelope builds an identity-addressed notification.
func NotificationEnvelope(now time.Time, data v1.NotificationData) v1.Envelope {
	env, _ := newEnvelope(v1.TypeNotification, now, data)
	return env
}
