package bots

import (
	"context"
	"fmt"
	"strings"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/realtime"
)

// Request is one bot turn: the bot and the unanswered human messages, oldest first.
type Request struct {
	Bot      chat.Bot
	RoomID   string
	Messages []chat.Message
}

// Reply is the provider's answer. An empty Content means the bot has nothing to say.
type Reply struct {
	Content string
}

// Responder is the external AI collaborator.
type Responder interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, req Request) (Reply, error)

func (f ResponderFunc) Respond(ctx context.Context, req Request) (Reply, error) { return f(ctx, req) }

// Router dispatches by Bot.Provider, falling back to Default.
type Router struct {
	Providers map[string]Responder
	Default   Responder
}

func (r Router) Respond(ctx context.Context, req Request) (Reply, error) {
	if p, ok := r.Providers[strings.ToLower(req.Bot.Provider)]; ok {
		return p.Respond(ctx, req)
	}
	if r.Default == nil {
		return Reply{}, fmt.Errorf("%w: no responder for provider %q", realtime.ErrExternalService, req.Bot.Provider)
	}
	return r.Default.Respond(ctx, req)
}

// EchoResponder answers with a digest of what it saw. Used by the "echo" provider in development.
var EchoResponder = ResponderFunc(func(_ context.Context, req Request) (Reply, error) {
	if len(req.Messages) == 0 {
		return Reply{}, nil
	}
	last := req.Messages[len(req.Messages)-1]
	return Reply{Content: fmt.Sprintf("%s heard %d message(s); latest from %s: %q",
		req.Bot.Name, len(req.Messages), last.Author.ID(), last.Content)}, nil
})
