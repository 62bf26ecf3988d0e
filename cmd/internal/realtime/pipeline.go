package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/telemetry"
	v1 "huddle/shared/contracts/realtime/v1"
)

// Authorizer answers room membership questions.
type Authorizer interface {
	IsParticipant(ctx context.Context, roomID string, author chat.Author) (bool, error)
}

// MessageAppender is the persistence side of the pipeline.
type MessageAppender interface {
	AppendMessage(ctx context.Context, in chat.AppendMessageInput) (chat.AppendMessageResult, error)
}

// SubmitInput is one message submission.
// Origin is the submitting connection for socket submissions and nil otherwise.
type SubmitInput struct {
	RoomID      string
	Author      chat.Author
	Content     string
	ClientMsgID string
	Origin      *Client
}

// SubmitResult is the persisted message plus what the fan-out did.
type SubmitResult struct {
	Message   chat.Message
	Duplicate bool
	Delivery  BroadcastResult
}

// Pipeline validates, authorizes, persists and then broadcasts messages.
// A message is never broadcast before its persistence succeeded.
type Pipeline struct {
	log     *slog.Logger
	store   MessageAppender
	authz   Authorizer
	disp    *Dispatcher
	metrics *telemetry.Metrics

	now func() time.Time
}

// NewPipeline wires a pipeline. metrics may be nil.
func NewPipeline(log *slog.Logger, store MessageAppender, authz Authorizer, disp *Dispatcher, metrics *telemetry.Metrics) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:     log,
		store:   store,
		authz:   authz,
		disp:    disp,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit runs one message through the pipeline.
//
// Socket submissions skip every connection of the author's identity in the room;
// the sender learns the result through the ack. Other submissions reach everyone.
func (p *Pipeline) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	const op = "pipeline.Submit"

	if err := validateSubmit(in); err != nil {
		p.metrics.PipelineFailure("validation")
		return SubmitResult{}, opErr(op, ErrValidation, err)
	}

	ok, err := p.authz.IsParticipant(ctx, in.RoomID, in.Author)
	if err != nil {
		p.metrics.PipelineFailure("persistence")
		p.log.Error("pipeline.authorize.fail", "err", err, "room_id", in.RoomID, "author_id", in.Author.ID())
		return SubmitResult{}, opErr(op, ErrPersistence, err)
	}
	if !ok {
		p.metrics.PipelineFailure("forbidden")
		return SubmitResult{}, opErr(op, ErrForbidden, nil)
	}

	now := p.now()
	res, err := p.store.AppendMessage(ctx, chat.AppendMessageInput{
		RoomID:      in.RoomID,
		Author:      in.Author,
		ClientMsgID: in.ClientMsgID,
		Content:     in.Content,
		Now:         now,
	})
	if err != nil {
		kind := classifyStoreErr(err)
		p.metrics.PipelineFailure(failureLabel(kind))
		if errors.Is(kind, ErrPersistence) {
			p.log.Error("pipeline.persist.fail", "err", err, "room_id", in.RoomID, "author_id", in.Author.ID())
		}
		return SubmitResult{}, opErr(op, kind, err)
	}

	out := SubmitResult{Message: res.Message, Duplicate: res.Duplicated}
	if res.Duplicated {
		return out, nil
	}
	p.metrics.MessagePersisted(submitOrigin(in))

	env, err := newEnvelope(v1.TypeMessage, now, MessageData(res.Message))
	if err != nil {
		// Persisted but not broadcast; peers catch up through history.
		p.log.Error("pipeline.envelope.fail", "err", err, "room_id", in.RoomID, "message_id", res.Message.ID)
		return out, nil
	}

	var ex Exclude
	if in.Origin != nil {
		ex = Exclude{Conn: in.Origin, UserID: in.Author.UserID}
	}
	out.Delivery = p.disp.Broadcast(in.RoomID, env, ex)
	return out, nil
}

// Announce broadcasts an authorless system message to the room. It is not persisted.
func (p *Pipeline) Announce(roomID, content string) (BroadcastResult, error) {
	now := p.now()
	env, err := newEnvelope(v1.TypeSystemMessage, now, v1.SystemMessageData{
		ID:        NewEnvelopeID(now),
		RoomID:    roomID,
		Content:   content,
		CreatedAt: now,
	})
	if err != nil {
		return BroadcastResult{}, opErr("pipeline.Announce", ErrValidation, err)
	}
	return p.disp.Broadcast(roomID, env, Exclude{}), nil
}

func validateSubmit(in SubmitInput) error {
	if strings.TrimSpace(in.RoomID) == "" {
		return errors.New("room_id is required")
	}
	if err := in.Author.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(in.Content) == "" {
		return errors.New("content is required")
	}
	if utf8.RuneCountInString(in.Content) > maxMessageChars {
		return errors.New("content too long")
	}
	if in.Origin != nil && in.Origin.UserID != in.Author.UserID {
		return errors.New("origin does not match author")
	}
	return nil
}

func classifyStoreErr(err error) error {
	switch {
	case chat.IsInvalidInput(err):
		return ErrValidation
	case chat.IsNotFound(err), errors.Is(err, chat.ErrNotActive), errors.Is(err, chat.ErrForbidden):
		return ErrForbidden
	default:
		return ErrPersistence
	}
}

func failureLabel(kind error) string {
	switch {
	case errors.Is(kind, ErrValidation):
		return "validation"
	case errors.Is(kind, ErrForbidden):
		return "forbidden"
	default:
		return "persistence"
	}
}

func submitOrigin(in SubmitInput) string {
	switch {
	case in.Origin != nil:
		return "socket"
	case in.Author.IsBot():
		return "bot"
	default:
		return "http"
	}
}
