package bots

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"huddle/cmd/internal/realtime"
	"huddle/cmd/security/secret"

	"github.com/google/uuid"
)

const (
	defaultSystemPrompt = "You are a helpful participant in a group chat. Reply briefly to the recent messages."
	maxProviderBody     = 1 << 20
)

// HTTPResponder calls an OpenAI-compatible chat completions endpoint.
// The bot's provider credential is unsealed per call and never logged.
type HTTPResponder struct {
	baseURL string
	keys    *secret.Keyring
	client  *http.Client
}

// NewHTTPResponder constructs a responder. client may be nil.
func NewHTTPResponder(baseURL string, keys *secret.Keyring, client *http.Client) *HTTPResponder {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPResponder{
		baseURL: strings.TrimRight(baseURL, "/"),
		keys:    keys,
		client:  client,
	}
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *HTTPResponder) Respond(ctx context.Context, req Request) (Reply, error) {
	if r.keys == nil {
		return Reply{}, fmt.Errorf("%w: %w", realtime.ErrExternalService, secret.ErrKeyMissing)
	}
	apiKey, err := r.keys.Open(req.Bot.SealedSecret)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: unseal bot secret: %w", realtime.ErrExternalService, err)
	}

	body, err := json.Marshal(completionRequest{
		Model:    req.Bot.Model,
		Messages: buildPrompt(req),
	})
	if err != nil {
		return Reply{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", realtime.ErrExternalService, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+string(apiKey))
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", realtime.ErrExternalService, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: read body: %w", realtime.ErrExternalService, err)
	}

	var out completionResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return Reply{}, fmt.Errorf("%w: provider status %d: %s", realtime.ErrExternalService, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return Reply{}, fmt.Errorf("%w: decode: %w", realtime.ErrExternalService, decodeErr)
	}
	if len(out.Choices) == 0 {
		return Reply{}, fmt.Errorf("%w: %w", realtime.ErrExternalService, errEmptyChoices)
	}
	return Reply{Content: strings.TrimSpace(out.Choices[0].Message.Content)}, nil
}

var errEmptyChoices = errors.New("provider returned no choices")

func buildPrompt(req Request) []completionMessage {
	system := defaultSystemPrompt
	if req.Bot.SystemPrompt != nil && strings.TrimSpace(*req.Bot.SystemPrompt) != "" {
		system = *req.Bot.SystemPrompt
	}

	var b strings.Builder
	b.WriteString("Recent messages in the room:\n")
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.UTC().Format(time.RFC3339), m.Author.ID(), m.Content)
	}

	return []completionMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}
