package bots

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/realtime"
	"huddle/cmd/security/secret"
)

func testKeyring(t *testing.T) *secret.Keyring {
	t.Helper()
	hexKey, err := secret.NewRandomKeyHex()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	k, err := secret.KeyringFromHex(hexKey)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return k
}

func sealedBot(t *testing.T, k *secret.Keyring, apiKey string) chat.Bot {
	t.Helper()
	sealed, err := k.Seal([]byte(apiKey))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	prompt := "Be terse."
	return chat.Bot{ID: "bot1", Name: "helper", Provider: "openai", Model: "gpt-test", SealedSecret: sealed, SystemPrompt: &prompt, Active: true}
}

func TestHTTPResponder_Respond(t *testing.T) {
	k := testKeyring(t)

	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("authorization=%q", auth)
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Errorf("missing idempotency key")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  sure thing \n"}}]}`))
	}))
	defer srv.Close()

	r := NewHTTPResponder(srv.URL+"/v1/", k, srv.Client())
	reply, err := r.Respond(context.Background(), Request{
		Bot:    sealedBot(t, k, "sk-test"),
		RoomID: "room1",
		Messages: []chat.Message{
			{Seq: 1, Author: chat.UserAuthor("alice"), Content: "can you help?", CreatedAt: time.Now()},
		},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Content != "sure thing" {
		t.Fatalf("content=%q", reply.Content)
	}
	if got.Model != "gpt-test" || len(got.Messages) != 2 {
		t.Fatalf("request=%+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != "Be terse." {
		t.Fatalf("system message=%+v", got.Messages[0])
	}
	if !strings.Contains(got.Messages[1].Content, "alice: can you help?") {
		t.Fatalf("user message=%q", got.Messages[1].Content)
	}
}

func TestHTTPResponder_Errors(t *testing.T) {
	k := testKeyring(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited/chat/completions":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
		case "/empty/chat/completions":
			_, _ = w.Write([]byte(`{"choices":[]}`))
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	bot := sealedBot(t, k, "sk-test")
	req := Request{Bot: bot, Messages: []chat.Message{{Author: chat.UserAuthor("a"), Content: "x"}}}

	for _, path := range []string{"/limited", "/empty", "/garbage"} {
		_, err := NewHTTPResponder(srv.URL+path, k, srv.Client()).Respond(context.Background(), req)
		if !errors.Is(err, realtime.ErrExternalService) {
			t.Fatalf("%s: err=%v, want ErrExternalService", path, err)
		}
	}

	// Sealed under a different key.
	_, err := NewHTTPResponder(srv.URL, testKeyring(t), srv.Client()).Respond(context.Background(), req)
	if !errors.Is(err, secret.ErrOpen) {
		t.Fatalf("err=%v, want ErrOpen", err)
	}
}

func TestRouter(t *testing.T) {
	r := Router{Providers: map[string]Responder{"echo": EchoResponder}}

	reply, err := r.Respond(context.Background(), Request{
		Bot:      chat.Bot{Name: "Echo", Provider: "ECHO"},
		Messages: []chat.Message{{Author: chat.UserAuthor("alice"), Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !strings.Contains(reply.Content, `"hi"`) {
		t.Fatalf("reply=%q", reply.Content)
	}

	if _, err := r.Respond(context.Background(), Request{Bot: chat.Bot{Provider: "nope"}}); !errors.Is(err, realtime.ErrExternalService) {
		t.Fatalf("err=%v", err)
	}
}
