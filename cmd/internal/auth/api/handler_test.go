package authapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/realtime"
	v1 "huddle/shared/contracts/realtime/v1"

	paseto "aidanwoods.dev/go-paseto"
)

type authFixture struct {
	srv      *httptest.Server
	sessions *session.Service
	reg      *realtime.Registry
}

func newAuthFixture(t *testing.T, cfg Config) *authFixture {
	t.Helper()

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	sessions := session.NewService(scfg, session.NewInMemoryStore(), tokens)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := realtime.NewRegistry(log, nil)
	h, err := NewHandler(log, cfg, sessions, WithConnections(reg))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &authFixture{srv: srv, sessions: sessions, reg: reg}
}

func (f *authFixture) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (f *authFixture) devSession(t *testing.T, userID string) sessionResponse {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/auth/dev/sessions", "", devSessionRequest{UserID: userID, Platform: "cli"})
	if status != http.StatusCreated {
		t.Fatalf("dev session status=%d body=%s", status, body)
	}
	var out sessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestDevSession_DisabledByDefault(t *testing.T) {
	f := newAuthFixture(t, Config{MaxBodyBytes: 1 << 10})
	status, _ := f.do(t, http.MethodPost, "/auth/dev/sessions", "", devSessionRequest{UserID: "alice"})
	if status != http.StatusNotFound && status != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want route missing", status)
	}
}

func TestDevSession_IssueAndMe(t *testing.T) {
	f := newAuthFixture(t, Config{DevIssue: true, MaxBodyBytes: 1 << 10})

	s := f.devSession(t, "alice")
	if s.AccessToken == "" || s.SessionID == "" || s.UserID != "alice" {
		t.Fatalf("session=%+v", s)
	}

	status, body := f.do(t, http.MethodGet, "/me", s.AccessToken, nil)
	if status != http.StatusOK {
		t.Fatalf("me status=%d body=%s", status, body)
	}
	var me meResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.UserID != "alice" || me.SessionID != s.SessionID {
		t.Fatalf("me=%+v", me)
	}
}

func TestDevSession_RejectsBadBodies(t *testing.T) {
	f := newAuthFixture(t, Config{DevIssue: true, MaxBodyBytes: 1 << 10})

	if status, _ := f.do(t, http.MethodPost, "/auth/dev/sessions", "", map[string]string{"user_id": " "}); status != http.StatusBadRequest {
		t.Fatalf("blank user status=%d", status)
	}
	if status, _ := f.do(t, http.MethodPost, "/auth/dev/sessions", "", map[string]string{"user_id": "a", "role": "admin"}); status != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d", status)
	}
}

func TestMe_RequiresValidBearer(t *testing.T) {
	f := newAuthFixture(t, Config{DevIssue: true, MaxBodyBytes: 1 << 10})

	if status, _ := f.do(t, http.MethodGet, "/me", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/me", "not-a-token", nil); status != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d", status)
	}
}

func TestLogout_RevokesSessionAndClosesItsSockets(t *testing.T) {
	f := newAuthFixture(t, Config{DevIssue: true, MaxBodyBytes: 1 << 10})

	phone := f.devSession(t, "alice")
	laptop := f.devSession(t, "alice")

	onPhone := realtime.NewClient("room1", "alice", phone.SessionID, 4)
	onLaptop := realtime.NewClient("room1", "alice", laptop.SessionID, 4)
	f.reg.Register(onPhone)
	f.reg.Register(onLaptop)

	status, body := f.do(t, http.MethodPost, "/auth/logout", phone.AccessToken, nil)
	if status != http.StatusOK {
		t.Fatalf("logout status=%d body=%s", status, body)
	}
	var out logoutResponse
	_ = json.Unmarshal(body, &out)
	if out.ClosedConnections != 1 {
		t.Fatalf("closed=%d want 1", out.ClosedConnections)
	}

	select {
	case <-onPhone.Done():
	default:
		t.Fatalf("phone connection not closed")
	}
	if code, _ := onPhone.CloseReason(); code != v1.CloseUnauthenticated {
		t.Fatalf("close code=%d", code)
	}
	select {
	case <-onLaptop.Done():
		t.Fatalf("laptop connection closed by single-session logout")
	default:
	}

	if status, _ := f.do(t, http.MethodGet, "/me", phone.AccessToken, nil); status != http.StatusUnauthorized {
		t.Fatalf("revoked token status=%d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/me", laptop.AccessToken, nil); status != http.StatusOK {
		t.Fatalf("other session status=%d", status)
	}
}

func TestLogoutAll_ClosesEverySocket(t *testing.T) {
	f := newAuthFixture(t, Config{DevIssue: true, MaxBodyBytes: 1 << 10})

	a := f.devSession(t, "alice")
	b := f.devSession(t, "alice")
	f.reg.Register(realtime.NewClient("room1", "alice", a.SessionID, 4))
	f.reg.Register(realtime.NewClient("room2", "alice", b.SessionID, 4))
	f.reg.Register(realtime.NewClient("room1", "bob", "other", 4))

	status, body := f.do(t, http.MethodPost, "/auth/logout_all", a.AccessToken, nil)
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, body)
	}
	if got := f.reg.ConnectionsForIdentity("alice"); len(got) != 0 {
		t.Fatalf("alice still has %d connections", len(got))
	}
	if got := f.reg.ConnectionsForIdentity("bob"); len(got) != 1 {
		t.Fatalf("bob lost connections")
	}
	if status, _ := f.do(t, http.MethodGet, "/me", b.AccessToken, nil); status != http.StatusUnauthorized {
		t.Fatalf("second session still valid: %d", status)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(r, false); got.String() != "10.0.0.1" {
		t.Fatalf("untrusted ip=%v", got)
	}
	if got := clientIP(r, true); got.String() != "203.0.113.9" {
		t.Fatalf("trusted ip=%v", got)
	}
}
