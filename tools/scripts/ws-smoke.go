// Package main provides a CI-friendly end-to-end smoke test for Huddle.
//
// It validates:
//   - dev session issuance for two users
//   - room creation and participant admission over HTTP
//   - websocket handshake with subprotocol selection
//   - send -> ack, and fan-out to the other participant only
//   - history fetch
//   - idempotent dedupe by client_msg_id
//   - read mark -> read ack
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	token  string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

type sessionResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

type roomResponse struct {
	ID string `json:"id"`
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello huddle 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	httpc := &http.Client{Timeout: *timeout}
	suffix := uuid.NewString()[:8]

	a := &smokeClient{name: "A"}
	b := &smokeClient{name: "B"}
	a.userID, a.token = mustDevSession(httpc, *baseURL, "smoke-a-"+suffix)
	b.userID, b.token = mustDevSession(httpc, *baseURL, "smoke-b-"+suffix)

	roomID := mustCreateRoom(httpc, *baseURL, a.token, "smoke-"+suffix)
	mustAddParticipant(httpc, *baseURL, a.token, roomID, b.userID)

	if *verbose {
		fmt.Printf("room ready: room_id=%s A=%s B=%s\n", roomID, a.userID, b.userID)
	}

	wsURL := roomSocketURL(*baseURL, roomID)
	mustConnect(root, a, wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	mustConnect(root, b, wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	clientMsgID := uuid.NewString()

	sent := mustSendAndAssertAck(root, a, clientMsgID, *text, false, *timeout)
	if sent.RoomID != roomID {
		fatalf("ack room_id mismatch: got=%q want=%q", sent.RoomID, roomID)
	}

	mustAssertMessage(root, b, sent, a.userID, *text, *timeout)
	mustAssertNoType(root, a, v1.TypeMessage, 750*time.Millisecond)

	mustHistoryContains(root, b, roomID, nil, sent, *timeout)
	after := sent.Seq
	mustHistoryEmpty(root, b, roomID, &after, *timeout)

	dup := mustSendAndAssertAck(root, a, clientMsgID, *text, true, *timeout)
	if dup.ID != sent.ID || dup.Seq != sent.Seq {
		fatalf("dedupe: got id=%s seq=%d, first id=%s seq=%d", dup.ID, dup.Seq, sent.ID, sent.Seq)
	}
	mustAssertNoType(root, b, v1.TypeMessage, 1200*time.Millisecond)

	mustReadMark(root, b, roomID, *timeout)

	fmt.Printf("OK: room_id=%s seq=%d message_id=%s\n", roomID, sent.Seq, sent.ID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func roomSocketURL(base, roomID string) string {
	u, _ := url.Parse(strings.TrimRight(base, "/"))
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws/rooms/" + url.PathEscape(roomID)
	return u.String()
}

// ---- HTTP steps ----

func mustDevSession(c *http.Client, base, userID string) (string, string) {
	var out sessionResponse
	mustCall(c, http.MethodPost, base+"/auth/dev/sessions", "", map[string]string{"user_id": userID, "platform": "cli"}, http.StatusCreated, &out)
	if out.AccessToken == "" {
		fatalf("dev session for %s: missing access_token", userID)
	}
	return out.UserID, out.AccessToken
}

func mustCreateRoom(c *http.Client, base, token, name string) string {
	var out roomResponse
	mustCall(c, http.MethodPost, base+"/rooms", token, map[string]string{"name": name}, http.StatusCreated, &out)
	if out.ID == "" {
		fatalf("create room: missing id")
	}
	return out.ID
}

func mustAddParticipant(c *http.Client, base, token, roomID, userID string) {
	mustCall(c, http.MethodPost, base+"/rooms/"+url.PathEscape(roomID)+"/participants", token, map[string]string{"user_id": userID}, http.StatusCreated, nil)
}

func mustCall(c *http.Client, method, target, token string, body any, wantStatus int, out any) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequest(method, target, rdr)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, target, resp.StatusCode, wantStatus, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, target, err)
		}
	}
}

// ---- websocket steps ----

func mustConnect(parent context.Context, c *smokeClient, wsURL, origin string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", c.name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", c.name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c.conn = conn
	c.inbox = make(chan v1.Envelope, 512)
	c.errCh = make(chan error, 1)
	c.startReadLoop()
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// skipBackground ignores room events that can interleave with any step.
var skipBackground = map[string]struct{}{
	v1.TypeSystemMessage: {},
	v1.TypeNotification:  {},
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, clientMsgID, text string, wantDuplicate bool, stepTimeout time.Duration) v1.MessageData {
	mustWrite(parent, c, v1.TypeMessageSend, v1.MessageSendData{ClientMsgID: clientMsgID, Content: text}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skipBackground)

	var p v1.MessageAckData
	mustDecode(c, ack, &p)
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.Duplicate != wantDuplicate {
		fatalf("ack duplicate flag (%s): got=%v want=%v", c.name, p.Duplicate, wantDuplicate)
	}
	if strings.TrimSpace(p.Message.ID) == "" {
		fatalf("ack missing message id (%s)", c.name)
	}
	if p.Message.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Message.Seq)
	}
	return p.Message
}

func mustAssertMessage(parent context.Context, c *smokeClient, want v1.MessageData, authorID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout, skipBackground)

	var p v1.MessageData
	mustDecode(c, env, &p)
	if p.ID != want.ID || p.Seq != want.Seq || p.RoomID != want.RoomID {
		fatalf("message mismatch (%s): got id=%s seq=%d want id=%s seq=%d", c.name, p.ID, p.Seq, want.ID, want.Seq)
	}
	if p.Author.Kind != v1.AuthorUser || p.Author.ID != authorID {
		fatalf("message author mismatch (%s): got=%+v want user %q", c.name, p.Author, authorID)
	}
	if p.Content != text {
		fatalf("message content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if p.CreatedAt.IsZero() {
		fatalf("message created_at missing (%s)", c.name)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, roomID string, afterSeq *int64, want v1.MessageData, stepTimeout time.Duration) {
	p := fetchHistory(parent, c, roomID, afterSeq, stepTimeout)
	for _, m := range p.Messages {
		if m.ID == want.ID && m.Seq == want.Seq && m.Content == want.Content {
			return
		}
	}
	fatalf("history_chunk missing expected message (%s)", c.name)
}

func mustHistoryEmpty(parent context.Context, c *smokeClient, roomID string, afterSeq *int64, stepTimeout time.Duration) {
	p := fetchHistory(parent, c, roomID, afterSeq, stepTimeout)
	if len(p.Messages) != 0 || p.HasMore {
		fatalf("expected empty history chunk (%s), got=%d has_more=%v", c.name, len(p.Messages), p.HasMore)
	}
}

func fetchHistory(parent context.Context, c *smokeClient, roomID string, afterSeq *int64, stepTimeout time.Duration) v1.HistoryChunkData {
	mustWrite(parent, c, v1.TypeHistoryFetch, v1.HistoryFetchData{AfterSeq: afterSeq, Limit: 50}, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skipBackground)

	var p v1.HistoryChunkData
	mustDecode(c, chunk, &p)
	if p.RoomID != roomID {
		fatalf("history_chunk room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	return p
}

func mustReadMark(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeReadMark, v1.ReadMarkData{}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeReadAck, stepTimeout, skipBackground)

	var p v1.ReadAckData
	mustDecode(c, ack, &p)
	if p.RoomID != roomID || p.UnreadCount != 0 {
		fatalf("read_ack mismatch (%s): room=%q unread=%d", c.name, p.RoomID, p.UnreadCount)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				fatalServerError(c, env)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				fatalServerError(c, env)
			}
			if _, skip := skipTypes[env.Type]; skip {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, data any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env, err := v1.New(typ, fmt.Sprintf("%s-%s", c.name, uuid.NewString()), time.Now().UTC(), data)
	if err != nil {
		fatalf("build %s envelope: %v", typ, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, mustJSON(env)); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func mustDecode(c *smokeClient, env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Data, dst); err != nil {
		fatalf("decode %s (%s): %v", env.Type, c.name, err)
	}
}

func fatalServerError(c *smokeClient, env v1.Envelope) {
	var ep v1.ErrorData
	_ = json.Unmarshal(env.Data, &ep)
	fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
