package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/telemetry"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultOpTimeout    = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Authenticator resolves a bearer credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (session.Identity, error)
}

// RoomLookup loads rooms for the connect-time check.
type RoomLookup interface {
	GetRoom(ctx context.Context, roomID string) (chat.Room, error)
}

// HistoryReader serves history_fetch requests.
type HistoryReader interface {
	FetchHistory(ctx context.Context, in chat.FetchHistoryInput) (chat.FetchHistoryResult, error)
}

// GatewayDeps are the collaborators of a WSGateway. Metrics may be nil.
type GatewayDeps struct {
	Auth     Authenticator
	Rooms    RoomLookup
	Members  Authorizer
	History  HistoryReader
	Registry *Registry
	Pipeline *Pipeline
	Tracker  *Tracker
	Metrics  *telemetry.Metrics
}

// WSGateway is the WebSocket entrypoint for room connections.
//
// A connection is bound to exactly one room for its lifetime. The gateway
// admits it (credential, room, membership), registers it, and then routes
// validated envelopes to the pipeline, the unread tracker and history.
type WSGateway struct {
	log  *slog.Logger
	deps GatewayDeps

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	authTimeout     time.Duration
	opTimeout       time.Duration
	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway from cfg.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, deps GatewayDeps) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:  log,
		deps: deps,

		devInsecure:    cfg.DevInsecure,
		originRequired: cfg.OriginRequired,
		allowedOrigins: cfg.AllowedOrigins,

		// websocket.Accept enforces its own origin policy:
		// - same-host is ok
		// - cross-origin requires OriginPatterns (host patterns)
		// We derive these patterns from allowed origins so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),

		authTimeout:     cfg.AuthTimeout,
		opTimeout:       cfg.OpTimeout,
		writeTimeout:    cfg.WriteTimeout,
		readIdleTimeout: cfg.ReadIdleTimeout,
		sendQueueSize:   cfg.SendQueueSize,

		heartbeatEvery:   cfg.HeartbeatInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,

		rateEvents: cfg.RateEvents,
		rateWindow: cfg.RateWindow,
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler on "GET /ws/rooms/{room_id}".
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.PathValue("room_id"))
	if roomID == "" {
		http.Error(w, "room_id required", http.StatusBadRequest)
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.deps.Metrics.Connect("origin_rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	token := bearerToken(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		g.deps.Metrics.Connect("bad_subprotocol")
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ident, rej := g.admit(r.Context(), roomID, token)
	if rej != nil {
		g.log.Info("ws.reject", "room_id", roomID, "user_id", ident.UserID, "code", rej.code, "reason", rej.reason, "err", rej.err)
		g.deps.Metrics.Connect(rej.outcome)
		_ = conn.Close(websocket.StatusCode(rej.code), rej.reason)
		return
	}

	client := NewClient(roomID, ident.UserID, ident.SessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent and the only place that unregisters the client.
	// It does NOT close the send queue; broadcasters may still hold a snapshot.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.deps.Registry.Unregister(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.closed", "conn_id", client.ID, "room_id", roomID, "user_id", client.UserID, "code", int(code), "reason", reason)
		})
	}

	g.deps.Registry.Register(client)

	// A removal that landed between the membership check and Register would miss this
	// connection; checking again closes that window.
	if ok, err := g.isMember(ctx, roomID, ident.UserID); err != nil || !ok {
		g.deps.Metrics.Connect("forbidden")
		shutdown(websocket.StatusCode(v1.CloseForbidden), "not a participant")
		return
	}
	g.deps.Metrics.Connect("accepted")
	g.log.Info("ws.accepted", "conn_id", client.ID, "room_id", roomID, "user_id", client.UserID, "session_id", client.SessionID)

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Flush what was queued before the kick (e.g. the removal notice), then close with its code.
				g.flush(ctx, conn, client)
				code, reason := client.CloseReason()
				if code == 0 {
					code, reason = int(websocket.StatusNormalClosure), "bye"
				}
				shutdown(websocket.StatusCode(code), reason)
				return
			case env := <-client.Queue():
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	// lastAlive is refreshed by inbound frames and answered pings.
	var lastAlive atomic.Int64
	touch := func() { lastAlive.Store(time.Now().UnixNano()) }
	touch()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err == nil {
					failures = 0
					touch()
				} else {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
				}

				if idle := time.Since(time.Unix(0, lastAlive.Load())); idle > g.readIdleTimeout {
					g.log.Info("ws.idle", "conn_id", client.ID, "idle", idle)
					shutdown(websocket.StatusGoingAway, "idle timeout")
					return
				}
			}
		}
	}()

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, "invalid_request", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}
		touch()

		now := time.Now().UTC()
		switch decision, retry := rl.Check(now); decision {
		case RateDrop:
			g.deps.Metrics.FrameThrottled()
			g.sendError(client, "rate_limited", "too many events, retry in "+retry.Round(time.Millisecond).String())
			continue readLoop
		case RateDisconnect:
			g.deps.Metrics.FrameThrottled()
			g.log.Info("ws.rate_limited", "conn_id", client.ID, "room_id", roomID, "user_id", client.UserID)
			g.sendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "invalid_request", err.Error())
			continue readLoop
		}

		opCtx, opCancel := context.WithTimeout(ctx, g.opTimeout)
		switch env.Type {
		case v1.TypeMessageSend:
			err = g.onMessageSend(opCtx, client, env)
		case v1.TypeReadMark:
			err = g.onReadMark(opCtx, client, env)
		case v1.TypeHistoryFetch:
			err = g.onHistoryFetch(opCtx, client, env)
		default:
			err = opErr("ws.route", ErrValidation, fmt.Errorf("unsupported type: %s", env.Type))
		}
		opCancel()

		if err != nil {
			if errors.Is(err, ErrBackpressure) {
				shutdown(websocket.StatusPolicyViolation, "slow consumer")
				break readLoop
			}
			g.sendError(client, errorCode(err), publicMessage(err))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- admission ----

type rejection struct {
	code    int
	reason  string
	outcome string
	err     error
}

// admit runs the connect-time checks under one deadline. Each failure class closes with its own code.
func (g *WSGateway) admit(parent context.Context, roomID, token string) (session.Identity, *rejection) {
	ctx, cancel := context.WithTimeout(parent, g.authTimeout)
	defer cancel()

	timedOut := func(err error) *rejection {
		return &rejection{code: v1.CloseAuthTimeout, reason: "admission timed out", outcome: "timeout", err: err}
	}

	if token == "" {
		return session.Identity{}, &rejection{code: v1.CloseUnauthenticated, reason: "missing credential", outcome: "unauthenticated"}
	}

	ident, err := g.deps.Auth.Authenticate(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return session.Identity{}, timedOut(err)
		}
		if session.IsCredentialError(err) {
			return session.Identity{}, &rejection{code: v1.CloseUnauthenticated, reason: "invalid credential", outcome: "unauthenticated", err: err}
		}
		return session.Identity{}, &rejection{code: int(websocket.StatusInternalError), reason: "internal error", outcome: "error", err: err}
	}

	room, err := g.deps.Rooms.GetRoom(ctx, roomID)
	switch {
	case err == nil && !room.Active, chat.IsNotFound(err):
		return ident, &rejection{code: v1.CloseRoomNotFound, reason: "room not found", outcome: "room_not_found", err: err}
	case err != nil && ctx.Err() != nil:
		return ident, timedOut(err)
	case err != nil:
		return ident, &rejection{code: int(websocket.StatusInternalError), reason: "internal error", outcome: "error", err: err}
	}

	ok, err := g.deps.Members.IsParticipant(ctx, roomID, chat.UserAuthor(ident.UserID))
	switch {
	case err != nil && ctx.Err() != nil:
		return ident, timedOut(err)
	case err != nil:
		return ident, &rejection{code: int(websocket.StatusInternalError), reason: "internal error", outcome: "error", err: err}
	case !ok:
		return ident, &rejection{code: v1.CloseForbidden, reason: "not a participant", outcome: "forbidden"}
	}

	return ident, nil
}

func (g *WSGateway) isMember(parent context.Context, roomID, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(parent, g.authTimeout)
	defer cancel()
	return g.deps.Members.IsParticipant(ctx, roomID, chat.UserAuthor(userID))
}

// bearerToken reads the credential from the Authorization header, falling back
// to the access_token query parameter for browser clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// ---- handlers ----

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	const op = "ws.message_send"

	var p v1.MessageSendData
	if err := env.DecodeData(&p); err != nil {
		return opErr(op, ErrValidation, err)
	}
	if err := p.Validate(); err != nil {
		return opErr(op, ErrValidation, err)
	}

	res, err := g.deps.Pipeline.Submit(ctx, SubmitInput{
		RoomID:      client.RoomID,
		Author:      chat.UserAuthor(client.UserID),
		Content:     p.Content,
		ClientMsgID: p.ClientMsgID,
		Origin:      client,
	})
	if err != nil {
		return err
	}

	return g.reply(client, v1.TypeMessageAck, v1.MessageAckData{
		ClientMsgID: p.ClientMsgID,
		Message:     MessageData(res.Message),
		Duplicate:   res.Duplicate,
	})
}

func (g *WSGateway) onReadMark(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ReadMarkData
	if err := env.DecodeData(&p); err != nil {
		return opErr("ws.read_mark", ErrValidation, err)
	}

	st, err := g.deps.Tracker.MarkRead(ctx, client.RoomID, client.UserID)
	if err != nil {
		return err
	}
	return g.reply(client, v1.TypeReadAck, v1.ReadAckData{
		RoomID:      st.RoomID,
		LastReadAt:  st.LastReadAt,
		UnreadCount: st.UnreadCount,
	})
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	const op = "ws.history_fetch"

	var p v1.HistoryFetchData
	if err := env.DecodeData(&p); err != nil {
		return opErr(op, ErrValidation, err)
	}
	if p.Limit < 0 || (p.AfterSeq != nil && *p.AfterSeq < 0) {
		return opErr(op, ErrValidation, errors.New("limit and after_seq must not be negative"))
	}

	out, err := g.deps.History.FetchHistory(ctx, chat.FetchHistoryInput{
		RoomID:   client.RoomID,
		AfterSeq: p.AfterSeq,
		Limit:    p.Limit,
	})
	if err != nil {
		return opErr(op, ErrPersistence, err)
	}

	return g.reply(client, v1.TypeHistoryChunk, v1.HistoryChunkData{
		RoomID:   client.RoomID,
		Messages: MessagesData(out.Messages),
		HasMore:  out.HasMore,
	})
}

// ---- send helpers ----

func (g *WSGateway) reply(client *Client, typ string, data any) error {
	env, err := newEnvelope(typ, time.Now().UTC(), data)
	if err != nil {
		return opErr("ws.reply", ErrValidation, err)
	}
	if err := client.Enqueue(env); err != nil {
		return opErr("ws.reply", ErrDelivery, err)
	}
	return nil
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	_ = client.Enqueue(ErrorEnvelope(time.Now().UTC(), code, msg))
}

// publicMessage keeps persistence internals out of client-facing errors.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, ErrPersistence):
		return "temporarily unavailable"
	case errors.Is(err, ErrForbidden):
		return "not a participant of this room"
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}

func (g *WSGateway) flush(ctx context.Context, conn *websocket.Conn, client *Client) {
	for {
		select {
		case env := <-client.Queue():
			if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ---- envelope IO ----

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
