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
	"sync"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/chat"
	"relay/cmd/internal/presence"
	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Sessions is the slice of the session registry the gateway drives.
type Sessions interface {
	Connect(ctx context.Context, connectionID, userID string) (presence.Record, error)
	Enter(ctx context.Context, connectionID, conversationID string) error
	Leave(ctx context.Context, connectionID string) error
	Touch(ctx context.Context, connectionID string) error
	Disconnect(ctx context.Context, connectionID string) error
}

// GatewayConfig tunes one Gateway. Zero values take the package defaults.
type GatewayConfig struct {
	Origins OriginPolicy

	// InsecureSkipVerify disables the websocket origin check entirely (dev only).
	InsecureSkipVerify bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	CommandTimeout  time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = wsDefaultCommandTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint.
//
// It authenticates the upgrade, enforces origin policy, subprotocol selection,
// rate limits and heartbeats, keeps the session registry in step with the
// connection, and routes validated command envelopes to the chat engine.
type Gateway struct {
	log      *slog.Logger
	cfg      GatewayConfig
	patterns []string

	hub      *Hub
	sessions Sessions
	verifier identity.Verifier
	engine   *chat.Engine

	now func() time.Time
}

// NewGateway wires a Gateway. hub, sessions, verifier and engine are required.
func NewGateway(log *slog.Logger, hub *Hub, sessions Sessions, verifier identity.Verifier, engine *chat.Engine, cfg GatewayConfig) (*Gateway, error) {
	if hub == nil || sessions == nil || verifier == nil || engine == nil {
		return nil, errors.New("realtime: gateway requires hub, sessions, verifier and engine")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Gateway{
		log:      log,
		cfg:      cfg,
		patterns: cfg.Origins.patterns(),
		hub:      hub,
		sessions: sessions,
		verifier: verifier,
		engine:   engine,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades the request, then runs the connection loop
// until the peer goes away.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.cfg.Origins.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := g.verifier.Verify(r.Context(), identity.TokenFromRequest(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnectionID(g.now())
	if err != nil {
		g.log.Error("ws.connection_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := NewClient(connID, principal.UserID, g.cfg.SendQueueSize)
	g.hub.Register(client)

	if _, err := g.sessions.Connect(ctx, connID, principal.UserID); err != nil {
		g.log.Error("ws.session.connect.fail", "connection_id", connID, "user_id", principal.UserID, "err", err)
		g.hub.Unregister(connID)
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	log := g.log.With("connection_id", connID, "user_id", principal.UserID)
	log.Info("ws.connected")

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send: fanout may still hold
	// a reference. The hub entry and session record go first so no new event is
	// addressed to this connection.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(connID)

			dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.CommandTimeout)
			if err := g.sessions.Disconnect(dctx, connID); err != nil {
				log.Warn("ws.session.disconnect.fail", "err", err)
			}
			dcancel()

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.disconnected", "reason", reason)
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.sendEvent(client, v1.EventConnected, v1.ConnectedPayload{ConnectionID: connID, UserID: principal.UserID})

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

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
				g.sendError(client, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(g.now()) {
			g.sendError(client, env.ID, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, env.ID, "bad_envelope", err.Error())
			continue readLoop
		}

		cmdCtx, cmdCancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
		result, err := g.dispatch(cmdCtx, client, env)
		cmdCancel()

		if err != nil {
			code := chat.Code(err)
			if code == "internal" {
				log.Error("ws.command.fail", "type", env.Type, "err", err)
			} else {
				log.Debug("ws.command.reject", "type", env.Type, "code", code, "err", err)
			}
			g.sendError(client, env.ID, code, err.Error())
			continue readLoop
		}
		g.sendAck(client, env.ID, result)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- send helpers ----

func (g *Gateway) sendAck(client *Client, ref string, result any) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			g.sendError(client, ref, "internal", "encode result")
			return
		}
		raw = b
	}
	p, _ := json.Marshal(v1.AckPayload{Result: raw})
	g.enqueueReply(client, v1.TypeAck, ref, p)
}

func (g *Gateway) sendError(client *Client, ref, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	g.enqueueReply(client, v1.TypeError, ref, p)
}

func (g *Gateway) sendEvent(client *Client, event string, payload any) {
	p, err := json.Marshal(payload)
	if err != nil {
		return
	}
	g.enqueueReply(client, event, "", p)
}

func (g *Gateway) enqueueReply(client *Client, typ, ref string, payload json.RawMessage) {
	env, err := newEnvelope(typ, payload, g.now())
	if err != nil {
		g.log.Error("ws.envelope.fail", "err", err)
		return
	}
	env.Ref = ref
	if !client.enqueue(env) {
		g.log.Info("ws.reply.dropped", "connection_id", client.ConnectionID, "type", typ)
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) (v1.Envelope, error) {
	id, err := NewEnvelopeID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}, nil
}

var errBadFrame = errors.New("bad frame")

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
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
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
	switch {
	case errors.Is(err, errBadFrame):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
