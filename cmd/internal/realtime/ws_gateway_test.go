package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/chat"
	"relay/cmd/internal/fanout"
	"relay/cmd/internal/presence"
	"relay/cmd/internal/profile"
	"relay/cmd/internal/reaction"
	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type gatewayHarness struct {
	srv *httptest.Server
	jwt *identity.JWTVerifier
	reg *presence.Registry
	hub *Hub
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()

	log := quietLog()
	dir := profile.NewStaticDirectory(
		profile.Profile{UserID: "amy", Username: "amy", FirstName: "Amy", LastName: "Adams"},
		profile.Profile{UserID: "ben", Username: "ben", FirstName: "Ben", LastName: "Brown"},
		profile.Profile{UserID: "cal", Username: "cal", FirstName: "Cal", LastName: "Cole"},
	)
	profiles := profile.NewResolver(dir, log)
	reg := presence.NewRegistry(presence.NewMemoryStore(), log)
	hub := NewHub(log)

	eng, err := chat.New(chat.Deps{
		Store:     chat.NewMemoryStore(),
		Sessions:  reg,
		Profiles:  profiles,
		Reactions: reaction.NewAggregator(reaction.NewMemoryStore(), profiles),
		Fanout:    fanout.New(reg, hub, log),
		Log:       log,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	jwt, err := identity.NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	gw, err := NewGateway(log, hub, reg, jwt, eng, GatewayConfig{})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &gatewayHarness{srv: srv, jwt: jwt, reg: reg, hub: hub}
}

func (h *gatewayHarness) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func (h *gatewayHarness) dial(t *testing.T, userID string) *testConn {
	t.Helper()

	tok, err := h.jwt.Sign(userID, userID, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, h.wsURL(tok), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })

	c := &testConn{t: t, conn: conn}
	c.next(v1.EventConnected, "")
	return c
}

// send writes a command and returns its envelope id.
func (c *testConn) send(typ string, payload any) string {
	c.t.Helper()

	c.seq++
	id := typ + "-" + string(rune('a'+c.seq))
	raw, _ := json.Marshal(payload)
	b, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
	return id
}

// next reads frames until one of type typ (and ref, when set) arrives.
func (c *testConn) next(typ, ref string) v1.Envelope {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.t.Fatalf("read waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("decode frame: %v", err)
		}
		if env.Type == typ && (ref == "" || env.Ref == ref) {
			return env
		}
	}
}

// call sends a command and decodes the ack result into out. It fails on an error reply.
func (c *testConn) call(typ string, payload, out any) {
	c.t.Helper()

	env := c.nextReply(c.send(typ, payload))
	if env.Type == v1.TypeError {
		var e v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &e)
		c.t.Fatalf("%s: unexpected error %s: %s", typ, e.Code, e.Message)
	}
	var ack v1.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		c.t.Fatalf("%s: decode ack: %v", typ, err)
	}
	if out != nil {
		if err := json.Unmarshal(ack.Result, out); err != nil {
			c.t.Fatalf("%s: decode result: %v", typ, err)
		}
	}
}

// fail sends a command that must be rejected and returns the error code.
func (c *testConn) fail(typ string, payload any) string {
	c.t.Helper()

	id := c.send(typ, payload)
	env := c.nextReply(id)
	if env.Type != v1.TypeError {
		c.t.Fatalf("%s: expected error reply got %s", typ, env.Type)
	}
	var e v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &e)
	return e.Code
}

func (c *testConn) nextReply(ref string) v1.Envelope {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.t.Fatalf("read waiting for reply to %s: %v", ref, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("decode frame: %v", err)
		}
		if env.Ref == ref && (env.Type == v1.TypeAck || env.Type == v1.TypeError) {
			return env
		}
	}
}

func TestGateway_RejectsMissingOrBadToken(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, tok := range []string{"", "not-a-jwt"} {
		_, resp, err := websocket.Dial(ctx, h.wsURL(tok), &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
		if err == nil {
			t.Fatalf("dial token=%q: expected rejection", tok)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("dial token=%q: expected 401 got %+v", tok, resp)
		}
	}
}

func TestGateway_DirectConversationFlow(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t)
	amy := h.dial(t, "amy")
	ben := h.dial(t, "ben")

	if got := h.hub.Len(); got != 2 {
		t.Fatalf("hub: expected 2 connections got %d", got)
	}

	var conv chat.ConversationView
	amy.call(v1.TypeCreateDirect, v1.CreateDirectPayload{UserID: "ben"}, &conv)
	if conv.ID == "" || conv.Name != "Ben Brown" {
		t.Fatalf("create-direct: unexpected view %+v", conv)
	}

	// ben opens the conversation, so amy's next message is delivered as SEEN.
	var joined chat.ConversationView
	ben.call(v1.TypeJoinConversation, v1.JoinConversationPayload{ConversationID: conv.ID}, &joined)
	if joined.Name != "Amy Adams" {
		t.Fatalf("join: expected peer name Amy Adams got %q", joined.Name)
	}

	var sent chat.View
	amy.call(v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: conv.ID, Message: "hi ben"}, &sent)
	if sent.Status != chat.StatusSeen || !sent.IsMine {
		t.Fatalf("send: expected SEEN and me=true, got status=%s me=%v", sent.Status, sent.IsMine)
	}

	env := ben.next(v1.EventMessage, "")
	var got chat.View
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("decode message event: %v", err)
	}
	if got.ID != sent.ID || got.Message != "hi ben" || got.IsMine {
		t.Fatalf("message event for ben: unexpected %+v", got)
	}

	var list []chat.ConversationView
	ben.call(v1.TypeListConvs, struct{}{}, &list)
	if len(list) != 1 || list[0].LastMessage == nil || list[0].LastMessage.ID != sent.ID {
		t.Fatalf("list-conversations: expected lastMessage %s got %+v", sent.ID, list)
	}

	var page chat.HistoryPage
	ben.call(v1.TypeFetchHistory, v1.FetchHistoryPayload{ConversationID: conv.ID}, &page)
	if len(page.Messages) == 0 || page.Messages[len(page.Messages)-1].ID != sent.ID {
		t.Fatalf("fetch-history: expected newest %s, got %+v", sent.ID, page.Messages)
	}
}

func TestGateway_CommandErrors(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t)
	amy := h.dial(t, "amy")
	cal := h.dial(t, "cal")

	var conv chat.ConversationView
	amy.call(v1.TypeCreateDirect, v1.CreateDirectPayload{UserID: "ben"}, &conv)

	cases := []struct {
		name    string
		typ     string
		payload any
		want    string
	}{
		{"outsider join", v1.TypeJoinConversation, v1.JoinConversationPayload{ConversationID: conv.ID}, "not_found"},
		{"outsider send", v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: conv.ID, Message: "x"}, "not_found"},
		{"unknown message", v1.TypePinMessage, v1.MessageRefPayload{MessageID: "nope"}, "not_found"},
		{"bad payload", v1.TypeSendMessage, "not an object", "invalid_input"},
	}
	for _, tc := range cases {
		if got := cal.fail(tc.typ, tc.payload); got != tc.want {
			t.Fatalf("%s: expected code %s got %s", tc.name, tc.want, got)
		}
	}

	if got := amy.fail("shout", struct{}{}); got != "bad_envelope" {
		t.Fatalf("unsupported type: expected bad_envelope got %s", got)
	}
}

func TestGateway_DisconnectRemovesSession(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t)
	amy := h.dial(t, "amy")

	ctx := context.Background()
	recs, err := h.reg.LiveConnections(ctx, []string{"amy"})
	if err != nil || len(recs) != 1 {
		t.Fatalf("live connections: expected 1 got %d err=%v", len(recs), err)
	}

	amy.call(v1.TypeHeartbeat, struct{}{}, nil)
	_ = amy.conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err = h.reg.LiveConnections(ctx, []string{"amy"})
		if err == nil && len(recs) == 0 && h.hub.Len() == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("disconnect: expected no live connections, got %d (hub=%d) err=%v", len(recs), h.hub.Len(), err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
