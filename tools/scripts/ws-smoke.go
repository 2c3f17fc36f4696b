// Package main provides a CI-friendly WebSocket smoke test for the relay server.
//
// It signs tokens for two users with the server's JWT secret and validates:
//   - handshake + subprotocol selection + connected frame
//   - create-direct between the two users
//   - join, then send -> ack with status SEEN
//   - fanout of the message to the peer
//   - leave, send -> SENT, mark-read -> status update fanned out to the sender
//   - fetch-history
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"relay/cmd/identity"
	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn
	seq    int

	inbox chan v1.Envelope
	errCh chan error
}

// message is the subset of a projected message the smoke test checks.
type message struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Status  string `json:"status"`
	Mine    bool   `json:"me"`
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("RELAY_JWT_SECRET"), "JWT secret shared with the server")
		userA   = flag.String("a", "amy", "First user id (must exist in the profile directory)")
		userB   = flag.String("b", "ben", "Second user id")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	signer, err := identity.NewJWTVerifier(*secret)
	if err != nil {
		fatalf("invalid -secret: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, signer, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *userB, signer, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	var conv struct {
		ID string `json:"id"`
	}
	a.mustCall(root, v1.TypeCreateDirect, v1.CreateDirectPayload{UserID: b.userID}, &conv, *timeout)
	if conv.ID == "" {
		fatalf("create-direct: missing conversation id")
	}

	b.mustCall(root, v1.TypeJoinConversation, v1.JoinConversationPayload{ConversationID: conv.ID}, nil, *timeout)

	var seen message
	a.mustCall(root, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: conv.ID, Message: *text}, &seen, *timeout)
	if seen.Status != "SEEN" || !seen.Mine {
		fatalf("send while peer viewing: expected SEEN/me, got status=%q me=%v", seen.Status, seen.Mine)
	}

	var got message
	mustDecode(b.mustReadUntil(root, v1.EventMessage, *timeout), &got)
	if got.ID != seen.ID || got.Message != *text || got.Mine {
		fatalf("fanout: unexpected message for B %+v", got)
	}

	b.mustCall(root, v1.TypeLeaveConversation, struct{}{}, nil, *timeout)

	var sent message
	a.mustCall(root, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: conv.ID, Message: *text + " (2)"}, &sent, *timeout)
	if sent.Status != "SENT" {
		fatalf("send while peer away: expected SENT got %q", sent.Status)
	}

	var read v1.MarkReadResult
	b.mustCall(root, v1.TypeMarkRead, v1.ConversationRefPayload{ConversationID: conv.ID}, &read, *timeout)
	if !slices.Contains(read.MessageIDs, sent.ID) || slices.Contains(read.MessageIDs, seen.ID) {
		fatalf("mark-read: expected %s and not %s, got %v", sent.ID, seen.ID, read.MessageIDs)
	}

	var status struct {
		MessageIDs []string `json:"messageIds"`
		Status     string   `json:"status"`
	}
	mustDecode(a.mustReadUntil(root, v1.EventMessageStatusUpdate, *timeout), &status)
	if status.Status != "SEEN" || !slices.Contains(status.MessageIDs, sent.ID) {
		fatalf("status update: unexpected %+v", status)
	}

	var page struct {
		Messages []message `json:"messages"`
	}
	b.mustCall(root, v1.TypeFetchHistory, v1.FetchHistoryPayload{ConversationID: conv.ID, Limit: 10}, &page, *timeout)
	if n := len(page.Messages); n < 2 || page.Messages[n-1].ID != sent.ID {
		fatalf("fetch-history: expected %s last, got %+v", sent.ID, page.Messages)
	}

	if *verbose {
		fmt.Printf("history: %d messages\n", len(page.Messages))
	}
	fmt.Printf("OK: A=%s B=%s conv_id=%s last_msg_id=%s\n", a.userID, b.userID, conv.ID, sent.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID string, signer *identity.JWTVerifier, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	tok, err := signer.Sign(userID, userID, 10*time.Minute)
	if err != nil {
		fatalf("sign token for %s: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
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
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	c.mustReadUntil(parent, v1.EventConnected, stepTimeout)
	return c
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

// mustCall sends one command and decodes the ack result into out.
// Events that arrive first are skipped.
func (c *smokeClient) mustCall(parent context.Context, typ string, payload, out any, stepTimeout time.Duration) {
	c.seq++
	id := fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq)
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		env := c.next(ctx, typ)
		if env.Ref != id {
			continue
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("%s (%s): server error code=%q msg=%q", typ, c.name, ep.Code, ep.Message)
		}
		if out != nil {
			var ack v1.AckPayload
			mustDecode(env, &ack)
			if err := json.Unmarshal(ack.Result, out); err != nil {
				fatalf("%s (%s): decode result: %v", typ, c.name, err)
			}
		}
		return
	}
}

// mustReadUntil skips frames until an event of type want arrives.
func (c *smokeClient) mustReadUntil(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		if env := c.next(ctx, want); env.Type == want {
			return env
		}
	}
}

func (c *smokeClient) next(ctx context.Context, waitingFor string) v1.Envelope {
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q (%s): %v", waitingFor, c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %q (%s): %v", waitingFor, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q (%s)", waitingFor, c.name)
		}
		return env
	}
	return v1.Envelope{}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustDecode(env v1.Envelope, out any) {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		fatalf("decode %s payload: %v", env.Type, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
