// Package fanout emits events to every live connection of a set of users,
// building an individually addressed payload per connection.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"

	"relay/cmd/internal/presence"

	"github.com/prometheus/client_golang/prometheus"
)

// Sessions enumerates live connections (the session registry).
type Sessions interface {
	LiveConnections(ctx context.Context, userIDs []string) ([]presence.Record, error)
}

// Emitter delivers one serialized payload to one connection (the transport).
type Emitter interface {
	Emit(ctx context.Context, connectionID, event string, payload []byte) error
}

// ViewFunc builds the payload for one viewer. Returning ok=false skips the connection.
type ViewFunc func(viewerID string) (payload any, ok bool)

// RouteFunc picks the event name and payload for one connection.
type RouteFunc func(rec presence.Record) (event string, payload any, ok bool)

// Result counts what happened to one broadcast.
type Result struct {
	Connections int
	Delivered   int
	Failed      int
}

// Fanout resolves participants to connections and emits per connection.
type Fanout struct {
	sessions Sessions
	emitter  Emitter
	log      *slog.Logger

	emits    *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// Option configures Fanout behavior.
type Option func(*Fanout)

// WithCounters records deliveries and failures labelled by event.
func WithCounters(emits, failures *prometheus.CounterVec) Option {
	return func(f *Fanout) {
		f.emits = emits
		f.failures = failures
	}
}

// New constructs a Fanout.
func New(sessions Sessions, emitter Emitter, log *slog.Logger, opts ...Option) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	f := &Fanout{sessions: sessions, emitter: emitter, log: log}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Personalized emits event to every live connection of userIDs with a payload built
// for that connection's user.
func (f *Fanout) Personalized(ctx context.Context, userIDs []string, event string, build ViewFunc) Result {
	return f.Route(ctx, userIDs, func(rec presence.Record) (string, any, bool) {
		payload, ok := build(rec.UserID)
		return event, payload, ok
	})
}

// Uniform emits one identical payload to every live connection of userIDs.
// The payload is serialized once.
func (f *Fanout) Uniform(ctx context.Context, userIDs []string, event string, payload any) Result {
	b, err := json.Marshal(payload)
	if err != nil {
		f.log.Error("fanout.marshal.fail", "event", event, "err", err)
		return Result{}
	}
	return f.Route(ctx, userIDs, func(presence.Record) (string, any, bool) {
		return event, json.RawMessage(b), true
	})
}

// Route is the general form: the connection snapshot is taken once, then each
// connection gets its own event/payload. A failure on one connection is logged
// and never stops the rest.
func (f *Fanout) Route(ctx context.Context, userIDs []string, route RouteFunc) Result {
	var res Result
	if f == nil || f.sessions == nil || f.emitter == nil || len(userIDs) == 0 {
		return res
	}

	recs, err := f.sessions.LiveConnections(ctx, userIDs)
	if err != nil {
		f.log.Error("fanout.sessions.fail", "users", len(userIDs), "err", err)
		return res
	}
	res.Connections = len(recs)

	for _, rec := range recs {
		event, payload, ok := route(rec)
		if !ok {
			continue
		}

		b, err := marshal(payload)
		if err != nil {
			res.Failed++
			f.count(f.failures, event)
			f.log.Error("fanout.marshal.fail", "event", event, "connection_id", rec.ConnectionID, "err", err)
			continue
		}

		if err := f.emitter.Emit(ctx, rec.ConnectionID, event, b); err != nil {
			res.Failed++
			f.count(f.failures, event)
			f.log.Warn("fanout.emit.fail",
				"event", event,
				"connection_id", rec.ConnectionID,
				"user_id", rec.UserID,
				"err", err,
			)
			continue
		}

		res.Delivered++
		f.count(f.emits, event)
	}

	return res
}

func (f *Fanout) count(c *prometheus.CounterVec, event string) {
	if c != nil {
		c.WithLabelValues(event).Inc()
	}
}

func marshal(payload any) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
