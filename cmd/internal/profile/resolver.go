package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	resolverDefaultTimeout = 2 * time.Second
	resolverMaxInFlight    = 8
)

// Resolver wraps a Directory with a per-lookup deadline, placeholder fallback for
// read paths and bounded fan-out for batch lookups.
type Resolver struct {
	dir     Directory
	log     *slog.Logger
	timeout time.Duration
	latency prometheus.ObserverVec
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithLookupTimeout bounds each directory call.
func WithLookupTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLatency records lookup latency labelled by result ("ok", "not_found", "error").
func WithLatency(h prometheus.ObserverVec) ResolverOption {
	return func(r *Resolver) { r.latency = h }
}

// NewResolver constructs a Resolver around dir.
func NewResolver(dir Directory, log *slog.Logger, opts ...ResolverOption) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{dir: dir, log: log, timeout: resolverDefaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Get returns the profile or an error wrapping ErrNotFound / ErrUnavailable.
// Write paths that need a mandatory snapshot use this.
func (r *Resolver) Get(ctx context.Context, userID string) (Profile, error) {
	if r == nil || r.dir == nil {
		return Profile{}, ErrUnavailable
	}

	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	p, err := r.dir.GetProfile(lctx, userID)
	r.observe(start, err)

	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, ErrNotFound):
		return Profile{}, err
	case errors.Is(err, ErrUnavailable):
		return Profile{}, err
	default:
		return Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// GetOrPlaceholder never fails; lookup errors degrade to Placeholder(userID).
func (r *Resolver) GetOrPlaceholder(ctx context.Context, userID string) Profile {
	p, err := r.Get(ctx, userID)
	if err != nil {
		r.log.Warn("profile.lookup.placeholder", "user_id", userID, "err", err)
		return Placeholder(userID)
	}
	return p
}

// GetAll fetches every id concurrently and fails on the first error.
func (r *Resolver) GetAll(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(userIDs))
	results := make([]Profile, len(userIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolverMaxInFlight)

	for i, id := range userIDs {
		g.Go(func() error {
			p, err := r.Get(gctx, id)
			if err != nil {
				return fmt.Errorf("profile %s: %w", id, err)
			}
			results[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, id := range userIDs {
		out[id] = results[i]
	}
	return out, nil
}

// Many fetches every id concurrently; failed lookups become placeholders so one
// bad reactor never blanks the rest.
func (r *Resolver) Many(ctx context.Context, userIDs []string) map[string]Profile {
	results := make([]Profile, len(userIDs))

	var g errgroup.Group
	g.SetLimit(resolverMaxInFlight)

	for i, id := range userIDs {
		g.Go(func() error {
			results[i] = r.GetOrPlaceholder(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Profile, len(userIDs))
	for i, id := range userIDs {
		out[id] = results[i]
	}
	return out
}

func (r *Resolver) observe(start time.Time, err error) {
	if r.latency == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	r.latency.WithLabelValues(result).Observe(time.Since(start).Seconds())
}
