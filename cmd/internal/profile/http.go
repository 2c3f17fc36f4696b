package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const httpDefaultTimeout = 2 * time.Second

// HTTPDirectory calls the profile service: GET {base}/users/{id}.
//
// The service answers either with a bare profile object or wrapped as {"result": {...}}.
type HTTPDirectory struct {
	client  *fasthttp.Client
	baseURL string
	timeout time.Duration
	token   string
}

// HTTPOption configures HTTPDirectory behavior.
type HTTPOption func(*HTTPDirectory)

// WithClient replaces the underlying fasthttp client (tests dial an in-memory listener).
func WithClient(c *fasthttp.Client) HTTPOption {
	return func(d *HTTPDirectory) {
		if c != nil {
			d.client = c
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(t time.Duration) HTTPOption {
	return func(d *HTTPDirectory) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithServiceToken sends a bearer token on every request.
func WithServiceToken(tok string) HTTPOption {
	return func(d *HTTPDirectory) { d.token = strings.TrimSpace(tok) }
}

// NewHTTPDirectory constructs a directory client for baseURL.
func NewHTTPDirectory(baseURL string, opts ...HTTPOption) (*HTTPDirectory, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("profile: empty base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("profile: invalid base url: %w", err)
	}

	d := &HTTPDirectory{
		client: &fasthttp.Client{
			Name:                "relay-profile",
			MaxConnsPerHost:     64,
			ReadTimeout:         httpDefaultTimeout,
			WriteTimeout:        httpDefaultTimeout,
			MaxIdleConnDuration: time.Minute,
		},
		baseURL: baseURL,
		timeout: httpDefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

type wrappedProfile struct {
	Result *Profile `json:"result"`
}

func (d *HTTPDirectory) GetProfile(ctx context.Context, userID string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	timeout := d.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return Profile{}, context.DeadlineExceeded
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.baseURL + "/users/" + url.PathEscape(userID))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	if err := d.client.DoTimeout(req, resp, timeout); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusNotFound:
		return Profile{}, ErrNotFound
	case code < 200 || code > 299:
		return Profile{}, fmt.Errorf("%w: status %d", ErrUnavailable, code)
	}

	body := resp.Body()

	var wrapped wrappedProfile
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return Profile{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}

	var p Profile
	if wrapped.Result != nil {
		p = *wrapped.Result
	} else if err := json.Unmarshal(body, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}

	if p.UserID == "" {
		p.UserID = userID
	}
	return p, nil
}
