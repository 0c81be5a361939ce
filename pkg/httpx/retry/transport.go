// Package retry provides an http.RoundTripper that retries transient
// upstream failures with exponential backoff.
package retry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/globus/action-provider-tools/pkg/slogx"
)

// Defaults match the upstream clients: a single retry after a short pause.
const (
	DefaultMaxRetries      = 1
	DefaultInitialInterval = 250 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
	DefaultTimeout         = 30 * time.Second
)

var errRetryableStatus = errors.New("retry: retryable status")

// Config controls how often and how quickly a request is retried.
type Config struct {
	// MaxRetries is the number of attempts after the first. Zero disables
	// retries; negative values use DefaultMaxRetries.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	return c
}

// Transport retries requests that fail at the transport level or come back
// with a 5xx status. The final attempt's response is returned unchanged so
// callers can still read the upstream error.
type Transport struct {
	Base   http.RoundTripper
	Config Config
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, cfg Config) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Config: cfg.withDefaults()}
}

// NewClient returns an http.Client with the given timeout per attempt chain
// and a retrying transport.
func NewClient(timeout time.Duration, cfg Config) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(nil, cfg),
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	log := slogx.FromContext(ctx)
	cfg := t.Config.withDefaults()

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// The body cannot be replayed.
		cfg.MaxRetries = 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.Reset()

	attempt := 0
	operation := func() (*http.Response, error) {
		attempt++
		last := attempt > cfg.MaxRetries

		r, err := rewind(req, attempt)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := t.Base.RoundTrip(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		if resp.StatusCode >= http.StatusInternalServerError && !last {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: %d", errRetryableStatus, resp.StatusCode)
		}
		return resp, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(cfg.MaxRetries+1)), // #nosec G115 -- small, non-negative
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Debug("retrying upstream request",
				"host", req.URL.Host,
				"path", req.URL.Path,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}),
	)
}

// rewind returns a request whose body is positioned at the start for the
// given attempt.
func rewind(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 1 || req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("retry: rewind body: %w", err)
	}
	r := req.Clone(req.Context())
	r.Body = body
	return r, nil
}
