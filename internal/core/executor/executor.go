// Package executor runs upstream HTTP requests against a primary endpoint
// with rate-limit retry and ordered failover to alternate endpoints.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
)

// ErrAllEndpointsFailed is wrapped by Fetch when no endpoint produced a 2xx.
var ErrAllEndpointsFailed = errors.New("all upstream endpoints failed")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s status %d: %s", e.Endpoint, e.Code, e.Body)
}

// RequestBuilder creates the request for one attempt against endpoint.
type RequestBuilder func(ctx context.Context, endpoint string) (*http.Request, error)

type Executor struct {
	logger     *slog.Logger
	client     *http.Client
	upstream   string
	primary    string
	alternates []string
	timeout    time.Duration
	backoff    time.Duration
	maxBody    int64
	clock      clockwork.Clock
	validate   func(body []byte) error
}

type Option func(*Executor)

func WithAlternates(urls ...string) Option {
	return func(e *Executor) { e.alternates = append(e.alternates, urls...) }
}

// WithTimeout bounds each individual attempt.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithRateLimitBackoff sets the pause before retrying a primary that answered 429.
func WithRateLimitBackoff(d time.Duration) Option {
	return func(e *Executor) { e.backoff = d }
}

func WithMaxBody(n int64) Option {
	return func(e *Executor) { e.maxBody = n }
}

func WithClock(c clockwork.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithValidator inspects every 2xx body. A non-nil error fails the attempt
// and the next endpoint is tried.
func WithValidator(fn func(body []byte) error) Option {
	return func(e *Executor) { e.validate = fn }
}

func New(logger *slog.Logger, client *http.Client, upstream, primary string, opts ...Option) (*Executor, error) {
	if client == nil {
		client = http.DefaultClient
	}
	e := &Executor{
		logger:   logger.With("upstream", upstream),
		client:   client,
		upstream: upstream,
		primary:  primary,
		timeout:  30 * time.Second,
		backoff:  2 * time.Second,
		maxBody:  32 << 20,
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(e)
	}
	for _, raw := range e.Endpoints() {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s endpoint: %w", upstream, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("%s endpoint %q: scheme must be http or https", upstream, raw)
		}
	}
	return e, nil
}

// Endpoints returns the primary followed by the alternates, in attempt order.
func (e *Executor) Endpoints() []string {
	out := make([]string, 0, 1+len(e.alternates))
	out = append(out, e.primary)
	return append(out, e.alternates...)
}

// Fetch tries the primary once, retries it once after the rate-limit
// backoff when it answered 429, then tries each alternate once in order.
// The body of the first 2xx response that passes the validator is returned.
func (e *Executor) Fetch(ctx context.Context, build RequestBuilder) ([]byte, error) {
	var errs []error

	body, err := e.attempt(ctx, build, e.primary, "primary")
	if err == nil {
		return body, nil
	}
	errs = append(errs, err)

	if isRateLimited(err) {
		e.logger.WarnContext(ctx, "upstream rate limited, backing off",
			"endpoint", e.primary, "backoff", e.backoff)
		if werr := e.sleep(ctx, e.backoff); werr != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllEndpointsFailed, errors.Join(append(errs, werr)...))
		}
		body, err = e.attempt(ctx, build, e.primary, "retry")
		if err == nil {
			return body, nil
		}
		errs = append(errs, err)
	}

	for _, alt := range e.alternates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		e.logger.InfoContext(ctx, "trying alternate endpoint", "endpoint", alt)
		body, err = e.attempt(ctx, build, alt, "alternate")
		if err == nil {
			return body, nil
		}
		errs = append(errs, err)
	}

	return nil, fmt.Errorf("%w: %w", ErrAllEndpointsFailed, errors.Join(errs...))
}

func (e *Executor) attempt(ctx context.Context, build RequestBuilder, endpoint, role string) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := build(actx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", endpoint, err)
	}

	start := e.clock.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		observability.IncUpstreamAttempt(e.upstream, role, "error")
		e.logger.WarnContext(ctx, "upstream request failed", "endpoint", endpoint, "role", role, "err", err)
		return nil, fmt.Errorf("do request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	observability.ObserveUpstreamLatency(e.upstream, e.clock.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		outcome := "status"
		if resp.StatusCode == http.StatusTooManyRequests {
			outcome = "rate_limited"
		}
		observability.IncUpstreamAttempt(e.upstream, role, outcome)
		e.logger.WarnContext(ctx, "upstream returned non-2xx",
			"endpoint", endpoint, "role", role, "status", resp.StatusCode)
		return nil, &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: string(b)}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		observability.IncUpstreamAttempt(e.upstream, role, "error")
		return nil, fmt.Errorf("read body %s: %w", endpoint, err)
	}
	if int64(len(b)) > e.maxBody {
		observability.IncUpstreamAttempt(e.upstream, role, "error")
		return nil, fmt.Errorf("read body %s: response exceeds %d bytes", endpoint, e.maxBody)
	}
	if e.validate != nil {
		if err := e.validate(b); err != nil {
			observability.IncUpstreamAttempt(e.upstream, role, "invalid")
			e.logger.WarnContext(ctx, "upstream response rejected", "endpoint", endpoint, "role", role, "err", err)
			return nil, fmt.Errorf("validate body %s: %w", endpoint, err)
		}
	}
	observability.IncUpstreamAttempt(e.upstream, role, "ok")
	return b, nil
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-e.clock.After(d):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rate-limit backoff: %w", ctx.Err())
	}
}

func isRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}
