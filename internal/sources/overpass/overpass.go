// Package overpass fetches construction, closure and barrier hazards from an
// OpenStreetMap Overpass API.
package overpass

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/executor"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/sources"
)

type Fetcher interface {
	Fetch(ctx context.Context, build executor.RequestBuilder) ([]byte, error)
}

type Client struct {
	exec        Fetcher
	log         *slog.Logger
	clock       clockwork.Clock
	maxStartAge time.Duration
	qlTimeout   time.Duration
}

type Option func(*Client)

func WithClock(c clockwork.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithMaxStartAge drops hazards whose start date is older than d.
func WithMaxStartAge(d time.Duration) Option {
	return func(cl *Client) { cl.maxStartAge = d }
}

// WithQueryTimeout sets the server-side [timeout:N] of the query.
func WithQueryTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.qlTimeout = d }
}

func New(exec Fetcher, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		exec:        exec,
		log:         log,
		clock:       clockwork.NewRealClock(),
		maxStartAge: 2 * 365 * 24 * time.Hour,
		qlTimeout:   25 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ sources.Provider = (*Client)(nil)

func (c *Client) Name() model.Source { return model.SourceOSM }

func (c *Client) FetchLive(ctx context.Context, area sources.Area) ([]model.HazardRecord, error) {
	q := BuildQuery(area, int(c.qlTimeout/time.Second))
	form := url.Values{"data": {q}}.Encode()

	body, err := c.exec.Fetch(ctx, func(ctx context.Context, endpoint string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("overpass fetch: %w", err)
	}

	recs, err := Parse(body, c.clock.Now(), c.maxStartAge)
	if err != nil {
		return nil, err
	}
	c.log.DebugContext(ctx, "overpass hazards parsed", "count", len(recs), "bytes", len(body))
	return recs, nil
}
