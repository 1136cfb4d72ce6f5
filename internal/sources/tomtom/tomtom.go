// Package tomtom fetches live traffic incidents from the TomTom Traffic
// incidentDetails API.
package tomtom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/executor"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/geo"
	"github.com/mohammed-shakir/hazard-aggregator/internal/sources"
)

const fields = "{incidents{type,geometry{type,coordinates},properties{id,iconCategory,magnitudeOfDelay," +
	"events{description,code,iconCategory},startTime,endTime,from,to,length,delay,roadNumbers}}}"

// every documented icon category; unmapped ones become "other"
const categoryFilter = "0,1,2,3,4,5,6,7,8,9,10,11,14"

type Fetcher interface {
	Fetch(ctx context.Context, build executor.RequestBuilder) ([]byte, error)
}

type Client struct {
	exec     Fetcher
	apiKey   string
	language string
	log      *slog.Logger
	clock    clockwork.Clock
}

type Option func(*Client)

func WithClock(c clockwork.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

func WithLanguage(lang string) Option {
	return func(cl *Client) { cl.language = lang }
}

func New(exec Fetcher, apiKey string, log *slog.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("tomtom: api key is required")
	}
	c := &Client{
		exec:     exec,
		apiKey:   apiKey,
		language: "en-GB",
		log:      log,
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

var _ sources.Provider = (*Client)(nil)

func (c *Client) Name() model.Source { return model.SourceTomTom }

func bbox(b orb.Bound) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	return f(b.Min.Lon()) + "," + f(b.Min.Lat()) + "," + f(b.Max.Lon()) + "," + f(b.Max.Lat())
}

// Params returns the query parameters for area, API key included.
func (c *Client) Params(area sources.Area) url.Values {
	return url.Values{
		"key":                {c.apiKey},
		"bbox":               {bbox(geo.BoundAround(area.Center, area.RadiusMeters))},
		"fields":             {fields},
		"language":           {c.language},
		"categoryFilter":     {categoryFilter},
		"timeValidityFilter": {"present"},
	}
}

func (c *Client) FetchLive(ctx context.Context, area sources.Area) ([]model.HazardRecord, error) {
	params := c.Params(area)

	body, err := c.exec.Fetch(ctx, func(ctx context.Context, endpoint string) (*http.Request, error) {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		q := u.Query()
		for k, v := range params {
			q[k] = v
		}
		u.RawQuery = q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tomtom fetch: %w", err)
	}

	recs, err := Parse(body, area.Center, c.clock.Now())
	if err != nil {
		return nil, err
	}
	c.log.DebugContext(ctx, "tomtom incidents parsed", "count", len(recs), "bytes", len(body))
	return recs, nil
}
