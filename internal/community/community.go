// Package community reads user reported hazards from PostGIS.
package community

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
)

// DefaultMaxAge bounds how old an unresolved report may be.
const DefaultMaxAge = 30 * 24 * time.Hour

const maxRows = 500

const nearbyQuery = `
	SELECT id, hazard_type, severity, COALESCE(description, ''),
	       ST_Y(location::geometry), ST_X(location::geometry),
	       created_at, expires_at
	FROM hazard_reports
	WHERE status <> 'resolved'
	  AND created_at >= $4
	  AND (expires_at IS NULL OR expires_at >= $5)
	  AND ST_DWithin(
	        location::geography,
	        ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography,
	        $3
	      )
	ORDER BY created_at DESC
	LIMIT $6
`

// Empty serves no community hazards. It is used when no database is set up.
type Empty struct{}

func (Empty) Hazards(context.Context, model.Query) ([]model.HazardRecord, error) {
	return []model.HazardRecord{}, nil
}

func (Empty) Ping(context.Context) error { return nil }

type Store struct {
	db      *sql.DB
	maxAge  time.Duration
	timeout time.Duration
	clock   clockwork.Clock
	log     *slog.Logger
}

type Option func(*Store)

func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open connects to dsn with the lib/pq driver and pings it.
func Open(ctx context.Context, dsn string, log *slog.Logger, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("community: empty database url")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("community: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := New(db, log, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB, log *slog.Logger, opts ...Option) *Store {
	s := &Store{
		db:      db,
		maxAge:  DefaultMaxAge,
		timeout: 5 * time.Second,
		clock:   clockwork.NewRealClock(),
		log:     log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("community: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Hazards returns unresolved reports within q's radius that are younger than
// the configured max age.
func (s *Store) Hazards(ctx context.Context, q model.Query) ([]model.HazardRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.clock.Now().UTC()
	rows, err := s.db.QueryContext(ctx, nearbyQuery,
		q.Center.Latitude, q.Center.Longitude, q.RadiusMeters,
		now.Add(-s.maxAge), now, maxRows)
	if err != nil {
		return nil, fmt.Errorf("community: query: %w", err)
	}
	defer rows.Close()

	out := make([]model.HazardRecord, 0, 16)
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.hazardType, &r.severity, &r.description,
			&r.lat, &r.lon, &r.createdAt, &r.expiresAt); err != nil {
			return nil, fmt.Errorf("community: scan: %w", err)
		}
		rec, ok := r.record()
		if !ok {
			s.log.WarnContext(ctx, "skipping community report with bad location", "id", r.id)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("community: rows: %w", err)
	}
	return out, nil
}

type row struct {
	id          int64
	hazardType  string
	severity    string
	description string
	lat, lon    float64
	createdAt   time.Time
	expiresAt   sql.NullTime
}

func (r row) record() (model.HazardRecord, bool) {
	c := model.Coordinates{Latitude: r.lat, Longitude: r.lon}
	if !c.Valid() {
		return model.HazardRecord{}, false
	}

	typ, err := model.ParseHazardType(normalize(r.hazardType))
	if err != nil {
		typ = model.TypeOther
	}
	sev, err := model.ParseSeverity(r.severity)
	if err != nil {
		sev = model.SeverityMedium
	}

	created := r.createdAt.UTC()
	rec := model.HazardRecord{
		ID:          strconv.FormatInt(r.id, 10),
		Source:      model.SourceCommunity,
		Type:        typ,
		Severity:    sev,
		Coordinates: c,
		Description: r.description,
		ReportedAt:  created,
		StartDate:   &created,
		Verified:    false,
	}
	if r.expiresAt.Valid {
		end := r.expiresAt.Time.UTC()
		rec.EndDate = &end
	}
	return rec, true
}

// "Road Closure" and "road-closure" both mean road_closure.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
