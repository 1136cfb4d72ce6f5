package community

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
)

func TestRowRecord(t *testing.T) {
	created := time.Date(2025, 6, 1, 8, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	r := row{
		id: 17, hazardType: "Road Closure", severity: "HIGH", description: "fallen tree",
		lat: 51.5, lon: -0.12, createdAt: created,
		expiresAt: sql.NullTime{Time: created.Add(48 * time.Hour), Valid: true},
	}

	rec, ok := r.record()
	require.True(t, ok)
	assert.Equal(t, "17", rec.ID)
	assert.Equal(t, model.SourceCommunity, rec.Source)
	assert.Equal(t, model.TypeRoadClosure, rec.Type)
	assert.Equal(t, model.SeverityHigh, rec.Severity)
	assert.False(t, rec.Verified)
	assert.Equal(t, created.UTC(), rec.ReportedAt)
	require.NotNil(t, rec.EndDate)
	assert.Equal(t, time.UTC, rec.EndDate.Location())
}

func TestRowRecord_Fallbacks(t *testing.T) {
	rec, ok := row{id: 1, hazardType: "sinkhole", severity: "", lat: 1, lon: 1}.record()
	require.True(t, ok)
	assert.Equal(t, model.TypeOther, rec.Type)
	assert.Equal(t, model.SeverityMedium, rec.Severity)
	assert.Nil(t, rec.EndDate)

	_, ok = row{id: 2, lat: 95, lon: 1}.record()
	assert.False(t, ok)
}

func TestEmpty(t *testing.T) {
	recs, err := Empty{}.Hazards(context.Background(), model.Query{})
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
	assert.NoError(t, Empty{}.Ping(context.Background()))
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

// Runs against a real PostGIS when TEST_DATABASE_URL is set.
func TestStore_PostGIS(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer s.Close()
	// temp tables live on one session
	s.db.SetMaxOpenConns(1)

	_, err = s.db.ExecContext(ctx, `
		CREATE TEMP TABLE hazard_reports (
			id bigserial PRIMARY KEY,
			hazard_type text NOT NULL,
			severity text NOT NULL,
			description text,
			location geography(Point, 4326) NOT NULL,
			status text NOT NULL DEFAULT 'open',
			created_at timestamptz NOT NULL DEFAULT now(),
			expires_at timestamptz
		)`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hazard_reports (hazard_type, severity, location, status, created_at) VALUES
		('pothole', 'low', 'SRID=4326;POINT(-0.12 51.50)', 'open', now()),
		('pothole', 'low', 'SRID=4326;POINT(-0.12 51.50)', 'resolved', now()),
		('flooding', 'high', 'SRID=4326;POINT(-0.12 51.50)', 'open', now() - interval '90 days'),
		('barrier', 'low', 'SRID=4326;POINT(-0.30 51.60)', 'open', now())`)
	require.NoError(t, err)

	recs, err := s.Hazards(ctx, model.Query{
		Center:       model.Coordinates{Latitude: 51.5, Longitude: -0.12},
		RadiusMeters: 1000,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.TypePothole, recs[0].Type)
}
