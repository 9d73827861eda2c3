// Package storage persists payloads, raw messages, and telemetry in
// Postgres/PostGIS and owns the conflict-resolving upsert the pipeline is
// built around.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/umich-balloons/balloontrack/geocell"
	"github.com/umich-balloons/balloontrack/monitoring"
	"github.com/umich-balloons/balloontrack/telemetry"
)

// trackerID is appended to every raw message's source chain so downstream
// consumers can tell which tracker relayed it.
const trackerID = "UMICH-BALLOONS"

// ErrNotOpen reports an operation attempted before Open.
var ErrNotOpen = errors.New("storage not open")

// Store wraps the process-wide connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Config tunes the connection pool. AcquireTimeout bounds dialing a new
// connection (default 10s); waiting for a free pooled connection is bounded
// only by the caller's context.
type Config struct {
	URL            string
	MaxConns       int32
	MinConns       int32
	AcquireTimeout time.Duration
}

// Open creates the pooled connection. Connections are health-checked before
// borrow and recycled hourly.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	pc.MaxConnLifetime = time.Hour
	pc.HealthCheckPeriod = 30 * time.Second
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	pc.ConnConfig.ConnectTimeout = cfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	monitoring.Debugf("storage opened max_conns=%d", pc.MaxConns)
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping probes the pool; used by /health.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNotOpen
	}
	return s.pool.Ping(ctx)
}

// GetOrCreatePayload resolves a callsign to its payload id, creating the
// payload lazily on first sighting. Payloads are never deleted.
func (s *Store) GetOrCreatePayload(ctx context.Context, callsign telemetry.Callsign) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrNotOpen
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO payloads (callsign) VALUES ($1)
		 ON CONFLICT (callsign) DO UPDATE SET callsign = EXCLUDED.callsign
		 RETURNING id`,
		callsign.String(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("get or create payload %s: %w", callsign, err)
	}
	return id, nil
}

// InsertRawMessage appends one forensic row per envelope ever received and
// returns its id. The source chain starts as [sender, tracker] and is
// prepended with the resolved identifiers once processing succeeds.
func (s *Store) InsertRawMessage(ctx context.Context, sender, rawData, ingestMethod, transmitMethod string, dataTime time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrNotOpen
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO raw_messages (source_id, sources, raw_data, ingest_method, transmit_method, relay, data_time)
		 VALUES ($1, ARRAY[$1, $2], $3, $4, $5, $1, $6)
		 RETURNING id`,
		sender, trackerID, rawData, ingestMethod, transmitMethod, dataTime.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert raw message: %w", err)
	}
	return id, nil
}

// upsertTelemetrySQL resolves concurrent writes for the same
// (payload_id, data_time) deterministically:
//   - position and accuracy follow the best (smallest non-null) accuracy,
//   - the remaining nullable fields fill forward (stored null, incoming set),
//   - last_updated always advances.
//
// xmax = 0 distinguishes a fresh insert from a merge.
const upsertTelemetrySQL = `
INSERT INTO telemetry (
    id, payload_id, data_time, position, accuracy, altitude,
    speed, course, battery, extra
) VALUES (
    $1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326),
    $6, $7, $8, $9, $10, $11
)
ON CONFLICT (payload_id, data_time)
DO UPDATE SET
    position = CASE
                 WHEN EXCLUDED.accuracy IS NOT NULL AND (telemetry.accuracy IS NULL OR EXCLUDED.accuracy < telemetry.accuracy)
                 THEN EXCLUDED.position
                 ELSE telemetry.position
               END,
    accuracy = CASE
                 WHEN EXCLUDED.accuracy IS NOT NULL AND (telemetry.accuracy IS NULL OR EXCLUDED.accuracy < telemetry.accuracy)
                 THEN EXCLUDED.accuracy
                 ELSE telemetry.accuracy
               END,
    altitude = CASE
                 WHEN EXCLUDED.altitude IS NOT NULL AND telemetry.altitude IS NULL
                 THEN EXCLUDED.altitude
                 ELSE telemetry.altitude
               END,
    speed = CASE
              WHEN EXCLUDED.speed IS NOT NULL AND telemetry.speed IS NULL
              THEN EXCLUDED.speed
              ELSE telemetry.speed
            END,
    course = CASE
               WHEN EXCLUDED.course IS NOT NULL AND telemetry.course IS NULL
               THEN EXCLUDED.course
               ELSE telemetry.course
             END,
    battery = CASE
                WHEN EXCLUDED.battery IS NOT NULL AND telemetry.battery IS NULL
                THEN EXCLUDED.battery
                ELSE telemetry.battery
              END,
    extra = CASE
              WHEN EXCLUDED.extra IS NOT NULL AND telemetry.extra IS NULL
              THEN EXCLUDED.extra
              ELSE telemetry.extra
            END,
    last_updated = (now() AT TIME ZONE 'utc')
RETURNING id, (xmax = 0)`

// UpsertTelemetry inserts or merges one telemetry row and reports whether a
// new row was created. Applying the same packet twice is a no-op merge.
func (s *Store) UpsertTelemetry(ctx context.Context, p *telemetry.Packet, payloadID int64) (uuid.UUID, bool, error) {
	if s == nil || s.pool == nil {
		return uuid.Nil, false, ErrNotOpen
	}
	if p.DataTime.IsZero() {
		return uuid.Nil, false, fmt.Errorf("packet missing data_time")
	}

	var extra any
	if p.Extra != nil {
		b, err := json.Marshal(p.Extra)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("marshal extra: %w", err)
		}
		extra = string(b)
	}

	var id uuid.UUID
	var inserted bool
	err := s.pool.QueryRow(ctx, upsertTelemetrySQL,
		uuid.New(), payloadID, p.DataTime.UTC(),
		p.Longitude, p.Latitude,
		p.Accuracy, p.Altitude, p.Speed, p.Course, p.Battery, extra,
	).Scan(&id, &inserted)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("upsert telemetry payload=%d: %w", payloadID, err)
	}

	outcome := "merged"
	if inserted {
		outcome = "inserted"
	}
	monitoring.TelemetryUpserts.WithLabelValues(outcome).Inc()
	return id, inserted, nil
}

// LinkRawToTelemetry records final resolution on the raw row: the telemetry
// it produced, the originating identifier prepended to the source chain, and
// the relay that carried it.
func (s *Store) LinkRawToTelemetry(ctx context.Context, rawMsgID int64, telemetryID uuid.UUID, sourceID string, relay *string) error {
	if s == nil || s.pool == nil {
		return ErrNotOpen
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE raw_messages
		 SET source_id = $1,
		     telemetry_id = $2,
		     sources = CASE WHEN $3::text IS NOT NULL THEN ARRAY[$1, $3] ELSE ARRAY[$1] END || sources,
		     relay = COALESCE($3, relay)
		 WHERE id = $4`,
		sourceID, telemetryID, relay, rawMsgID,
	)
	if err != nil {
		return fmt.Errorf("link raw message %d: %w", rawMsgID, err)
	}
	return nil
}

// RefreshPathView rebuilds the precomputed path segments. Concurrent refresh
// keeps readers on the stale copy; never call this on the ingest hot path.
func (s *Store) RefreshPathView(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNotOpen
	}
	_, err := s.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY mv_payload_path_segments`)
	if err != nil {
		return fmt.Errorf("refresh path view: %w", err)
	}
	return nil
}

// PathSegment is one time-bucketed line segment of a payload's track.
type PathSegment struct {
	PayloadID int64
	StartTime time.Time
	EndTime   time.Time
	// Geometry is the segment's GeoJSON geometry as produced by PostGIS.
	Geometry json.RawMessage
}

// FetchPathSegments returns segments whose time range intersects the last
// historySeconds and whose geometry intersects the bbox.
func (s *Store) FetchPathSegments(ctx context.Context, b geocell.Bbox, historySeconds int) ([]PathSegment, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotOpen
	}
	rows, err := s.pool.Query(ctx, `
		SELECT mv.payload_id, mv.segment_start_time, mv.segment_end_time,
		       ST_AsGeoJSON(mv.path_segment)
		FROM mv_payload_path_segments mv
		WHERE TSTZRANGE(mv.segment_start_time, mv.segment_end_time, '[]') &&
		      TSTZRANGE(now() AT TIME ZONE 'utc' - make_interval(secs => $1), now() AT TIME ZONE 'utc', '[]')
		  AND ST_Intersects(
		        mv.path_segment,
		        ST_MakeEnvelope($2, $3, $4, $5, 4326)::geography
		      )`,
		historySeconds, b.MinLon, b.MinLat, b.MaxLon, b.MaxLat,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch path segments: %w", err)
	}
	defer rows.Close()

	var out []PathSegment
	for rows.Next() {
		var seg PathSegment
		var geom string
		if err := rows.Scan(&seg.PayloadID, &seg.StartTime, &seg.EndTime, &geom); err != nil {
			return nil, fmt.Errorf("scan path segment: %w", err)
		}
		seg.Geometry = json.RawMessage(geom)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// TelemetryDetail is the detail view the viewport API serves for one point.
type TelemetryDetail struct {
	Altitude *float64       `json:"altitude"`
	Speed    *float64       `json:"speed"`
	Course   *float64       `json:"course"`
	Battery  *float64       `json:"battery"`
	Accuracy *float64       `json:"accuracy"`
	Extra    map[string]any `json:"extra"`
}

// FetchTelemetry returns the detail row for (payload_id, data_time), or nil
// when no such point exists.
func (s *Store) FetchTelemetry(ctx context.Context, payloadID int64, timestamp string) (*TelemetryDetail, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotOpen
	}
	var d TelemetryDetail
	var extra []byte
	err := s.pool.QueryRow(ctx, `
		SELECT altitude, speed, course, battery, accuracy, extra
		FROM telemetry
		WHERE payload_id = $1 AND data_time = $2::timestamptz
		LIMIT 1`,
		payloadID, timestamp,
	).Scan(&d.Altitude, &d.Speed, &d.Course, &d.Battery, &d.Accuracy, &extra)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch telemetry payload=%d: %w", payloadID, err)
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &d.Extra); err != nil {
			monitoring.Warnf("telemetry extra for payload=%d is not a JSON object: %v", payloadID, err)
		}
	}
	return &d, nil
}
