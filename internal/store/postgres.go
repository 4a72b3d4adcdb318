package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/municipality-check/internal/db"
	"github.com/sells-group/municipality-check/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.NewPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership of it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS check_logs (
	id                 BIGSERIAL PRIMARY KEY,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	input_address      TEXT NOT NULL,
	normalized_address TEXT,
	location           BYTEA,
	municipality       TEXT,
	province           TEXT,
	nsc_region         TEXT,
	mpr_region         TEXT,
	custom_region      TEXT,
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	ok                 BOOLEAN NOT NULL DEFAULT false,
	message            TEXT
);

CREATE INDEX IF NOT EXISTS idx_check_logs_created_at ON check_logs(created_at DESC);
`

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate implements Store.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InsertCheck implements Store. Coordinates are stored as an EWKB point.
func (s *PostgresStore) InsertCheck(ctx context.Context, entry *model.CheckLog) error {
	loc, err := encodeLocation(entry.Lat, entry.Lon)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO check_logs (
			input_address, normalized_address, location,
			municipality, province, nsc_region, mpr_region, custom_region,
			confidence, ok, message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		entry.InputAddress, entry.NormalizedAddress, loc,
		entry.Municipality, entry.Province, entry.NSCRegion, entry.MPRRegion, entry.CustomRegion,
		entry.Confidence, entry.OK, entry.Message,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: insert check")
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return nil
}

// ListChecks implements Store.
func (s *PostgresStore) ListChecks(ctx context.Context, limit int) ([]model.CheckLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, input_address, normalized_address, location,
			municipality, province, nsc_region, mpr_region, custom_region,
			confidence, ok, message
		FROM check_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, ClampLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list checks")
	}
	defer rows.Close()

	out := make([]model.CheckLog, 0)
	for rows.Next() {
		var (
			l   model.CheckLog
			loc []byte
		)
		if err := rows.Scan(&l.ID, &l.CreatedAt, &l.InputAddress, &l.NormalizedAddress, &loc,
			&l.Municipality, &l.Province, &l.NSCRegion, &l.MPRRegion, &l.CustomRegion,
			&l.Confidence, &l.OK, &l.Message); err != nil {
			return nil, eris.Wrap(err, "postgres: scan check")
		}
		l.CreatedAt = l.CreatedAt.UTC()
		l.Lat, l.Lon, err = decodeLocation(loc)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate checks")
}

// CheckStats implements Store.
func (s *PostgresStore) CheckStats(ctx context.Context, since time.Time) (*CheckStats, error) {
	var (
		total, ok, notGeocoded int
		avg                    float64
		misses                 [4]int
	)
	err := s.pool.QueryRow(ctx, statsQuery("location IS NOT NULL", "$1"), since.UTC()).
		Scan(&total, &ok, &notGeocoded, &avg, &misses[0], &misses[1], &misses[2], &misses[3])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: check stats")
	}
	return newCheckStats(since, total, ok, notGeocoded, avg, misses), nil
}
