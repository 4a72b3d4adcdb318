package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/municipality-check/internal/model"
)

// sqliteTimeLayout is fixed-width so that text comparison orders timestamps.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS check_logs (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at         TEXT NOT NULL,
	input_address      TEXT NOT NULL,
	normalized_address TEXT,
	lat                REAL,
	lon                REAL,
	municipality       TEXT,
	province           TEXT,
	nsc_region         TEXT,
	mpr_region         TEXT,
	custom_region      TEXT,
	confidence         REAL NOT NULL DEFAULT 0,
	ok                 INTEGER NOT NULL DEFAULT 0,
	message            TEXT
);

CREATE INDEX IF NOT EXISTS idx_check_logs_created_at ON check_logs(created_at);
`

// Migrate implements Store.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertCheck implements Store.
func (s *SQLiteStore) InsertCheck(ctx context.Context, entry *model.CheckLog) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO check_logs (
			created_at, input_address, normalized_address, lat, lon,
			municipality, province, nsc_region, mpr_region, custom_region,
			confidence, ok, message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		now.Format(sqliteTimeLayout), entry.InputAddress, entry.NormalizedAddress, entry.Lat, entry.Lon,
		entry.Municipality, entry.Province, entry.NSCRegion, entry.MPRRegion, entry.CustomRegion,
		entry.Confidence, entry.OK, entry.Message,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert check")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: last insert id")
	}
	entry.ID = id
	entry.CreatedAt = now
	return nil
}

// ListChecks implements Store.
func (s *SQLiteStore) ListChecks(ctx context.Context, limit int) ([]model.CheckLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, input_address, normalized_address, lat, lon,
			municipality, province, nsc_region, mpr_region, custom_region,
			confidence, ok, message
		FROM check_logs
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, ClampLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list checks")
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.CheckLog, 0)
	for rows.Next() {
		var (
			l       model.CheckLog
			created string
		)
		if err := rows.Scan(&l.ID, &created, &l.InputAddress, &l.NormalizedAddress, &l.Lat, &l.Lon,
			&l.Municipality, &l.Province, &l.NSCRegion, &l.MPRRegion, &l.CustomRegion,
			&l.Confidence, &l.OK, &l.Message); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan check")
		}
		l.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse created_at %q", created)
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate checks")
}

// CheckStats implements Store.
func (s *SQLiteStore) CheckStats(ctx context.Context, since time.Time) (*CheckStats, error) {
	var (
		total, ok, notGeocoded int
		avg                    float64
		misses                 [4]int
	)
	err := s.db.QueryRowContext(ctx, statsQuery("lat IS NOT NULL", "?"), since.UTC().Format(sqliteTimeLayout)).
		Scan(&total, &ok, &notGeocoded, &avg, &misses[0], &misses[1], &misses[2], &misses[3])
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: check stats")
	}
	return newCheckStats(since, total, ok, notGeocoded, avg, misses), nil
}
