// Package sqlite stores heating cycles and their readings in a SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"

	"github.com/Agrid-Dev/thermoven/internal/oven"
)

var ErrUnknownCycle = errors.New("unknown cycle")

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id         TEXT PRIMARY KEY,
	start_time INTEGER NOT NULL,
	end_time   INTEGER
);
CREATE TABLE IF NOT EXISTS readings (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id             TEXT NOT NULL REFERENCES cycles(id) ON DELETE CASCADE,
	timestamp            INTEGER NOT NULL,
	measured_temperature REAL NOT NULL,
	set_temperature      REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS readings_cycle ON readings(cycle_id, timestamp);
`

var _ oven.CycleStore = (*Store)(nil)

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) OpenCycle(ctx context.Context, start time.Time) (string, error) {
	id := xid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (id, start_time) VALUES (?, ?)`, id, start.UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert cycle: %w", err)
	}
	return id, nil
}

func (s *Store) CloseCycle(ctx context.Context, id string, end time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET end_time = ? WHERE id = ? AND end_time IS NULL`, end.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("close cycle: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownCycle, id)
	}
	return nil
}

func (s *Store) AppendReading(ctx context.Context, r oven.Reading) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (cycle_id, timestamp, measured_temperature, set_temperature) VALUES (?, ?, ?, ?)`,
		r.CycleID, r.Timestamp.UnixNano(), r.Measured, r.Setpoint)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Prune keeps the keep most recently ended cycles; readings of deleted cycles
// go with them. Open cycles are never removed.
func (s *Store) Prune(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM cycles
WHERE end_time IS NOT NULL
  AND id NOT IN (
	SELECT id FROM cycles
	WHERE end_time IS NOT NULL
	ORDER BY end_time DESC, rowid DESC
	LIMIT ?
  )`, max(keep, 0))
	if err != nil {
		return fmt.Errorf("prune cycles: %w", err)
	}
	return nil
}

// ListCycles returns cycles newest first.
func (s *Store) ListCycles(ctx context.Context) ([]oven.Cycle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, start_time, end_time FROM cycles ORDER BY start_time DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []oven.Cycle
	for rows.Next() {
		var (
			c     oven.Cycle
			start int64
			end   sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &start, &end); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.Start = time.Unix(0, start)
		if end.Valid {
			t := time.Unix(0, end.Int64)
			c.End = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Readings(ctx context.Context, cycleID string) ([]oven.Reading, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycles WHERE id = ?`, cycleID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("lookup cycle: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCycle, cycleID)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT timestamp, measured_temperature, set_temperature
FROM readings WHERE cycle_id = ? ORDER BY timestamp, id`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	defer rows.Close()

	var out []oven.Reading
	for rows.Next() {
		r := oven.Reading{CycleID: cycleID}
		var ts int64
		if err := rows.Scan(&ts, &r.Measured, &r.Setpoint); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Timestamp = time.Unix(0, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReadingCount is the total number of stored readings.
func (s *Store) ReadingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n)
	return n, err
}
