package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// EnsureSchema creates the delay queue tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS delay_entries (
  queue TEXT NOT NULL,
  key TEXT NOT NULL,
  payload BLOB,
  fire_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (queue, key)
);
CREATE INDEX IF NOT EXISTS idx_delay_entries_fire ON delay_entries(fire_at);
CREATE TABLE IF NOT EXISTS recurring_entries (
  name TEXT PRIMARY KEY,
  queue TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  payload BLOB,
  last_run INTEGER,
  next_run INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recurring_next_run ON recurring_entries(next_run);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

// NewSQLiteStore keeps entries in SQLite. Claims run in a serializable
// transaction, so several pools may share one database file.
func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delay_entries (queue,key,payload,fire_at,created_at) VALUES (?,?,?,?,?)`,
		e.Queue, e.Key, e.Payload, e.FireAt.UnixMilli(), e.CreatedAt.UnixMilli())
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, queue, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM delay_entries WHERE queue=? AND key=?`, queue, key)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, queue, key string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT queue,key,payload,fire_at,created_at FROM delay_entries WHERE queue=? AND key=?`, queue, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) Claim(ctx context.Context, queues []string, now time.Time) (Entry, error) {
	if len(queues) == 0 {
		return Entry{}, ErrEmpty
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Entry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	args := make([]any, 0, len(queues)+1)
	args = append(args, now.UnixMilli())
	for _, q := range queues {
		args = append(args, q)
	}
	row := tx.QueryRowContext(ctx, `
SELECT queue,key,payload,fire_at,created_at
FROM delay_entries
WHERE fire_at <= ? AND queue IN (`+placeholders(len(queues))+`)
ORDER BY fire_at ASC, created_at ASC
LIMIT 1`, args...)
	var e Entry
	e, err = scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return Entry{}, errors.Join(ErrEmpty, tx.Rollback())
	}
	if err != nil {
		return Entry{}, err
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx, `DELETE FROM delay_entries WHERE queue=? AND key=?`, e.Queue, e.Key)
	if err != nil {
		return Entry{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrEmpty
		return Entry{}, err
	}
	if err = tx.Commit(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *sqliteStore) UpsertRecurring(ctx context.Context, r Recurring) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO recurring_entries (name,queue,cron_expr,payload,last_run,next_run,updated_at)
VALUES (?,?,?,?,NULL,?,?)
ON CONFLICT(name) DO UPDATE SET
  queue=excluded.queue,
  cron_expr=excluded.cron_expr,
  payload=excluded.payload,
  next_run=CASE WHEN recurring_entries.cron_expr=excluded.cron_expr
    THEN recurring_entries.next_run ELSE excluded.next_run END,
  updated_at=excluded.updated_at`,
		r.Name, r.Queue, r.CronExpr, r.Payload, r.NextRun.UnixMilli(), time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) ListRecurring(ctx context.Context) ([]Recurring, error) {
	return s.queryRecurring(ctx, `
SELECT name,queue,cron_expr,payload,last_run,next_run FROM recurring_entries ORDER BY name`)
}

func (s *sqliteStore) DueRecurring(ctx context.Context, now time.Time) ([]Recurring, error) {
	return s.queryRecurring(ctx, `
SELECT name,queue,cron_expr,payload,last_run,next_run FROM recurring_entries
WHERE next_run <= ? ORDER BY next_run`, now.UnixMilli())
}

func (s *sqliteStore) AdvanceRecurring(ctx context.Context, name string, prevNext, lastRun, nextRun time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE recurring_entries SET last_run=?, next_run=?, updated_at=?
WHERE name=? AND next_run=?`,
		lastRun.UnixMilli(), nextRun.UnixMilli(), time.Now().UnixMilli(), name, prevNext.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) queryRecurring(ctx context.Context, query string, args ...any) ([]Recurring, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recurring
	for rows.Next() {
		var r Recurring
		var lastRun sql.NullInt64
		var nextRun int64
		if err := rows.Scan(&r.Name, &r.Queue, &r.CronExpr, &r.Payload, &lastRun, &nextRun); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t := time.UnixMilli(lastRun.Int64).UTC()
			r.LastRun = &t
		}
		r.NextRun = time.UnixMilli(nextRun).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var fireAt, createdAt int64
	if err := row.Scan(&e.Queue, &e.Key, &e.Payload, &fireAt, &createdAt); err != nil {
		return Entry{}, err
	}
	e.FireAt = time.UnixMilli(fireAt).UTC()
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
