package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"duetrack/internal/domain"
)

// EnsureSchema creates the task and user tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  title TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('NEW','IN_PROGRESS','COMPLETED','LATE_COMPLETION','OVERDUE')) DEFAULT 'NEW',
  deadline INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  completed_at INTEGER,
  updated_at INTEGER NOT NULL,
  version INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status_deadline ON tasks(status, deadline);
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

const taskColumns = `id,owner_id,title,description,status,deadline,created_at,completed_at,updated_at,version`

type SQLiteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

func (s *SQLiteStore) Create(ctx context.Context, t domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Title, t.Description, string(t.Status),
		t.Deadline.UnixMilli(), t.CreatedAt.UnixMilli(), nullMillis(t.CompletedAt), t.UpdatedAt.UnixMilli(), t.Version)
	return mapSQLiteErr(err)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn UpdateFunc) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}

	changed, err := fn(&t)
	if err != nil {
		return domain.Task{}, err
	}
	if !changed {
		return t, nil
	}

	prev := t.Version
	t.Version++
	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET title=?,description=?,status=?,deadline=?,completed_at=?,updated_at=?,version=?
WHERE id=? AND version=?`,
		t.Title, t.Description, string(t.Status), t.Deadline.UnixMilli(), nullMillis(t.CompletedAt),
		t.UpdatedAt.UnixMilli(), t.Version, t.ID, prev)
	if err != nil {
		return domain.Task{}, mapSQLiteErr(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Task{}, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, ownerID string, q Query) ([]domain.Task, error) {
	where := []string{"owner_id = ?"}
	args := []any{ownerID}
	if len(q.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(q.Statuses))+")")
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	for _, c := range []struct {
		op string
		t  *time.Time
	}{{">", q.DeadlineGT}, {">=", q.DeadlineGTE}, {"<", q.DeadlineLT}, {"<=", q.DeadlineLTE}} {
		if c.t != nil {
			where = append(where, "deadline "+c.op+" ?")
			args = append(args, c.t.UnixMilli())
		}
	}

	order := make([]string, 0, len(q.Sort)+1)
	for _, f := range q.Sort {
		dir := "ASC"
		if f.Desc {
			dir = "DESC"
		}
		// Column names come from the sortColumns whitelist.
		order = append(order, f.Column+" "+dir)
	}
	order = append(order, "id ASC")

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	page := max(q.Page, 1)
	args = append(args, limit, (page-1)*limit)

	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+strings.Join(where, " AND ")+
		` ORDER BY `+strings.Join(order, ", ")+` LIMIT ? OFFSET ?`, args...)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, ownerID string) (domain.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE owner_id=? GROUP BY status`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := domain.StatusCounts{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(st)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) DueBetween(ctx context.Context, from, to time.Time, statuses []domain.Status) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return []domain.Task{}, nil
	}
	args := []any{from.UnixMilli(), to.UnixMilli()}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE deadline >= ? AND deadline < ? AND status IN (`+placeholders(len(statuses))+`)
ORDER BY owner_id, deadline`, args...)
}

func (s *SQLiteStore) PastDeadline(ctx context.Context, now time.Time, statuses []domain.Status, limit int) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return []domain.Task{}, nil
	}
	args := []any{now.UnixMilli()}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, limit)
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE deadline <= ? AND status IN (`+placeholders(len(statuses))+`)
ORDER BY deadline LIMIT ?`, args...)
}

func (s *SQLiteStore) Email(ctx context.Context, ownerID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id=?`, ownerID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoUser
	}
	return email, err
}

func (s *SQLiteStore) PutUser(ctx context.Context, ownerID, email string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id,email) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET email=excluded.email`, ownerID, email)
	return err
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status string
	var deadline, createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &status,
		&deadline, &createdAt, &completedAt, &updatedAt, &t.Version); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.Deadline = time.UnixMilli(deadline).UTC()
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if completedAt.Valid {
		c := time.UnixMilli(completedAt.Int64).UTC()
		t.CompletedAt = &c
	}
	return t, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func mapSQLiteErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.title") {
		return domain.ErrDuplicateTitle
	}
	return err
}
