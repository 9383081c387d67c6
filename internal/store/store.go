package store

import (
	"context"
	"errors"
	"time"

	"duetrack/internal/domain"
)

var (
	ErrConflict = errors.New("task was modified concurrently")
	ErrNoUser   = errors.New("user not found")
)

// UpdateFunc mutates t in place and reports whether anything changed.
// Returning an error aborts the update without writing.
type UpdateFunc func(t *domain.Task) (bool, error)

// TaskStore persists tasks. Update is an atomic read-modify-write of a single
// task; there are no cross-task transactions.
type TaskStore interface {
	Create(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, ownerID string, q Query) ([]domain.Task, error)
	CountByStatus(ctx context.Context, ownerID string) (domain.StatusCounts, error)
	// DueBetween returns tasks of every owner with from <= deadline < to.
	DueBetween(ctx context.Context, from, to time.Time, statuses []domain.Status) ([]domain.Task, error)
	// PastDeadline returns up to limit tasks whose deadline is at or before now.
	PastDeadline(ctx context.Context, now time.Time, statuses []domain.Status, limit int) ([]domain.Task, error)
}

// Directory resolves where to reach an owner. Accounts live elsewhere; this
// is a read view plus an upsert used for seeding.
type Directory interface {
	Email(ctx context.Context, ownerID string) (string, error)
	PutUser(ctx context.Context, ownerID, email string) error
}
