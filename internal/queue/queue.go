package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"duetrack/internal/clock"
)

var (
	ErrEmpty        = errors.New("no entries ready")
	ErrDuplicateKey = errors.New("an entry with this key is already pending")
	ErrInvalidCron  = errors.New("invalid cron expression")
	ErrEmptyKey     = errors.New("entry key is required")
)

// Entry is a durable request to run the handler of Queue once at or after FireAt.
// (Queue, Key) is unique among pending entries.
type Entry struct {
	Queue     string
	Key       string
	Payload   []byte
	FireAt    time.Time
	CreatedAt time.Time
}

// Recurring is a standing entry that arms one occurrence per cron tick.
type Recurring struct {
	Name     string
	Queue    string
	CronExpr string
	Payload  []byte
	LastRun  *time.Time
	NextRun  time.Time
}

type Store interface {
	// Insert persists e or fails with ErrDuplicateKey.
	Insert(ctx context.Context, e Entry) error
	// Delete removes the entry if present. Missing entries are not an error.
	Delete(ctx context.Context, queue, key string) error
	Get(ctx context.Context, queue, key string) (Entry, bool, error)
	// Claim atomically removes and returns the earliest entry due at now from
	// any of queues. Returns ErrEmpty when nothing is due.
	Claim(ctx context.Context, queues []string, now time.Time) (Entry, error)

	UpsertRecurring(ctx context.Context, r Recurring) error
	ListRecurring(ctx context.Context) ([]Recurring, error)
	DueRecurring(ctx context.Context, now time.Time) ([]Recurring, error)
	// AdvanceRecurring moves NextRun from prevNext to nextRun. It reports false
	// when another process advanced the entry first.
	AdvanceRecurring(ctx context.Context, name string, prevNext, lastRun, nextRun time.Time) (bool, error)
}

// Queue is one named delay queue on top of a shared Store.
type Queue struct {
	name  string
	store Store
	clock clock.Clock
}

func New(name string, store Store, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{name: name, store: store, clock: clk}
}

func (q *Queue) Name() string { return q.name }

// Schedule persists an entry firing delay from now. The caller must Cancel
// an existing entry for key first; otherwise ErrDuplicateKey is returned.
func (q *Queue) Schedule(ctx context.Context, key string, delay time.Duration, payload []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if delay < 0 {
		delay = 0
	}
	now := q.clock.Now()
	err := q.store.Insert(ctx, Entry{
		Queue:     q.name,
		Key:       key,
		Payload:   payload,
		FireAt:    now.Add(delay),
		CreatedAt: now,
	})
	if err != nil && !errors.Is(err, ErrDuplicateKey) {
		return fmt.Errorf("schedule %s/%s: %w", q.name, key, err)
	}
	return err
}

// Cancel removes the pending entry for key, if any.
func (q *Queue) Cancel(ctx context.Context, key string) error {
	if err := q.store.Delete(ctx, q.name, key); err != nil {
		return fmt.Errorf("cancel %s/%s: %w", q.name, key, err)
	}
	return nil
}

func (q *Queue) Pending(ctx context.Context, key string) (Entry, bool, error) {
	return q.store.Get(ctx, q.name, key)
}

// ScheduleRecurring registers (or replaces) the standing entry called name.
// Each cron tick arms one occurrence on this queue via the scheduler service.
// Re-registering with an unchanged cron expression keeps the pending run, so a
// tick missed while the process was down still fires after a restart.
func (q *Queue) ScheduleRecurring(ctx context.Context, name, cronExpr string, payload []byte) error {
	next, err := NextRunTime(cronExpr, q.clock.Now())
	if err != nil {
		return err
	}
	return q.store.UpsertRecurring(ctx, Recurring{
		Name:     name,
		Queue:    q.name,
		CronExpr: cronExpr,
		Payload:  payload,
		NextRun:  next,
	})
}

// ValidateCronExpression validates a standard five-field cron expression.
func ValidateCronExpression(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return errors.Join(ErrInvalidCron, err)
	}
	return nil
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, errors.Join(ErrInvalidCron, err)
	}
	return schedule.Next(from).UTC(), nil
}

// OccurrenceKey names the one-shot entry armed for a recurring entry's run.
func OccurrenceKey(name string, at time.Time) string {
	return fmt.Sprintf("%s@%d", name, at.Unix())
}
