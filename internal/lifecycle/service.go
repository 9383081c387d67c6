package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"duetrack/internal/clock"
	"duetrack/internal/domain"
	"duetrack/internal/queue"
	"duetrack/internal/store"
)

// DeadlineQueue is the delay queue holding one entry per pending task,
// keyed by task id.
const DeadlineQueue = "task-deadline"

// reconcileBatch bounds how many overdue tasks one sweep repairs.
const reconcileBatch = 500

// DeadlinePayload is the body of a deadline entry.
type DeadlinePayload struct {
	TaskID string `json:"task_id"`
}

// Scheduler is the part of a delay queue the lifecycle drives.
type Scheduler interface {
	Schedule(ctx context.Context, key string, delay time.Duration, payload []byte) error
	Cancel(ctx context.Context, key string) error
	Pending(ctx context.Context, key string) (queue.Entry, bool, error)
}

// Invalidator drops every cached read of one owner.
type Invalidator interface {
	Invalidate(ctx context.Context, ownerID string) error
}

// NewTask is the input for Create.
type NewTask struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Deadline    time.Time `json:"deadline"`
}

// Patch holds the fields an owner may edit. Nil fields are left alone.
type Patch struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Deadline    *time.Time `json:"deadline"`
}

// Service orchestrates task writes: it persists the state Transition computes
// and then applies the resulting queue and cache effects. Queue and cache
// failures are logged and never fail the write.
type Service struct {
	tasks store.TaskStore
	queue Scheduler
	cache Invalidator
	clock clock.Clock
}

func NewService(tasks store.TaskStore, q Scheduler, cache Invalidator, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{tasks: tasks, queue: q, cache: cache, clock: clk}
}

func (s *Service) Create(ctx context.Context, ownerID string, in NewTask) (domain.Task, error) {
	now := s.clock.Now()
	t, eff, err := Transition(nil, &domain.Task{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Title:       in.Title,
		Description: in.Description,
		Deadline:    in.Deadline.UTC().Truncate(time.Millisecond),
	}, now)
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.tasks.Create(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.apply(ctx, t, eff)
	return t, nil
}

// Get returns the task if ownerID owns it. Someone else's task reads as not found.
func (s *Service) Get(ctx context.Context, ownerID, id string) (domain.Task, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.OwnerID != ownerID {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, ownerID string, q store.Query) ([]domain.Task, error) {
	return s.tasks.List(ctx, ownerID, q)
}

func (s *Service) Stats(ctx context.Context, ownerID string) (domain.StatusCounts, error) {
	return s.tasks.CountByStatus(ctx, ownerID)
}

func (s *Service) Update(ctx context.Context, ownerID, id string, p Patch) (domain.Task, error) {
	return s.mutate(ctx, ownerID, id, func(next *domain.Task) error {
		if p.Title != nil {
			next.Title = *p.Title
		}
		if p.Description != nil {
			next.Description = *p.Description
		}
		if p.Deadline != nil {
			next.Deadline = p.Deadline.UTC().Truncate(time.Millisecond)
		}
		return nil
	})
}

func (s *Service) Start(ctx context.Context, ownerID, id string) (domain.Task, error) {
	return s.mutate(ctx, ownerID, id, func(next *domain.Task) error {
		next.Status = domain.StatusInProgress
		return nil
	})
}

// Complete marks the task done, COMPLETED or LATE_COMPLETION depending on
// whether the deadline has passed, and cancels its deadline entry. A task
// that is already done cannot be completed again.
func (s *Service) Complete(ctx context.Context, ownerID, id string) (domain.Task, error) {
	return s.mutate(ctx, ownerID, id, func(next *domain.Task) error {
		if next.Status.Done() {
			return domain.NewValidationError("status", "task is already completed")
		}
		next.Status = domain.StatusCompleted
		return nil
	})
}

func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	t, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	_, eff, err := Transition(&t, nil, s.clock.Now())
	if err != nil {
		return err
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		return err
	}
	s.apply(ctx, t, eff)
	return nil
}

// HandleDeadline moves a pending task whose deadline has passed to OVERDUE.
// Firings for missing, finished or rescheduled tasks are dropped without error.
func (s *Service) HandleDeadline(ctx context.Context, taskID string) error {
	now := s.clock.Now()
	var eff Effects
	t, err := s.tasks.Update(ctx, taskID, func(cur *domain.Task) (bool, error) {
		next := *cur
		next.Status = domain.StatusOverdue
		out, e, err := Transition(cur, &next, now)
		if err != nil {
			return false, err
		}
		eff = e
		*cur = out
		return e.Changed, nil
	})
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, ErrStaleFiring):
		log.Info().Str("task_id", taskID).Err(err).Msg("stale deadline firing dropped")
		return nil
	case err != nil:
		return err
	}
	log.Info().Str("task_id", t.ID).Str("owner_id", t.OwnerID).Time("deadline", t.Deadline).Msg("task overdue")
	s.apply(ctx, t, eff)
	return nil
}

// Reconcile marks pending tasks whose deadline passed with no entry left to
// fire as OVERDUE. It repairs firings lost between claim and handling.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	now := s.clock.Now()
	tasks, err := s.tasks.PastDeadline(ctx, now, []domain.Status{domain.StatusNew, domain.StatusInProgress}, reconcileBatch)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, t := range tasks {
		if _, ok, err := s.queue.Pending(ctx, t.ID); err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("reconcile: could not read deadline entry")
			continue
		} else if ok {
			continue
		}
		if err := s.HandleDeadline(ctx, t.ID); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("reconcile: failed to mark task overdue")
			continue
		}
		repaired++
	}
	if repaired > 0 {
		log.Info().Int("repaired", repaired).Msg("reconcile sweep marked tasks overdue")
	}
	return repaired, nil
}

func (s *Service) mutate(ctx context.Context, ownerID, id string, edit func(next *domain.Task) error) (domain.Task, error) {
	now := s.clock.Now()
	var eff Effects
	t, err := s.tasks.Update(ctx, id, func(cur *domain.Task) (bool, error) {
		if cur.OwnerID != ownerID {
			return false, domain.ErrNotFound
		}
		next := *cur
		if err := edit(&next); err != nil {
			return false, err
		}
		out, e, err := Transition(cur, &next, now)
		if err != nil {
			return false, err
		}
		eff = e
		*cur = out
		return e.Changed, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	s.apply(ctx, t, eff)
	return t, nil
}

// apply runs the effects of a committed transition in order: cancel, then
// schedule, then invalidate.
func (s *Service) apply(ctx context.Context, t domain.Task, eff Effects) {
	if eff.Cancel {
		if err := s.queue.Cancel(ctx, t.ID); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to cancel deadline entry")
		}
	}
	if eff.ScheduleAt != nil {
		s.schedule(ctx, t, *eff.ScheduleAt)
	}
	if eff.Invalidate {
		if err := s.cache.Invalidate(ctx, t.OwnerID); err != nil {
			log.Error().Err(err).Str("owner_id", t.OwnerID).Msg("failed to invalidate cached reads")
		}
	}
}

func (s *Service) schedule(ctx context.Context, t domain.Task, at time.Time) {
	payload, err := json.Marshal(DeadlinePayload{TaskID: t.ID})
	if err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to encode deadline payload")
		return
	}
	err = s.queue.Schedule(ctx, t.ID, at.Sub(s.clock.Now()), payload)
	switch {
	case errors.Is(err, queue.ErrDuplicateKey):
		// Only reachable when two writes to one task interleave between
		// commit and cancel. Rebuild the entry from what is stored now.
		log.Error().Str("task_id", t.ID).Msg("deadline entry already pending, resyncing")
		s.resync(ctx, t.ID, payload)
	case err != nil:
		log.Error().Err(err).Str("task_id", t.ID).Time("deadline", at).Msg("failed to schedule deadline entry")
	}
}

func (s *Service) resync(ctx context.Context, id string, payload []byte) {
	cur, getErr := s.tasks.Get(ctx, id)
	if getErr != nil && !errors.Is(getErr, domain.ErrNotFound) {
		log.Error().Err(getErr).Str("task_id", id).Msg("resync: failed to read task")
		return
	}
	if err := s.queue.Cancel(ctx, id); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("resync: failed to cancel deadline entry")
		return
	}
	if getErr != nil || !cur.Status.Pending() {
		return
	}
	if err := s.queue.Schedule(ctx, id, cur.Deadline.Sub(s.clock.Now()), payload); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("resync: failed to schedule deadline entry")
	}
}
