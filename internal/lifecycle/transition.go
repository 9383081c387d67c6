package lifecycle

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"duetrack/internal/domain"
)

// ErrStaleFiring marks a deadline firing for a task that already left the
// state the entry was armed for. Callers treat it as a no-op.
var ErrStaleFiring = errors.New("stale deadline firing")

// Effects are the side effects a committed transition requires, in the order
// they must run: Cancel before ScheduleAt, then Invalidate.
type Effects struct {
	Changed    bool
	Cancel     bool
	ScheduleAt *time.Time
	Invalidate bool
}

// Transition is the task state machine. prev == nil is a create, next == nil
// a delete; otherwise next carries the requested status and fields. It
// returns the task to persist and the queue and cache effects to apply after
// the write commits. It performs no I/O.
func Transition(prev, next *domain.Task, now time.Time) (domain.Task, Effects, error) {
	switch {
	case prev == nil && next == nil:
		return domain.Task{}, Effects{}, errors.New("transition needs a previous or next task")
	case prev == nil:
		return create(*next, now)
	case next == nil:
		return *prev, Effects{Changed: true, Cancel: true, Invalidate: true}, nil
	}

	out := *prev
	var eff Effects

	if next.Title != prev.Title {
		if err := validateTitle(next.Title); err != nil {
			return *prev, Effects{}, err
		}
		out.Title = next.Title
		eff.Changed = true
	}
	if next.Description != prev.Description {
		out.Description = next.Description
		eff.Changed = true
	}

	deadlineChanged := !next.Deadline.Equal(prev.Deadline)
	statusChanged := next.Status != prev.Status
	if deadlineChanged && statusChanged {
		return *prev, Effects{}, domain.NewValidationError("status", "cannot change status and deadline together")
	}

	switch {
	case deadlineChanged:
		if err := editDeadline(&out, &eff, next.Deadline, now); err != nil {
			return *prev, Effects{}, err
		}
	case statusChanged:
		if err := changeStatus(&out, &eff, next.Status, now); err != nil {
			return *prev, Effects{}, err
		}
	}

	if eff.Changed {
		out.UpdatedAt = now
		eff.Invalidate = true
	}
	return out, eff, nil
}

func create(t domain.Task, now time.Time) (domain.Task, Effects, error) {
	if err := validateTitle(t.Title); err != nil {
		return domain.Task{}, Effects{}, err
	}
	if err := validateDeadline(t.Deadline, now); err != nil {
		return domain.Task{}, Effects{}, err
	}
	t.Status = domain.StatusNew
	t.CreatedAt = now
	t.UpdatedAt = now
	t.CompletedAt = nil
	t.Version = 0
	at := t.Deadline
	return t, Effects{Changed: true, ScheduleAt: &at, Invalidate: true}, nil
}

func editDeadline(out *domain.Task, eff *Effects, deadline, now time.Time) error {
	if out.Status == domain.StatusCompleted {
		return domain.NewValidationError("deadline", "cannot change the deadline of a completed task")
	}
	if err := validateDeadline(deadline, now); err != nil {
		return err
	}
	out.Deadline = deadline
	eff.Changed = true
	eff.Cancel = true

	switch out.Status {
	case domain.StatusLateCompletion:
		// The work was done; the new deadline makes it on time.
		out.Status = domain.StatusCompleted
	case domain.StatusOverdue:
		out.Status = domain.StatusInProgress
		eff.ScheduleAt = &deadline
	default:
		eff.ScheduleAt = &deadline
	}
	return nil
}

func changeStatus(out *domain.Task, eff *Effects, to domain.Status, now time.Time) error {
	from := out.Status
	switch to {
	case domain.StatusInProgress:
		if from != domain.StatusNew {
			return domain.NewValidationError("status", "only a NEW task can be started")
		}
		out.Status = domain.StatusInProgress

	case domain.StatusCompleted, domain.StatusLateCompletion:
		if from.Done() {
			return domain.NewValidationError("status", "task is already completed")
		}
		if now.After(out.Deadline) {
			out.Status = domain.StatusLateCompletion
		} else {
			out.Status = domain.StatusCompleted
		}
		completed := now
		out.CompletedAt = &completed
		eff.Cancel = true

	case domain.StatusOverdue:
		if !from.Pending() || now.Before(out.Deadline) {
			return ErrStaleFiring
		}
		out.Status = domain.StatusOverdue

	default:
		return domain.NewValidationError("status", "cannot move a task to "+string(to))
	}
	eff.Changed = true
	return nil
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return domain.NewValidationError("title", "a title for the task is required")
	}
	if utf8.RuneCountInString(title) > domain.MaxTitleLength {
		return domain.NewValidationError("title", "a title cannot be longer than 40 characters")
	}
	return nil
}

func validateDeadline(deadline, now time.Time) error {
	if deadline.IsZero() {
		return domain.NewValidationError("deadline", "a deadline for the task must be specified")
	}
	if !deadline.After(now.Add(domain.MinLead)) {
		return domain.NewValidationError("deadline", "must be at least one minute in the future")
	}
	return nil
}
