package domain

import "time"

type Status string

const (
	StatusNew            Status = "NEW"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusCompleted      Status = "COMPLETED"
	StatusLateCompletion Status = "LATE_COMPLETION"
	StatusOverdue        Status = "OVERDUE"
)

// MinLead is the smallest allowed gap between now and a deadline being written.
const MinLead = time.Minute

// MaxTitleLength bounds Task.Title in characters.
const MaxTitleLength = 40

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusCompleted, StatusLateCompletion, StatusOverdue:
		return true
	}
	return false
}

// Done reports whether the task has been completed, on time or late.
// No deadline entry may be pending for a done task.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusLateCompletion
}

// Pending reports whether a deadline firing would move the task to OVERDUE.
func (s Status) Pending() bool {
	return s == StatusNew || s == StatusInProgress
}

type Task struct {
	ID          string     `json:"id" bson:"_id"`
	OwnerID     string     `json:"owner_id" bson:"owner_id"`
	Title       string     `json:"title" bson:"title"`
	Description string     `json:"description,omitempty" bson:"description,omitempty"`
	Status      Status     `json:"status" bson:"status"`
	Deadline    time.Time  `json:"deadline" bson:"deadline"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at" bson:"updated_at"`
	Version     int64      `json:"-" bson:"version"`
}

// TaskSummary is what the digest tells an owner about one task.
type TaskSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Deadline    time.Time `json:"deadline"`
}

func (t Task) Summary() TaskSummary {
	return TaskSummary{ID: t.ID, Title: t.Title, Description: t.Description, Deadline: t.Deadline}
}

// StatusCounts is the per-owner aggregate served by the stats endpoint.
type StatusCounts map[Status]int
