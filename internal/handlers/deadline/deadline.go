package deadline

import (
	"context"
	"encoding/json"
	"fmt"

	"duetrack/internal/lifecycle"
)

// Marker applies a fired deadline to a task.
type Marker interface {
	HandleDeadline(ctx context.Context, taskID string) error
}

// Deadline handles entries of the lifecycle.DeadlineQueue.
type Deadline struct {
	Tasks Marker
}

func (h Deadline) Handle(ctx context.Context, payload json.RawMessage) error {
	var p lifecycle.DeadlinePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid deadline payload: %w", err)
	}
	if p.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	return h.Tasks.HandleDeadline(ctx, p.TaskID)
}
