package digest

import (
	"context"
	"encoding/json"

	"duetrack/internal/notify"
)

type Runner interface {
	Run(ctx context.Context) ([]notify.Result, error)
}

// Digest handles entries of notify.DigestQueue. Per-owner delivery failures
// are already logged by the runner and do not fail the entry.
type Digest struct {
	Job Runner
}

func (h Digest) Handle(ctx context.Context, _ json.RawMessage) error {
	_, err := h.Job.Run(ctx)
	return err
}
