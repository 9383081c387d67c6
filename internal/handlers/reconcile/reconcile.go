package reconcile

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Queue carries one entry per RECONCILE_CRON tick.
const Queue = "task-reconcile"

type Sweeper interface {
	Reconcile(ctx context.Context) (int, error)
}

// Reconcile runs one sweep per occurrence. The payload is ignored.
type Reconcile struct {
	Tasks Sweeper
}

func (h Reconcile) Handle(ctx context.Context, _ json.RawMessage) error {
	n, err := h.Tasks.Reconcile(ctx)
	if err != nil {
		return err
	}
	log.Debug().Int("repaired", n).Msg("reconcile occurrence handled")
	return nil
}
