package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"duetrack/internal/domain"
)

// LogNotifier writes the digest to the log instead of sending it. Used in
// development when no mail or webhook transport is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ownerID string, tasks []domain.TaskSummary) error {
	log.Info().Str("owner_id", ownerID).Str("subject", DigestSubject).Int("tasks", len(tasks)).
		Msg(RenderDigest(tasks))
	return nil
}
