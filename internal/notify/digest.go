package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"duetrack/internal/clock"
	"duetrack/internal/domain"
)

// DigestQueue carries one entry per DIGEST_CRON tick.
const DigestQueue = "task-digest"

// DueLister finds tasks of every owner due in [from, to).
type DueLister interface {
	DueBetween(ctx context.Context, from, to time.Time, statuses []domain.Status) ([]domain.Task, error)
}

// Result is the delivery outcome for one owner.
type Result struct {
	OwnerID string
	Tasks   int
	Err     error
}

// Digest notifies every owner with NEW or IN_PROGRESS tasks due on the
// current UTC day. One owner's failure never stops the others.
type Digest struct {
	tasks       DueLister
	notifier    Notifier
	clock       clock.Clock
	concurrency int
}

func NewDigest(tasks DueLister, notifier Notifier, concurrency int, clk clock.Clock) *Digest {
	if concurrency <= 0 {
		concurrency = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Digest{tasks: tasks, notifier: notifier, clock: clk, concurrency: concurrency}
}

// Run returns one Result per owner, in the order owners were found. The
// error is only set when the due tasks could not be read.
func (d *Digest) Run(ctx context.Context) ([]Result, error) {
	now := d.clock.Now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	due, err := d.tasks.DueBetween(ctx, day, day.AddDate(0, 0, 1), []domain.Status{domain.StatusNew, domain.StatusInProgress})
	if err != nil {
		return nil, err
	}

	var owners []string
	byOwner := map[string][]domain.TaskSummary{}
	for _, t := range due {
		if _, ok := byOwner[t.OwnerID]; !ok {
			owners = append(owners, t.OwnerID)
		}
		byOwner[t.OwnerID] = append(byOwner[t.OwnerID], t.Summary())
	}

	results := make([]Result, len(owners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, owner := range owners {
		g.Go(func() error {
			tasks := byOwner[owner]
			err := d.notifier.Notify(gctx, owner, tasks)
			results[i] = Result{OwnerID: owner, Tasks: len(tasks), Err: err}
			if err != nil {
				log.Error().Err(err).Str("owner_id", owner).Int("tasks", len(tasks)).Msg("digest delivery failed")
			}
			// Failures are reported through results so the batch keeps going.
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info().Int("owners", len(owners)).Int("tasks", len(due)).Int("failed", failed).Time("day", day).Msg("digest sent")
	return results, nil
}
