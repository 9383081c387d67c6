package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"duetrack/internal/clock"
	"duetrack/internal/queue"
)

// Service arms one delay queue entry per due tick of each recurring entry.
// Several processes may run it against one store; the compare-and-set on the
// next run time lets exactly one of them arm a given tick.
type Service struct {
	store    queue.Store
	clock    clock.Clock
	interval time.Duration
}

func NewService(store queue.Store, checkInterval time.Duration, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{store: store, clock: clk, interval: checkInterval}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("recurring schedule service started")

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce arms every recurring entry due at the current clock time and
// returns how many occurrences it armed.
func (s *Service) RunOnce(ctx context.Context) int {
	now := s.clock.Now()
	due, err := s.store.DueRecurring(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due recurring entries")
		return 0
	}

	armed := 0
	for _, r := range due {
		ok, err := s.arm(ctx, r, now)
		if err != nil {
			log.Error().Err(err).Str("recurring", r.Name).Msg("failed to arm recurring entry")
			continue
		}
		if ok {
			armed++
		}
	}
	return armed
}

func (s *Service) arm(ctx context.Context, r queue.Recurring, now time.Time) (bool, error) {
	nextRun, err := queue.NextRunTime(r.CronExpr, now)
	if err != nil {
		return false, err
	}

	won, err := s.store.AdvanceRecurring(ctx, r.Name, r.NextRun, now, nextRun)
	if err != nil || !won {
		return false, err
	}

	key := queue.OccurrenceKey(r.Name, r.NextRun)
	err = s.store.Insert(ctx, queue.Entry{
		Queue:     r.Queue,
		Key:       key,
		Payload:   r.Payload,
		FireAt:    now,
		CreatedAt: now,
	})
	if errors.Is(err, queue.ErrDuplicateKey) {
		log.Info().Str("recurring", r.Name).Str("key", key).Msg("occurrence already armed")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	log.Info().
		Str("recurring", r.Name).
		Str("queue", r.Queue).
		Str("key", key).
		Time("next_run", nextRun).
		Msg("recurring occurrence armed")
	return true, nil
}
