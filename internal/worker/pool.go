package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"duetrack/internal/clock"
	"duetrack/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

// Pool drains due delay queue entries. An entry is removed from the store when
// it is claimed, so a failing or timed out handler is logged and never retried.
type Pool struct {
	store     queue.Store
	handlers  map[string]Handler
	queues    []string
	clock     clock.Clock
	sem       chan struct{}
	wg        sync.WaitGroup
	pollEvery time.Duration
	timeout   time.Duration

	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool builds a pool for the queues named in handlers. timeout bounds each
// handler call; zero disables the bound.
func NewPool(store queue.Store, handlers map[string]Handler, size int, pollEvery, timeout time.Duration, clk clock.Clock) *Pool {
	if size <= 0 {
		size = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	queues := make([]string, 0, len(handlers))
	for name := range handlers {
		queues = append(queues, name)
	}
	sort.Strings(queues)
	return &Pool{
		store:     store,
		handlers:  handlers,
		queues:    queues,
		clock:     clk,
		sem:       make(chan struct{}, size),
		pollEvery: pollEvery,
		timeout:   timeout,
	}
}

// Run polls until ctx is cancelled, then waits for in-flight handlers.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()

	log.Info().Strs("queues", p.queues).Int("workers", cap(p.sem)).Dur("poll", p.pollEvery).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.drain(ctx)
		}
	}
}

// RunOnce claims everything due now, runs it and waits for the handlers.
func (p *Pool) RunOnce(ctx context.Context) int {
	n := p.drain(ctx)
	p.wg.Wait()
	return n
}

func (p *Pool) drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		e, err := p.store.Claim(ctx, p.queues, p.clock.Now())
		if errors.Is(err, queue.ErrEmpty) {
			return n
		}
		if err != nil {
			log.Error().Err(err).Msg("claim delay entry")
			return n
		}
		n++
		p.sem <- struct{}{}
		p.wg.Add(1)
		go func(e queue.Entry) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.dispatch(ctx, e)
		}(e)
	}
	return n
}

func (p *Pool) dispatch(ctx context.Context, e queue.Entry) {
	logger := log.With().Str("queue", e.Queue).Str("key", e.Key).Logger()
	h, ok := p.handlers[e.Queue]
	if !ok {
		p.failed.Add(1)
		logger.Error().Msg("no handler for queue, entry dropped")
		return
	}

	c := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		c, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := safeHandle(c, h, e.Payload); err != nil {
		p.failed.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Error().Err(err).Dur("timeout", p.timeout).Msg("handler timed out, entry dropped")
			return
		}
		logger.Error().Err(err).Msg("handler failed, entry dropped")
		return
	}
	p.processed.Add(1)
	logger.Debug().Time("fire_at", e.FireAt).Msg("entry handled")
}

// safeHandle returns when the handler does or when ctx expires, whichever is
// first. A handler ignoring ctx keeps running in the background.
func safeHandle(ctx context.Context, h Handler, payload []byte) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h.Handle(ctx, payload)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Processed and Failed count handler outcomes since start.
func (p *Pool) Processed() int64 { return p.processed.Load() }
func (p *Pool) Failed() int64    { return p.failed.Load() }
