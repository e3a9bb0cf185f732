package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"stampline/internal/domain"
	"stampline/internal/repo"
)

// Runner advances sets on a fixed pool of workers. A set is advanced by at
// most one worker at a time; enqueueing a set that is queued or running is
// coalesced into one extra pass.
type Runner struct {
	orch    *Orchestrator
	workers int
	logger  zerolog.Logger

	mu       sync.Mutex
	queue    []string
	queued   map[string]bool
	inflight map[string]context.CancelFunc
	again    map[string]bool
	wake     chan struct{}
	wg       sync.WaitGroup
	started  bool
}

func NewRunner(o *Orchestrator, workers int, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		orch:     o,
		workers:  workers,
		logger:   logger,
		queued:   map[string]bool{},
		inflight: map[string]context.CancelFunc{},
		again:    map[string]bool{},
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the workers. They exit when ctx is done; Wait blocks until then.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work(ctx)
	}
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) Enqueue(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.inflight[id]; running {
		r.again[id] = true
		return
	}
	if r.queued[id] {
		return
	}
	r.queued[id] = true
	r.queue = append(r.queue, id)
	r.signal()
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	id := r.queue[0]
	r.queue = r.queue[1:]
	delete(r.queued, id)
	r.inflight[id] = func() {}
	if len(r.queue) > 0 {
		r.signal()
	}
	return id, true
}

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()
	for {
		id, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}
		r.run(ctx, id)
	}
}

func (r *Runner) run(parent context.Context, id string) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.inflight[id] = cancel
	r.mu.Unlock()

	s, err := r.orch.Advance(ctx, id)
	cancel()

	r.mu.Lock()
	delete(r.inflight, id)
	rerun := r.again[id]
	delete(r.again, id)
	r.mu.Unlock()

	log := r.logger.With().Str("set_id", id).Logger()
	switch {
	case err == nil:
		log.Debug().Str("stage", string(s.Stage)).Msg("advance finished")
	case errors.Is(err, context.Canceled):
		log.Debug().Msg("advance interrupted")
	default:
		log.Error().Err(err).Str("stage", string(s.Stage)).Msg("advance failed")
	}
	if rerun && parent.Err() == nil {
		r.Enqueue(id)
	}
}

// Cancel marks the set cancelled and interrupts any in-flight advancement.
// Gateway results that arrive afterwards are discarded by the store.
func (r *Runner) Cancel(ctx context.Context, id string) (domain.StampSet, error) {
	s, err := r.orch.Cancel(ctx, id)
	if err != nil {
		return s, err
	}
	r.mu.Lock()
	if cancel, ok := r.inflight[id]; ok {
		cancel()
	}
	delete(r.again, id)
	r.mu.Unlock()
	return s, nil
}

// Resume enqueues every non-terminal set that is not parked at a checkpoint.
// It is the recovery scan run at startup.
func (r *Runner) Resume(ctx context.Context) (int, error) {
	sets, err := r.orch.Repo.List(ctx, repo.Filter{Active: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sets {
		if r.orch.parked(s) {
			continue
		}
		r.Enqueue(s.ID)
		n++
	}
	if n > 0 {
		r.logger.Info().Int("sets", n).Msg("resuming interrupted sets")
	}
	return n, nil
}

// Idle reports whether nothing is queued or running.
func (r *Runner) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) == 0 && len(r.inflight) == 0
}
