// Package flush runs loads on a bounded worker pool.
//
// Ordering contract:
//   - at most one task per stream is in flight at any time
//   - tasks of one stream run in submission order
//   - tasks of different streams run in parallel, up to the pool size
//
// Completion callbacks run on the worker, before the next task of the same
// stream starts, so the callback sees completions of one stream in order.
package flush

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"singerwh/internal/loader"
	"singerwh/internal/metrics"
)

// DefaultMaxParallelism caps the automatic pool size.
const DefaultMaxParallelism = 16

// ErrSkipped is reported for tasks dropped because an earlier task of the same
// stream failed.
var ErrSkipped = errors.New("skipped after earlier failure of stream")

// Loader runs one task.
type Loader interface {
	Load(ctx context.Context, t loader.Task) (loader.Result, error)
}

// Completion is the outcome of one task.
type Completion struct {
	Task     loader.Task
	Result   loader.Result
	Err      error
	Duration time.Duration
}

// Options configures a Scheduler.
type Options struct {
	// Parallelism: 0 grows the pool to one worker per stream up to
	// MaxParallelism, -1 uses runtime.NumCPU(), >0 is a fixed size.
	Parallelism    int
	MaxParallelism int
	// OnDone is called once per submitted task.
	OnDone func(Completion)
	Log    *zap.Logger
}

// Scheduler queues tasks per stream and runs them on lazily started workers.
type Scheduler struct {
	ld   Loader
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string][]loader.Task
	busy    map[string]bool
	failed  map[string]bool
	ready   []string
	pending int
	workers int
	idle    int
	closed  bool
	errs    []error
}

// New returns a Scheduler whose tasks run under ctx.
func New(ctx context.Context, ld Loader, opts Options) *Scheduler {
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = DefaultMaxParallelism
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		ld:     ld,
		opts:   opts,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string][]loader.Task),
		busy:   make(map[string]bool),
		failed: make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// poolLimit is the worker ceiling for the given number of known streams.
func poolLimit(parallelism, maxParallelism, streams int) int {
	switch {
	case parallelism > 0:
		return parallelism
	case parallelism < 0:
		return max(runtime.NumCPU(), 1)
	}
	return max(min(streams, maxParallelism), 1)
}

// Submit queues t behind earlier tasks of its stream. It never blocks on a
// running load.
func (s *Scheduler) Submit(t loader.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("flush: submit %s after close", t.Stream)
	}

	q, known := s.queues[t.Stream]
	s.queues[t.Stream] = append(q, t)
	if !known {
		s.busy[t.Stream] = false
	}
	if !s.busy[t.Stream] && len(q) == 0 {
		s.ready = append(s.ready, t.Stream)
	}
	s.pending++

	if s.idle == 0 && s.workers < poolLimit(s.opts.Parallelism, s.opts.MaxParallelism, len(s.queues)) {
		s.workers++
		s.wg.Add(1)
		go s.work()
	}
	s.cond.Broadcast()
	return nil
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.closed {
			s.idle++
			s.cond.Wait()
			s.idle--
		}
		if len(s.ready) == 0 {
			s.mu.Unlock()
			return
		}
		stream := s.ready[0]
		s.ready = s.ready[1:]
		t := s.queues[stream][0]
		s.queues[stream] = s.queues[stream][1:]
		s.busy[stream] = true
		skip := s.failed[stream]
		s.mu.Unlock()

		c := s.run(t, skip)
		if s.opts.OnDone != nil {
			s.opts.OnDone(c)
		}

		s.mu.Lock()
		s.busy[stream] = false
		if c.Err != nil {
			s.failed[stream] = true
			if !errors.Is(c.Err, ErrSkipped) {
				s.errs = append(s.errs, c.Err)
			}
		}
		if len(s.queues[stream]) > 0 {
			s.ready = append(s.ready, stream)
		}
		s.pending--
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *Scheduler) run(t loader.Task, skip bool) Completion {
	c := Completion{Task: t}
	if skip {
		c.Err = fmt.Errorf("stream %s generation %d: %w", t.Stream, t.Generation, ErrSkipped)
		return c
	}

	start := time.Now()
	c.Result, c.Err = s.ld.Load(s.ctx, t)
	c.Duration = time.Since(start)

	status := "ok"
	if c.Err != nil {
		status = "error"
		s.log.Error("flush failed", zap.String("stream", t.Stream), zap.Uint64("generation", t.Generation),
			zap.Duration("duration", c.Duration), zap.Error(c.Err))
	} else {
		s.log.Debug("stage=flush ok", zap.String("stream", t.Stream), zap.Uint64("generation", t.Generation),
			zap.Int("rows", c.Result.Rows), zap.Duration("duration", c.Duration))
	}
	metrics.RecordFlush(t.Stream, status, c.Duration)
	return c
}

// Wait blocks until every submitted task has completed, or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// Busy reports whether stream has a queued or running task.
func (s *Scheduler) Busy(stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[stream] || len(s.queues[stream]) > 0
}

// Close runs every queued task, then stops the workers. Submit fails afterwards.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
	return s.Err()
}

// Abort cancels running loads; queued tasks still complete with an error.
func (s *Scheduler) Abort() { s.cancel() }

// Err joins the errors of every failed task so far.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}
