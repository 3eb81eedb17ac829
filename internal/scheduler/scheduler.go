package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/skydir/trustpipe/internal/logging"
	"github.com/skydir/trustpipe/internal/metrics"
	"github.com/skydir/trustpipe/internal/queue"
	"go.opentelemetry.io/otel"
)

// Handler executes one job. Returning an error triggers a retry with
// exponential backoff; wrap with backoff.Permanent to fail immediately.
// Handlers must be idempotent: a job may run more than once.
type Handler func(ctx context.Context, job queue.Job) error

// DeadHandler is invoked once when a job exhausts its attempts. It is the
// place to record a terminal outcome (e.g. a fetch-failure manifest error).
type DeadHandler func(ctx context.Context, job queue.Job, err error)

// Scheduler drains the queue with a bounded worker pool. Jobs carrying a
// bot id are serialized per bot so concurrent fetches cannot race writes to
// the same manifest row; jobs for distinct bots run in parallel.
type Scheduler struct {
	q           queue.Queue
	log         *logging.Logger
	maxAttempts int

	mu       sync.Mutex
	handlers map[queue.Kind]Handler
	dead     map[queue.Kind]DeadHandler

	locks *keyedLocks

	// newBackoff is swapped in tests to avoid real sleeps.
	newBackoff func() backoff.BackOff
}

func New(q queue.Queue, maxAttempts int, log *logging.Logger) *Scheduler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Scheduler{
		q:           q,
		log:         log,
		maxAttempts: maxAttempts,
		handlers:    make(map[queue.Kind]Handler),
		dead:        make(map[queue.Kind]DeadHandler),
		locks:       newKeyedLocks(),
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxElapsedTime = 0
			return bo
		},
	}
}

// Register installs the handler for a kind. The dead handler may be nil.
func (s *Scheduler) Register(kind queue.Kind, h Handler, dh DeadHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
	if dh != nil {
		s.dead[kind] = dh
	}
}

// Enqueue passes through to the queue.
func (s *Scheduler) Enqueue(ctx context.Context, job queue.Job) error {
	return s.q.Enqueue(ctx, job)
}

// Run blocks draining the queue until ctx is done.
func (s *Scheduler) Run(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				job, ack, ok, err := s.q.Lease(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.log.Warnw("queue lease failed", "err", err)
					continue
				}
				if !ok {
					continue
				}
				s.process(ctx, job)
				if err := ack(); err != nil {
					s.log.Warnw("job ack failed", "job", job.ID, "err", err)
				}
			}
		}()
	}
	wg.Wait()
}

func (s *Scheduler) process(ctx context.Context, job queue.Job) {
	tr := otel.Tracer("trustpipe/scheduler")
	ctx, span := tr.Start(ctx, "process:"+string(job.Kind))
	defer span.End()

	s.mu.Lock()
	h, ok := s.handlers[job.Kind]
	dh := s.dead[job.Kind]
	s.mu.Unlock()
	if !ok {
		s.log.Warnw("no handler for job kind", "kind", job.Kind, "job", job.ID)
		metrics.JobsTotal.WithLabelValues(string(job.Kind), "dropped").Inc()
		return
	}

	if job.BotID != "" {
		unlock := s.locks.Lock(job.BotID)
		defer unlock()
	}

	op := func() error {
		job.Attempt++
		return h(ctx, job)
	}
	notify := func(err error, next time.Duration) {
		metrics.JobRetries.WithLabelValues(string(job.Kind)).Inc()
		s.log.Infow("job retrying", "kind", job.Kind, "job", job.ID, "attempt", job.Attempt, "backoff", next, "err", err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(s.newBackoff(), uint64(s.maxAttempts-1)), ctx)

	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		metrics.JobsTotal.WithLabelValues(string(job.Kind), "dead").Inc()
		s.log.Errorw("job dead after retries", "kind", job.Kind, "job", job.ID, "attempts", job.Attempt, "err", err)
		if dh != nil {
			dh(ctx, job, fmt.Errorf("after %d attempts: %w", job.Attempt, err))
		}
		return
	}
	metrics.JobsTotal.WithLabelValues(string(job.Kind), "ok").Inc()
}

// keyedLocks hands out one mutex per key and frees entries when the last
// holder releases, so the map stays proportional to in-flight work.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{m: make(map[string]*lockEntry)}
}

func (k *keyedLocks) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &lockEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
