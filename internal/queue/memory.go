package queue

import (
	"context"
	"time"
)

// Memory is a process-local queue backed by a buffered channel. It is the
// default when no redis address is configured and the backend for tests.
type Memory struct {
	ch chan Job
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{ch: make(chan Job, capacity)}
}

func (q *Memory) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) Lease(ctx context.Context) (Job, AckFunc, bool, error) {
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case job := <-q.ch:
		return job, func() error { return nil }, true, nil
	case <-timer.C:
		return Job{}, nil, false, nil
	case <-ctx.Done():
		return Job{}, nil, false, ctx.Err()
	}
}

// Len is used by tests to observe backlog.
func (q *Memory) Len() int { return len(q.ch) }
