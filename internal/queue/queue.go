package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies the handler a job is dispatched to.
type Kind string

// Job is one unit of asynchronous work. Payload captures the inputs at
// enqueue time so handlers can detect staleness against current state.
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	BotID      string          `json:"bot_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Marshal/Unmarshal keep the wire form in one place for the redis backend.
func (j Job) Marshal() ([]byte, error) { return json.Marshal(j) }

func Unmarshal(b []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(b, &j)
	return j, err
}

// AckFunc confirms a leased job is done and may be dropped from the
// processing list. Calling it more than once is harmless.
type AckFunc func() error

// Queue is the transport between the orchestrator and the scheduler's
// workers. FIFO ordering is best-effort and not guaranteed across kinds.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Lease blocks for a bounded time waiting for a job. ok is false when
	// the wait timed out with nothing available.
	Lease(ctx context.Context) (job Job, ack AckFunc, ok bool, err error)
}
