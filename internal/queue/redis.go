package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a list-backed queue. A lease moves the job onto a processing
// list so a crashed worker leaves the payload recoverable; ack removes it.
type Redis struct {
	cli      *redis.Client
	queueKey string
	procKey  string
}

func NewRedis(addr, key string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Redis{cli: cli, queueKey: key, procKey: key + ":processing"}, nil
}

func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	b, err := job.Marshal()
	if err != nil {
		return err
	}
	return q.cli.LPush(ctx, q.queueKey, string(b)).Err()
}

func (q *Redis) Lease(ctx context.Context) (Job, AckFunc, bool, error) {
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, 5*time.Second).Result()
	if err == redis.Nil {
		return Job{}, nil, false, nil
	}
	if err != nil {
		return Job{}, nil, false, err
	}
	job, err := Unmarshal([]byte(res))
	if err != nil {
		// Poison payload: drop it from processing so it does not wedge
		// the list, and surface the parse error.
		_ = q.cli.LRem(ctx, q.procKey, 1, res).Err()
		return Job{}, nil, false, err
	}
	ack := func() error {
		return q.cli.LRem(context.Background(), q.procKey, 1, res).Err()
	}
	return job, ack, true, nil
}

// Ping reports backend health.
func (q *Redis) Ping(ctx context.Context) error {
	return q.cli.Ping(ctx).Err()
}
