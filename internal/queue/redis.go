package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis sorted-set + per-job status key Backend, using familiar key names
// ("job_queue", "job_status:{id}") but a BZPOPMAX-based dequeue
// instead of peek-then-remove, so the pop is atomic and genuinely
// blocks for up to the caller's timeout.
type Redis struct {
	client    *redis.Client
	queueKey  string
	statusTTL time.Duration
}

const defaultQueueKey = "job_queue"
const statusTTL = 24 * time.Hour

// NewRedis builds a Redis-backed queue and pings the server; a
// reachability failure here is fatal to startup — the queue backend
// being unreachable is not something callers can recover from.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return &Redis{client: client, queueKey: defaultQueueKey, statusTTL: statusTTL}, nil
}

func (r *Redis) Enqueue(ctx context.Context, env Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	score := Score(env.Priority, env.CreatedAt)
	return r.client.ZAdd(ctx, r.queueKey, redis.Z{Score: score, Member: data}).Err()
}

func (r *Redis) Dequeue(ctx context.Context, timeout time.Duration) (Envelope, error) {
	res, err := r.client.BZPopMax(ctx, timeout, r.queueKey).Result()
	if err == redis.Nil {
		return Envelope{}, ErrEmpty
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("queue: dequeue: %w", err)
	}
	member, ok := res.Member.(string)
	if !ok {
		return Envelope{}, fmt.Errorf("queue: dequeue: unexpected member type %T", res.Member)
	}
	return unmarshalEnvelope([]byte(member))
}

func (r *Redis) Len(ctx context.Context) (int64, error) {
	return r.client.ZCard(ctx, r.queueKey).Result()
}

func (r *Redis) statusKey(jobID string) string { return "job_status:" + jobID }

func (r *Redis) SetStatus(ctx context.Context, jobID string, status map[string]any) error {
	data, err := marshalStatus(status)
	if err != nil {
		return fmt.Errorf("queue: marshal status: %w", err)
	}
	return r.client.Set(ctx, r.statusKey(jobID), data, r.statusTTL).Err()
}

func (r *Redis) GetStatus(ctx context.Context, jobID string) (map[string]any, bool, error) {
	data, err := r.client.Get(ctx, r.statusKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue: get status: %w", err)
	}
	status, err := unmarshalStatus(data)
	if err != nil {
		return nil, false, err
	}
	return status, true, nil
}

func (r *Redis) Close() error { return r.client.Close() }
