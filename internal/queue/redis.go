package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"wegent/internal/metrics"
	logx "wegent/pkg/logx"
)

type RedisOptions struct {
	// Prefix namespaces keys. Default "wegent:queue:".
	Prefix string
	// Consumer identifies this process' processing list.
	Consumer string
	// HeartbeatTTL is how long a silent consumer keeps its jobs. Default 30s.
	HeartbeatTTL time.Duration
	Metrics      *metrics.Metrics
	Log          logx.Logger
}

// Redis is a reliable queue: LPUSH to <name>:ready, BLMOVE into a per-
// consumer processing list, LREM on ack.
type Redis struct {
	rdb      redis.UniversalClient
	name     string
	consumer string
	prefix   string
	hbTTL    time.Duration
	metrics  *metrics.Metrics
	log      logx.Logger
}

func NewRedis(rdb redis.UniversalClient, name string, opt RedisOptions) *Redis {
	prefix := opt.Prefix
	if strings.TrimSpace(prefix) == "" {
		prefix = "wegent:queue:"
	}
	if opt.HeartbeatTTL <= 0 {
		opt.HeartbeatTTL = 30 * time.Second
	}
	consumer := strings.TrimSpace(opt.Consumer)
	if consumer == "" {
		consumer = "default"
	}
	return &Redis{
		rdb:      rdb,
		name:     name,
		consumer: consumer,
		prefix:   prefix + name,
		hbTTL:    opt.HeartbeatTTL,
		metrics:  opt.Metrics,
		log:      opt.Log,
	}
}

func (q *Redis) Name() string { return q.name }

func (q *Redis) readyKey() string { return q.prefix + ":ready" }

func (q *Redis) processingKey(consumer string) string {
	return q.prefix + ":processing:" + consumer
}

func (q *Redis) heartbeatKey(consumer string) string {
	return q.prefix + ":consumer:" + consumer
}

func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	q.metrics.QueueOp(q.name, "enqueue")
	return nil
}

func (q *Redis) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if wait <= 0 {
		wait = time.Second
	}
	raw, err := q.rdb.BLMove(ctx, q.readyKey(), q.processingKey(q.consumer), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dequeue %s: %w", q.name, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Poison message: drop it from processing so it does not loop forever.
		_ = q.rdb.LRem(ctx, q.processingKey(q.consumer), 1, raw).Err()
		q.log.Warn("dropping undecodable job", logx.String("queue", q.name), logx.Err(err))
		return nil, ErrEmpty
	}
	q.metrics.QueueOp(q.name, "dequeue")
	return q.delivery(job, raw), nil
}

func (q *Redis) delivery(job Job, raw string) *Delivery {
	processing := q.processingKey(q.consumer)
	return &Delivery{
		Job: job,
		ack: func(ctx context.Context) error {
			if err := q.rdb.LRem(ctx, processing, 1, raw).Err(); err != nil {
				return fmt.Errorf("ack %s: %w", q.name, err)
			}
			q.metrics.QueueOp(q.name, "ack")
			return nil
		},
		reject: func(ctx context.Context, requeue bool) error {
			next := job
			next.Attempts++
			nextRaw, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.LRem(ctx, processing, 1, raw)
				if requeue {
					p.LPush(ctx, q.readyKey(), nextRaw)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("reject %s: %w", q.name, err)
			}
			q.metrics.QueueOp(q.name, "reject")
			return nil
		},
	}
}

func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.readyKey()).Result()
}

// Heartbeat marks this consumer alive for HeartbeatTTL.
func (q *Redis) Heartbeat(ctx context.Context) error {
	return q.rdb.Set(ctx, q.heartbeatKey(q.consumer), time.Now().UTC().Format(time.RFC3339), q.hbTTL).Err()
}

// RunHeartbeat refreshes the heartbeat until ctx ends.
func (q *Redis) RunHeartbeat(ctx context.Context) error {
	every := q.hbTTL / 3
	if err := q.Heartbeat(ctx); err != nil {
		q.log.Warn("queue heartbeat failed", logx.String("queue", q.name), logx.Err(err))
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := q.Heartbeat(ctx); err != nil {
				q.log.Warn("queue heartbeat failed", logx.String("queue", q.name), logx.Err(err))
			}
		}
	}
}

// RecoverOrphans moves jobs held by consumers without a live heartbeat back
// to the ready list. It returns the number of jobs moved.
func (q *Redis) RecoverOrphans(ctx context.Context) (int, error) {
	pattern := q.processingKey("*")
	base := q.processingKey("")
	moved := 0

	iter := q.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		consumer := strings.TrimPrefix(key, base)
		if consumer == q.consumer {
			continue
		}
		alive, err := q.rdb.Exists(ctx, q.heartbeatKey(consumer)).Result()
		if err != nil {
			return moved, fmt.Errorf("recover %s: %w", q.name, err)
		}
		if alive > 0 {
			continue
		}
		for {
			_, err := q.rdb.LMove(ctx, key, q.readyKey(), "RIGHT", "LEFT").Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return moved, fmt.Errorf("recover %s: %w", q.name, err)
			}
			moved++
			q.metrics.QueueOp(q.name, "recover")
		}
		q.log.Info("recovered orphaned jobs", logx.String("queue", q.name), logx.String("consumer", consumer), logx.Int("moved", moved))
	}
	if err := iter.Err(); err != nil {
		return moved, fmt.Errorf("recover %s: %w", q.name, err)
	}
	return moved, nil
}

// RecoverOwn requeues jobs left in this consumer's processing list by a
// previous run with the same consumer id. Call before consuming.
func (q *Redis) RecoverOwn(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.rdb.LMove(ctx, q.processingKey(q.consumer), q.readyKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover %s: %w", q.name, err)
		}
		moved++
	}
}

// Close is a no-op; the redis client is owned by the caller.
func (q *Redis) Close() error { return nil }
