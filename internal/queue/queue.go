// Package queue is the at-least-once job queue between the scheduler tick and
// the execution workers.
//
// A dequeued job stays invisible to other consumers until it is acked, or
// rejected with requeue. Jobs held by a consumer that died are recovered by
// RecoverOrphans on the redis backend.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmpty is returned by Dequeue when no job arrived within the wait.
	ErrEmpty  = errors.New("queue empty")
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// Job is one queued unit of work.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJob builds a job with a fresh id and payload encoded as JSON.
func NewJob(kind string, payload any) (Job, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Job{}, err
		}
		raw = b
	}
	return Job{ID: uuid.NewString(), Kind: kind, Payload: raw, EnqueuedAt: time.Now().UTC()}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error { return json.Unmarshal(j.Payload, v) }

// Delivery is a dequeued job awaiting acknowledgement.
type Delivery struct {
	Job Job

	ack    func(ctx context.Context) error
	reject func(ctx context.Context, requeue bool) error
}

// Ack removes the job for good.
func (d *Delivery) Ack(ctx context.Context) error { return d.ack(ctx) }

// Reject drops the job, or puts it back with Attempts+1 when requeue is set.
func (d *Delivery) Reject(ctx context.Context, requeue bool) error { return d.reject(ctx, requeue) }

type Queue interface {
	Name() string
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks up to wait for a job; ErrEmpty on timeout.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	// Len reports jobs waiting to be dequeued.
	Len(ctx context.Context) (int64, error)
	Close() error
}
