package queue

import (
	"context"
	"time"
)

// Handler executes one attempt of a job. A returned error fails the attempt.
type Handler func(ctx context.Context, job *Job) error

// Queue is the contract callers use regardless of which backend is active.
type Queue interface {
	// Enqueue records one job. payload is JSON-encoded.
	Enqueue(ctx context.Context, kind string, lane Lane, payload any) (*Job, error)
	// Start registers the handler for kind and begins consuming.
	Start(kind string, c Concurrency, h Handler) error
	ListWaiting(ctx context.Context, kind string, limit int) ([]*Job, error)
	ListFailed(ctx context.Context, kind string, limit int) ([]*Job, error)
	ListCompleted(ctx context.Context, kind string, limit int) ([]*Job, error)
	Stats(ctx context.Context, kind string) (Stats, error)
	Backend() string
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Broker is the storage side of a durable queue.
type Broker interface {
	Name() string
	Push(ctx context.Context, job *Job) error
	// Reserve leases the next due job of kind from the first non-empty lane.
	// It returns nil, nil when nothing is due.
	Reserve(ctx context.Context, kind string, lanes []Lane) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, delay time.Duration) error
	Fail(ctx context.Context, job *Job, cause error) error
	List(ctx context.Context, kind string, state State, limit int) ([]*Job, error)
	Stats(ctx context.Context, kind string) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

type Stats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
