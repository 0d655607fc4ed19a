package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay/internal/observability"
)

// Memory is the in-process fallback. Enqueue drains the backlog synchronously
// on the calling goroutine in FIFO order, one job at a time, with a single
// attempt per job.
type Memory struct {
	log  *slog.Logger
	now  func() time.Time
	keep Options

	mu       sync.Mutex
	handlers map[string]Handler
	backlog  []*Job
	parked   map[string][]*Job
	closed   bool

	drainMu   sync.Mutex
	completed *Retained
	failed    *Retained
}

var _ Queue = (*Memory)(nil)

type drainKey struct{}

func NewMemory(opts Options, log *slog.Logger) *Memory {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.WithDefaults()
	return &Memory{
		log:       log.With("component", "queue", "backend", "memory"),
		now:       func() time.Time { return time.Now().UTC() },
		keep:      opts,
		handlers:  make(map[string]Handler),
		parked:    make(map[string][]*Job),
		completed: NewRetained(opts.KeepCompleted),
		failed:    NewRetained(opts.KeepFailed),
	}
}

func (m *Memory) Backend() string { return "memory" }

func (m *Memory) Enqueue(ctx context.Context, kind string, lane Lane, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	job := NewJob(kind, lane, raw, 1, m.now())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.handlers[kind]; ok {
		m.backlog = append(m.backlog, job)
	} else {
		m.parked[kind] = append(m.parked[kind], job)
	}
	m.mu.Unlock()
	observability.Enqueues.WithLabelValues(kind, "queued").Inc()

	// A handler that enqueues more work leaves it for the outer drain loop.
	if ctx.Value(drainKey{}) == m {
		return job, nil
	}
	m.drain(ctx)
	return job, nil
}

func (m *Memory) Start(kind string, _ Concurrency, h Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.handlers[kind]; ok {
		m.mu.Unlock()
		return fmt.Errorf("queue %s already started", kind)
	}
	m.handlers[kind] = h
	m.backlog = append(m.backlog, m.parked[kind]...)
	delete(m.parked, kind)
	m.mu.Unlock()

	m.log.Info("queue handler registered", "kind", kind)
	m.drain(context.Background())
	return nil
}

func (m *Memory) drain(ctx context.Context) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	ctx = context.WithValue(context.WithoutCancel(ctx), drainKey{}, m)
	for {
		m.mu.Lock()
		if len(m.backlog) == 0 {
			m.mu.Unlock()
			return
		}
		job := m.backlog[0]
		m.backlog[0] = nil
		m.backlog = m.backlog[1:]
		h := m.handlers[job.Kind]
		m.mu.Unlock()

		m.run(ctx, job, h)
	}
}

func (m *Memory) run(ctx context.Context, job *Job, h Handler) {
	job.Attempt = 1
	job.State = StateActive
	job.UpdatedAt = m.now()
	log := m.log.With("kind", job.Kind, "job_id", job.ID, "lane", job.Lane)
	log.Info("job started")

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		hctx, cancel := context.WithTimeout(ctx, m.keep.LockDuration)
		defer cancel()
		return h(hctx, job)
	}()

	job.UpdatedAt = m.now()
	if err != nil {
		job.State = StateFailed
		job.LastError = err.Error()
		m.failed.Add(job)
		observability.JobStatus.WithLabelValues(job.Kind, "failed").Inc()
		log.Error("job failed", "err", err)
		return
	}
	job.State = StateCompleted
	m.completed.Add(job)
	observability.JobStatus.WithLabelValues(job.Kind, "completed").Inc()
	log.Info("job finished")
}

// ListWaiting reports jobs of a kind whose handler is not registered yet.
// Everything else has already run by the time Enqueue returns.
func (m *Memory) ListWaiting(_ context.Context, kind string, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.parked[kind]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]*Job, len(list))
	for i, j := range list {
		out[i] = j.Clone()
	}
	return out, nil
}

func (m *Memory) ListFailed(_ context.Context, kind string, limit int) ([]*Job, error) {
	return m.failed.List(kind, limit), nil
}

func (m *Memory) ListCompleted(_ context.Context, kind string, limit int) ([]*Job, error) {
	return m.completed.List(kind, limit), nil
}

func (m *Memory) Stats(_ context.Context, kind string) (Stats, error) {
	m.mu.Lock()
	waiting := len(m.parked[kind])
	m.mu.Unlock()
	return Stats{Waiting: waiting, Completed: m.completed.Len(kind), Failed: m.failed.Len(kind)}, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
