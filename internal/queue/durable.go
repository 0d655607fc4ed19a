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

// Durable runs per-kind worker pools against a Broker.
type Durable struct {
	broker Broker
	opts   Options
	log    *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started map[string]bool
}

var _ Queue = (*Durable)(nil)

func NewDurable(b Broker, opts Options, log *slog.Logger) *Durable {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Durable{
		broker:  b,
		opts:    opts.WithDefaults(),
		log:     log.With("component", "queue", "backend", b.Name()),
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
		started: make(map[string]bool),
	}
}

func (d *Durable) Backend() string { return d.broker.Name() }

// Enqueue pushes a job to the broker. A broker failure is logged and the job
// is dropped; the caller gets a nil job and no error.
func (d *Durable) Enqueue(ctx context.Context, kind string, lane Lane, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	job := NewJob(kind, lane, raw, d.opts.MaxAttempts, d.now())
	if err := d.broker.Push(ctx, job); err != nil {
		observability.Enqueues.WithLabelValues(kind, "dropped").Inc()
		d.log.Error("job dropped", "kind", kind, "job_id", job.ID, "err", err)
		return nil, nil
	}
	observability.Enqueues.WithLabelValues(kind, "queued").Inc()
	return job, nil
}

func (d *Durable) Start(kind string, c Concurrency, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return ErrClosed
	}
	if d.started[kind] {
		return fmt.Errorf("queue %s already started", kind)
	}
	d.started[kind] = true

	p := &pool{kind: kind, broker: d.broker, handler: h, opts: d.opts, log: d.log, now: d.now}
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		p.run(d.ctx, c)
	}()
	go func() {
		defer d.wg.Done()
		d.reportStats(kind)
	}()
	d.log.Info("queue workers started", "kind", kind, "workers", c.Workers, "urgent_workers", c.UrgentWorkers)
	return nil
}

func (d *Durable) reportStats(kind string) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		ctx, cancel := context.WithTimeout(d.ctx, bookkeepingTimeout)
		st, err := d.broker.Stats(ctx, kind)
		cancel()
		if err == nil {
			setSizeGauges(kind, st)
		}
		select {
		case <-t.C:
		case <-d.ctx.Done():
			return
		}
	}
}

func setSizeGauges(kind string, st Stats) {
	observability.QueueSize.WithLabelValues(kind, "waiting").Set(float64(st.Waiting))
	observability.QueueSize.WithLabelValues(kind, "delayed").Set(float64(st.Delayed))
	observability.QueueSize.WithLabelValues(kind, "active").Set(float64(st.Active))
	observability.QueueSize.WithLabelValues(kind, "completed").Set(float64(st.Completed))
	observability.QueueSize.WithLabelValues(kind, "failed").Set(float64(st.Failed))
}

func (d *Durable) ListWaiting(ctx context.Context, kind string, limit int) ([]*Job, error) {
	return d.broker.List(ctx, kind, StatePending, limit)
}

func (d *Durable) ListFailed(ctx context.Context, kind string, limit int) ([]*Job, error) {
	return d.broker.List(ctx, kind, StateFailed, limit)
}

func (d *Durable) ListCompleted(ctx context.Context, kind string, limit int) ([]*Job, error) {
	return d.broker.List(ctx, kind, StateCompleted, limit)
}

func (d *Durable) Stats(ctx context.Context, kind string) (Stats, error) {
	return d.broker.Stats(ctx, kind)
}

func (d *Durable) Ping(ctx context.Context) error { return d.broker.Ping(ctx) }

// Close stops fetching, waits for in-flight jobs until ctx expires and
// releases the broker.
func (d *Durable) Close(ctx context.Context) error {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
	if cerr := d.broker.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
