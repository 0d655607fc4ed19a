package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"relay/internal/observability"
)

const bookkeepingTimeout = 5 * time.Second

// pool runs the workers of one kind against a broker.
type pool struct {
	kind    string
	broker  Broker
	handler Handler
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

// run blocks until ctx is cancelled and every in-flight job has settled.
func (p *pool) run(ctx context.Context, c Concurrency) {
	var wg sync.WaitGroup
	if c.Workers <= 0 && c.UrgentWorkers <= 0 {
		c.Workers = 1
	}
	if c.Workers > 0 {
		p.spawn(ctx, &wg, c.Workers, Lanes)
	}
	if c.UrgentWorkers > 0 {
		p.spawn(ctx, &wg, c.UrgentWorkers, []Lane{LaneUrgent})
	}
	<-ctx.Done()
	wg.Wait()
}

// spawn starts n workers and one fetcher. The fetcher only reserves a job
// once a worker slot is free so nothing sits leased in a buffer.
func (p *pool) spawn(ctx context.Context, wg *sync.WaitGroup, n int, lanes []Lane) {
	jobs := make(chan *Job)
	slots := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				p.process(ctx, job)
				<-slots
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)

		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}

			job, err := p.broker.Reserve(ctx, p.kind, lanes)
			if err != nil && ctx.Err() == nil {
				p.log.Error("queue reserve failed", "kind", p.kind, "backend", p.broker.Name(), "err", err)
			}
			if job == nil {
				<-slots
				select {
				case <-time.After(p.opts.PollInterval):
					continue
				case <-ctx.Done():
					return
				}
			}
			jobs <- job
		}
	}()
}

func (p *pool) process(ctx context.Context, job *Job) {
	log := p.log.With("kind", job.Kind, "job_id", job.ID, "attempt", job.Attempt, "lane", job.Lane)
	log.Info("job started")
	start := p.now()

	err := p.invoke(ctx, job)

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if err == nil {
		if cerr := p.broker.Complete(bctx, job); cerr != nil {
			log.Error("job complete bookkeeping failed", "err", cerr)
		}
		observability.JobStatus.WithLabelValues(job.Kind, "completed").Inc()
		log.Info("job finished", "duration_ms", p.now().Sub(start).Milliseconds())
		return
	}

	if IsPermanent(err) || job.Attempt >= job.MaxAttempts {
		if ferr := p.broker.Fail(bctx, job, err); ferr != nil {
			log.Error("job fail bookkeeping failed", "err", ferr)
		}
		observability.JobStatus.WithLabelValues(job.Kind, "failed").Inc()
		log.Error("job failed", "err", err, "max_attempts", job.MaxAttempts)
		return
	}

	delay := p.opts.Backoff.Delay(job.Attempt)
	if rerr := p.broker.Retry(bctx, job, delay); rerr != nil {
		log.Error("job retry bookkeeping failed", "err", rerr)
	}
	observability.JobStatus.WithLabelValues(job.Kind, "retried").Inc()
	log.Warn("job attempt failed, will retry", "err", err, "retry_in", delay.String())
}

func (p *pool) invoke(ctx context.Context, job *Job) (err error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.LockDuration)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job handler panicked", "kind", job.Kind, "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if err = p.handler(hctx, job); errors.Is(err, context.DeadlineExceeded) && hctx.Err() != nil {
		err = fmt.Errorf("job exceeded lock duration %s: %w", p.opts.LockDuration, err)
	}
	return err
}
