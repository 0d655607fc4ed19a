package queue

import (
	"errors"
	"time"
)

type Options struct {
	MaxAttempts   int
	Backoff       Backoff
	LockDuration  time.Duration
	KeepCompleted int
	KeepFailed    int
	FailedTTL     time.Duration
	PollInterval  time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:   3,
		Backoff:       Backoff{Base: 5 * time.Second},
		LockDuration:  30 * time.Second,
		KeepCompleted: 100,
		KeepFailed:    200,
		FailedTTL:     7 * 24 * time.Hour,
		PollInterval:  time.Second,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = d.Backoff
	}
	if o.LockDuration <= 0 {
		o.LockDuration = d.LockDuration
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = d.KeepCompleted
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = d.KeepFailed
	}
	if o.FailedTTL <= 0 {
		o.FailedTTL = d.FailedTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	return o
}

// Backoff is exponential: Base, 2*Base, 4*Base, ... capped at Max when set.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the attempt that follows failed attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 20 {
		n = 20
	}
	d := b.Base << (n - 1)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Concurrency sizes one kind's worker pool. Workers take urgent work first, then normal;
// UrgentWorkers only ever take urgent work.
type Concurrency struct {
	Workers       int
	UrgentWorkers int
}

var ErrClosed = errors.New("queue closed")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job fails on the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
