package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"relay/internal/observability"
)

type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Payload any
}

// Result describes the last attempt of a Send.
type Result struct {
	Success    bool
	StatusCode int
	Body       []byte
	Attempts   int
	Err        error
}

// Sender performs outbound webhook calls with a bounded number of attempts
// separated by a fixed delay. Each target host gets its own circuit breaker.
type Sender struct {
	Client   *resty.Client
	Attempts int
	Delay    time.Duration
	Limiter  *rate.Limiter
	Log      *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

type Options struct {
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
	RPS      float64
	Burst    int
}

func DefaultOptions() Options {
	return Options{Attempts: 3, Delay: 5 * time.Second, Timeout: 10 * time.Second, RPS: 20, Burst: 40}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Delay < 0 {
		o.Delay = d.Delay
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// Budget is the longest one Send can take when every attempt times out:
// Attempts request timeouts plus the delays between them. Rate limiter and
// breaker waits are not included.
func (o Options) Budget() time.Duration {
	o = o.withDefaults()
	return time.Duration(o.Attempts)*o.Timeout + time.Duration(o.Attempts-1)*o.Delay
}

func New(opts Options, log *slog.Logger) *Sender {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &Sender{
		Client: resty.New().
			SetTimeout(opts.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "relay-webhook/1.0"),
		Attempts: opts.Attempts,
		Delay:    opts.Delay,
		Log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.Limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return s
}

type statusError struct {
	code int
	body []byte
}

func (e statusError) Error() string { return "webhook responded " + strconv.Itoa(e.code) }

// Send delivers req. Exhausted attempts are reported in Result, not as an
// error; the returned error is non-nil only when ctx ends first.
func (s *Sender) Send(ctx context.Context, req Request) (Result, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return Result{Err: fmt.Errorf("invalid webhook url %q", req.URL)}, nil
	}
	cb := s.breaker(u.Host)
	log := s.Log.With("url", req.URL, "method", method)

	var res Result
	for attempt := 1; attempt <= s.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.Delay):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				observability.WebhookSend.WithLabelValues("rate_limited_local", "0").Inc()
				res = Result{Attempts: attempt, Err: err}
				continue
			}
		}

		res = s.attempt(ctx, cb, method, req)
		res.Attempts = attempt
		if res.Success {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log.Warn("webhook attempt failed", "attempt", attempt, "max_attempts", s.Attempts,
			"status", res.StatusCode, "err", res.Err)
	}
	log.Error("webhook attempts exhausted", "attempts", s.Attempts, "status", res.StatusCode, "err", res.Err)
	return res, nil
}

func (s *Sender) attempt(ctx context.Context, cb *gobreaker.CircuitBreaker, method string, req Request) Result {
	start := time.Now()
	out, err := cb.Execute(func() (interface{}, error) {
		r := s.Client.R().SetContext(ctx).SetHeaders(req.Headers)
		if req.Payload != nil {
			r.SetBody(req.Payload)
		}
		resp, err := r.Execute(method, req.URL)
		if err != nil {
			return nil, err
		}
		if !resp.IsSuccess() {
			return nil, statusError{code: resp.StatusCode(), body: resp.Body()}
		}
		return resp, nil
	})
	observability.WebhookLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		resp := out.(*resty.Response)
		observability.WebhookSend.WithLabelValues("ok", strconv.Itoa(resp.StatusCode())).Inc()
		return Result{Success: true, StatusCode: resp.StatusCode(), Body: resp.Body()}
	}

	var se statusError
	switch {
	case errors.As(err, &se):
		observability.WebhookSend.WithLabelValues("error", strconv.Itoa(se.code)).Inc()
		return Result{StatusCode: se.code, Body: se.body, Err: err}
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.WebhookSend.WithLabelValues("cb_open", "0").Inc()
	default:
		observability.WebhookSend.WithLabelValues("transport_error", "0").Inc()
	}
	return Result{Err: err}
}

func (s *Sender) breaker(host string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
	s.breakers[host] = cb
	return cb
}
