package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"relay/internal/awsutil"
	"relay/internal/observability"
	"relay/internal/queue"
	"relay/internal/queue/redisq"
	sqsqueue "relay/internal/queue/sqs"
)

type Settings struct {
	// Backend is "redis", "sqs", "memory" or empty for automatic selection.
	Backend        string
	Prefix         string
	ConnectTimeout time.Duration
	Options        queue.Options

	Redis RedisSettings
	SQS   SQSSettings
}

type RedisSettings struct {
	Host     string
	Port     int
	Password string
	DB       int
	Disabled bool
}

func (r RedisSettings) configured() bool { return r.Host != "" && !r.Disabled }

type SQSSettings struct {
	Region   string
	Endpoint string
	URLs     map[string]string
	WaitTime time.Duration
}

// Connections owns broker clients shared by every queue handle in the
// process. Clients are created on first use and released by Shutdown.
type Connections struct {
	settings Settings

	mu          sync.Mutex
	redis       redis.UniversalClient
	redisClosed bool

	sqsOnce sync.Once
	sqs     *sqs.Client
	sqsErr  error
}

func NewConnections(s Settings) *Connections {
	return &Connections{settings: s}
}

// Redis returns the shared client. After Shutdown it returns the closed
// client, whose commands fail with redis.ErrClosed.
func (c *Connections) Redis() redis.UniversalClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redis == nil {
		r := c.settings.Redis
		c.redis = redis.NewClient(&redis.Options{
			Addr:        r.Host + ":" + strconv.Itoa(r.Port),
			Password:    r.Password,
			DB:          r.DB,
			DialTimeout: c.settings.ConnectTimeout,
		})
	}
	return c.redis
}

func (c *Connections) SQS(ctx context.Context) (*sqs.Client, error) {
	c.sqsOnce.Do(func() {
		c.sqs, c.sqsErr = awsutil.NewSQSClient(ctx, c.settings.SQS.Region, c.settings.SQS.Endpoint)
	})
	return c.sqs, c.sqsErr
}

func (c *Connections) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redis == nil || c.redisClosed {
		return nil
	}
	c.redisClosed = true
	return c.redis.Close()
}

// Setup picks the queue backend once. A broker that is configured but does
// not answer within the connect timeout degrades to the in-process queue.
func Setup(ctx context.Context, conns *Connections, log *slog.Logger) queue.Queue {
	if log == nil {
		log = slog.Default()
	}
	s := conns.settings
	q := choose(ctx, conns, s, log)
	for _, name := range []string{"redis", "sqs", "memory"} {
		v := 0.0
		if name == q.Backend() {
			v = 1
		}
		observability.QueueBackend.WithLabelValues(name).Set(v)
	}
	log.Info("queue backend selected", "backend", q.Backend())
	return q
}

func choose(ctx context.Context, conns *Connections, s Settings, log *slog.Logger) queue.Queue {
	fallback := func(reason string, err error) queue.Queue {
		log.Warn("queue broker unavailable, using in-process queue", "reason", reason, "err", err)
		return queue.NewMemory(s.Options, log)
	}

	backend := s.Backend
	if backend == "" {
		switch {
		case s.Redis.configured():
			backend = "redis"
		case len(s.SQS.URLs) > 0:
			backend = "sqs"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "memory":
		return queue.NewMemory(s.Options, log)

	case "redis":
		if !s.Redis.configured() {
			return fallback("redis not configured", nil)
		}
		b := redisq.New(conns.Redis(), s.Prefix, s.Options, log)
		if err := ping(ctx, s.ConnectTimeout, b); err != nil {
			return fallback("redis ping failed", err)
		}
		return queue.NewDurable(b, s.Options, log)

	case "sqs":
		if len(s.SQS.URLs) == 0 {
			return fallback("no sqs queue urls", nil)
		}
		client, err := conns.SQS(ctx)
		if err != nil {
			return fallback("sqs client", err)
		}
		b := sqsqueue.New(client, s.SQS.URLs, s.Options, s.SQS.WaitTime, log)
		if err := ping(ctx, s.ConnectTimeout, b); err != nil {
			return fallback("sqs queue attributes failed", err)
		}
		return queue.NewDurable(b, s.Options, log)
	}
	return fallback(fmt.Sprintf("unknown backend %q", backend), nil)
}

func ping(ctx context.Context, timeout time.Duration, b queue.Broker) error {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.Ping(ctx)
}
