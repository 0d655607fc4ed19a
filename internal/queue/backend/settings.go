package backend

import (
	"fmt"
	"strings"
	"time"

	"relay/internal/config"
	"relay/internal/domain"
	"relay/internal/queue"
	sqsqueue "relay/internal/queue/sqs"
)

// FromConfig maps the environment configuration onto backend Settings.
func FromConfig(c config.QueueConfig) (Settings, error) {
	s := Settings{
		Backend:        strings.ToLower(strings.TrimSpace(c.QueueBackend)),
		Prefix:         c.QueuePrefix,
		ConnectTimeout: c.QueueConnectTimeout,
		Options: queue.Options{
			MaxAttempts:   c.QueueMaxAttempts,
			Backoff:       queue.Backoff{Base: c.QueueBackoffBase},
			LockDuration:  c.QueueLockDuration,
			KeepCompleted: c.QueueKeepCompleted,
			KeepFailed:    c.QueueKeepFailed,
			FailedTTL:     c.QueueFailedTTL,
			PollInterval:  c.QueuePollInterval,
		}.WithDefaults(),
		Redis: RedisSettings{
			Host:     c.RedisHost,
			Port:     c.RedisPort,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Disabled: c.RedisDisabled,
		},
		SQS: SQSSettings{
			Region:   c.AWSRegion,
			Endpoint: c.LocalstackEndpoint,
			WaitTime: time.Duration(c.SQSWaitTime) * time.Second,
		},
	}
	if c.SQSQueueURLs != "" {
		urls, err := sqsqueue.ParseURLs(c.SQSQueueURLs)
		if err != nil {
			return Settings{}, fmt.Errorf("SQS_QUEUE_URLS: %w", err)
		}
		s.SQS.URLs = urls
	}
	return s, nil
}

// lockSlack covers bookkeeping around the handler call: the store reads and
// writes a worker does before and after delivery.
const lockSlack = 10 * time.Second

// WithLockFloor raises the job lock so a handler that may run for budget
// keeps its lease. A configured lock that is already long enough is kept.
func (s Settings) WithLockFloor(budget time.Duration) Settings {
	if floor := budget + lockSlack; s.Options.LockDuration < floor {
		s.Options.LockDuration = floor
	}
	return s
}

// ConcurrencyFor returns the worker pool size configured for kind.
func ConcurrencyFor(c config.QueueConfig, kind domain.ActionKind) queue.Concurrency {
	switch kind {
	case domain.ActionEmail:
		return queue.Concurrency{Workers: c.WorkersEmail, UrgentWorkers: c.UrgentWorkersEmail}
	case domain.ActionWebhook:
		return queue.Concurrency{Workers: c.WorkersWebhook, UrgentWorkers: c.UrgentWorkersWebhook}
	case domain.ActionReply:
		return queue.Concurrency{Workers: c.WorkersReply, UrgentWorkers: c.UrgentWorkersReply}
	}
	return queue.Concurrency{Workers: 1}
}
