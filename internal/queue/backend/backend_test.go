package backend

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"relay/internal/queue"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSetupWithoutBrokerUsesMemory(t *testing.T) {
	conns := NewConnections(Settings{})
	q := Setup(context.Background(), conns, quiet())
	assert.Equal(t, "memory", q.Backend())
	assert.NoError(t, conns.Shutdown())
}

func TestSetupDisabledRedisUsesMemory(t *testing.T) {
	conns := NewConnections(Settings{Backend: "redis", Redis: RedisSettings{Host: "localhost", Port: 6379, Disabled: true}})
	q := Setup(context.Background(), conns, quiet())
	assert.Equal(t, "memory", q.Backend())
}

func TestSetupUnreachableRedisFallsBack(t *testing.T) {
	conns := NewConnections(Settings{
		// Port 1 on loopback refuses connections immediately.
		Redis:          RedisSettings{Host: "127.0.0.1", Port: 1},
		ConnectTimeout: 500 * time.Millisecond,
	})
	t.Cleanup(func() { _ = conns.Shutdown() })

	q := Setup(context.Background(), conns, quiet())
	assert.Equal(t, "memory", q.Backend())

	var ran bool
	assert.NoError(t, q.Start("EMAIL", queue.Concurrency{Workers: 2}, func(context.Context, *queue.Job) error {
		ran = true
		return nil
	}))
	job, err := q.Enqueue(context.Background(), "EMAIL", queue.LaneNormal, map[string]string{"messageId": "m1"})
	assert.NoError(t, err)
	assert.NotNil(t, job)
	assert.True(t, ran, "fallback runs the job before Enqueue returns")

	done, err := q.ListCompleted(context.Background(), "EMAIL", 10)
	assert.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestSetupSharesRedisClient(t *testing.T) {
	conns := NewConnections(Settings{Redis: RedisSettings{Host: "127.0.0.1", Port: 1}})
	t.Cleanup(func() { _ = conns.Shutdown() })
	assert.Same(t, conns.Redis(), conns.Redis())
}

func TestShutdownRacesFirstRedisUse(t *testing.T) {
	conns := NewConnections(Settings{Redis: RedisSettings{Host: "127.0.0.1", Port: 1}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conns.Redis()
	}()
	assert.NoError(t, conns.Shutdown())
	<-done
	assert.NoError(t, conns.Shutdown())
	assert.NoError(t, conns.Shutdown(), "shutdown is idempotent")
}

func TestShutdownWithoutRedisIsNoop(t *testing.T) {
	assert.NoError(t, NewConnections(Settings{}).Shutdown())
}
