//go:build integration

package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"relay/internal/dispatch"
	"relay/internal/domain"
	"relay/internal/mail"
	"relay/internal/matcher"
	"relay/internal/queue"
	"relay/internal/queue/redisq"
	"relay/internal/store/pg"
	"relay/internal/webhook"
	"relay/internal/worker"
)

func start(ctx context.Context, req testcontainers.ContainerRequest, port string) (string, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		return "", fmt.Errorf("start %s: %w", req.Image, err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port()), nil
}

type capture struct {
	mu   sync.Mutex
	sent []mail.Envelope
}

func (c *capture) Send(_ context.Context, e mail.Envelope) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, e)
	return e.Mail.MessageID, nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// TestPipelineEndToEnd drives inbound messages through Postgres, the Redis
// queue and the EMAIL and WEBHOOK workers.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	pgAddr, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env:          map[string]string{"POSTGRES_USER": "relay", "POSTGRES_PASSWORD": "relay", "POSTGRES_DB": "relay"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}, "5432")
	require.NoError(t, err)
	redisAddr, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}, "6379")
	require.NoError(t, err)

	s, err := pg.Open(ctx, "postgres://relay:relay@"+pgAddr+"/relay?sslmode=disable", pg.PoolOptions{MaxConns: 4}, true)
	require.NoError(t, err)
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	opts := queue.Options{MaxAttempts: 3, Backoff: queue.Backoff{Base: 50 * time.Millisecond}, PollInterval: 20 * time.Millisecond}.WithDefaults()
	q := queue.NewDurable(redisq.New(rdb, fmt.Sprintf("e2e%d", time.Now().UnixNano()), opts, log), opts, log)
	defer q.Close(context.Background())

	hookHits := make(chan domain.WebhookPayload, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p domain.WebhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		w.WriteHeader(http.StatusOK)
		hookHits <- p
	}))
	defer hook.Close()

	tr := &capture{}
	emails := &worker.EmailProcessor{
		Messages:    s,
		Groups:      s,
		Assembler:   &mail.Assembler{Domain: "relay.test", Parents: s, Log: log},
		Transport:   tr,
		FromAddress: "relay@relay.test",
		DefaultTo:   "desk@example.com",
		Log:         log,
	}
	hooks := &worker.WebhookProcessor{Sender: webhook.New(webhook.Options{Attempts: 1}, log), Log: log}
	require.NoError(t, q.Start(string(domain.ActionEmail), queue.Concurrency{Workers: 2}, emails.Process))
	require.NoError(t, q.Start(string(domain.ActionWebhook), queue.Concurrency{Workers: 1}, hooks.Process))

	require.NoError(t, s.SaveGroup(ctx, domain.Group{ID: "g-e2e", Name: "SR - Lake School - Ops", Active: true, Rules: []domain.Rule{
		{Pattern: `#helpdesk\b`, Type: domain.TypeHelpdesk, Active: true,
			Actions: []domain.Action{domain.EmailAction(domain.EmailConfig{To: "desk@example.com"})}},
		{Pattern: `outage`, Type: domain.TypeUrgent, Active: true,
			Actions: []domain.Action{domain.WebhookAction(domain.WebhookConfig{URL: hook.URL})}},
	}}))

	d := &dispatch.Dispatcher{Rules: s, Messages: s, Matcher: matcher.New(log), Queue: q, DefaultRecipient: "desk@example.com", Log: log}

	first := domain.InboundMessage{ID: "e2e-1", Source: "http", GroupID: "g-e2e", GroupName: "SR - Lake School - Ops",
		Sender: "Asha", Body: "printer jammed #helpdesk", Timestamp: time.Now().UTC()}
	rec, err := d.Handle(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.Eventually(t, func() bool {
		m, err := s.GetMessage(ctx, "e2e-1")
		return err == nil && m.Meta(domain.MetaEmailMessageID) != ""
	}, 30*time.Second, 100*time.Millisecond)

	reply := first
	reply.ID = "e2e-2"
	reply.Body = "still jammed #helpdesk"
	reply.QuotedMessageID = "e2e-1"
	_, err = d.Handle(ctx, reply)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.count() == 2 }, 30*time.Second, 100*time.Millisecond)

	tr.mu.Lock()
	assert.Empty(t, tr.sent[0].Mail.InReplyTo)
	assert.Equal(t, tr.sent[0].Mail.MessageID, tr.sent[1].Mail.InReplyTo)
	assert.Equal(t, tr.sent[0].Mail.Subject, tr.sent[1].Mail.Subject)
	tr.mu.Unlock()

	urgent := first
	urgent.ID = "e2e-3"
	urgent.Body = "network outage in block B"
	rec, err = d.Handle(ctx, urgent)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeUrgent, rec.Type)
	select {
	case p := <-hookHits:
		assert.Equal(t, "e2e-3", p.MessageID)
		assert.Equal(t, domain.TypeUrgent, p.Type)
	case <-time.After(30 * time.Second):
		t.Fatal("webhook not delivered")
	}

	dup, err := d.Handle(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "e2e-1", dup.ID)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, tr.count(), "redelivered message must not mail again")
}
