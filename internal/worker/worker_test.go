package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/domain"
	"relay/internal/mail"
	"relay/internal/queue"
	"relay/internal/source"
	"relay/internal/store"
	"relay/internal/store/sqlite"
	"relay/internal/webhook"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newJob(t *testing.T, aj domain.ActionJob) *queue.Job {
	t.Helper()
	b, err := json.Marshal(aj)
	require.NoError(t, err)
	j := queue.NewJob(string(aj.Action.Kind), queue.LaneNormal, b, 3, now)
	j.Attempt = 1
	return j
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []mail.Envelope
	err  error
}

func (f *fakeTransport) Send(_ context.Context, e mail.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, e)
	return e.Mail.MessageID, nil
}

func newEmail(t *testing.T) (*EmailProcessor, *sqlite.Store, *fakeTransport) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	n := 0
	tr := &fakeTransport{}
	p := &EmailProcessor{
		Messages: s,
		Groups:   s,
		Assembler: &mail.Assembler{
			Domain:  "relay.test",
			Parents: s,
			Now:     func() time.Time { return now },
			NewSuffix: func() string {
				n++
				return []string{"aaa", "bbb", "ccc"}[n-1]
			},
		},
		Transport:   tr,
		FromAddress: "relay@example.com",
		DefaultTo:   "desk@example.com",
		Now:         func() time.Time { return now },
	}
	return p, s, tr
}

func seed(t *testing.T, s *sqlite.Store, rec domain.MessageRecord) {
	t.Helper()
	ctx := context.Background()
	_, _, err := s.EnsureGroup(ctx, domain.Group{ID: rec.GroupID, Name: "SR - Lake School - Ops", Active: true})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, store.MessageInsert{Record: rec, Now: now})
	require.NoError(t, err)
}

func emailJob(id, to string) domain.ActionJob {
	return domain.ActionJob{
		Action:    domain.EmailAction(domain.EmailConfig{To: to, Priority: "high"}),
		MessageID: id, GroupID: "g1", GroupName: "SR - Lake School - Ops",
		Sender: "Asha", Content: "#helpdesk projector", Type: domain.TypeHelpdesk, Timestamp: now,
	}
}

func TestEmailSendsAndRecordsMessageID(t *testing.T) {
	p, s, tr := newEmail(t)
	ctx := context.Background()
	seed(t, s, domain.MessageRecord{ID: "m1", GroupID: "g1", Sender: "Asha", Content: "#helpdesk projector",
		Type: domain.TypeHelpdesk, Status: domain.StatusCompleted})

	require.NoError(t, p.Process(ctx, newJob(t, emailJob("m1", ""))))

	require.Len(t, tr.sent, 1)
	env := tr.sent[0]
	assert.Equal(t, []string{"desk@example.com"}, env.To)
	assert.Equal(t, "Lake School Relay", env.FromName)
	assert.Equal(t, "Lake School - HELPDESK #aaa", env.Mail.Subject)
	assert.Equal(t, "1", env.Mail.Headers["X-Priority"])

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, env.Mail.MessageID, got.Meta(domain.MetaEmailMessageID))
	assert.Equal(t, env.Mail.Subject, got.Meta(domain.MetaEmailSubject))
}

func TestEmailReplyThreadsOntoParent(t *testing.T) {
	p, s, tr := newEmail(t)
	ctx := context.Background()
	seed(t, s, domain.MessageRecord{ID: "m1", GroupID: "g1", Content: "#helpdesk wifi", Type: domain.TypeHelpdesk, Status: domain.StatusCompleted})
	seed(t, s, domain.MessageRecord{ID: "m2", GroupID: "g1", Content: "#helpdesk still", Type: domain.TypeHelpdesk,
		Status: domain.StatusCompleted, QuotedMessageID: "m1"})

	require.NoError(t, p.Process(ctx, newJob(t, emailJob("m1", "a@example.com"))))
	second := emailJob("m2", "a@example.com")
	second.QuotedMessageID = "m1"
	require.NoError(t, p.Process(ctx, newJob(t, second)))

	require.Len(t, tr.sent, 2)
	parent, reply := tr.sent[0].Mail, tr.sent[1].Mail
	assert.Equal(t, parent.MessageID, reply.InReplyTo)
	assert.Equal(t, []string{parent.MessageID}, reply.References)
	assert.Equal(t, parent.Subject, reply.Subject)
	assert.NotEqual(t, parent.MessageID, reply.MessageID)
}

func TestEmailRetryDoesNotSendTwice(t *testing.T) {
	p, s, tr := newEmail(t)
	ctx := context.Background()
	seed(t, s, domain.MessageRecord{ID: "m1", GroupID: "g1", Type: domain.TypeHelpdesk, Status: domain.StatusCompleted})

	job := newJob(t, emailJob("m1", ""))
	require.NoError(t, p.Process(ctx, job))
	require.NoError(t, p.Process(ctx, job))
	assert.Len(t, tr.sent, 1)
}

func TestEmailDistinctActionsOfOneMessageEachSend(t *testing.T) {
	p, s, tr := newEmail(t)
	ctx := context.Background()
	seed(t, s, domain.MessageRecord{ID: "m1", GroupID: "g1", Type: domain.TypeHelpdesk, Status: domain.StatusCompleted})

	desk := newJob(t, emailJob("m1", "desk@example.com"))
	principal := newJob(t, emailJob("m1", "principal@example.com"))
	require.NoError(t, p.Process(ctx, desk))
	require.NoError(t, p.Process(ctx, principal))
	require.Len(t, tr.sent, 2)
	assert.Equal(t, []string{"desk@example.com"}, tr.sent[0].To)
	assert.Equal(t, []string{"principal@example.com"}, tr.sent[1].To)

	// redelivery of either job is still suppressed
	require.NoError(t, p.Process(ctx, desk))
	require.NoError(t, p.Process(ctx, principal))
	assert.Len(t, tr.sent, 2)

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, tr.sent[0].Mail.MessageID, got.Meta(domain.MetaEmailMessageID), "threading follows the first mail")
	assert.Equal(t, tr.sent[1].Mail.MessageID, got.Meta(domain.EmailSentKey(domain.EmailAction(domain.EmailConfig{To: "principal@example.com", Priority: "high"}))))
}

func TestEmailTransportErrorIsRetryable(t *testing.T) {
	p, s, tr := newEmail(t)
	tr.err = errors.New("421 try later")
	seed(t, s, domain.MessageRecord{ID: "m1", GroupID: "g1", Type: domain.TypeHelpdesk, Status: domain.StatusCompleted})

	err := p.Process(context.Background(), newJob(t, emailJob("m1", "")))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestEmailWithoutRecipientIsPermanent(t *testing.T) {
	p, _, tr := newEmail(t)
	p.DefaultTo = ""

	err := p.Process(context.Background(), newJob(t, emailJob("m1", "")))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.Empty(t, tr.sent)
}

func TestEmailFallsBackToJobWhenRecordMissing(t *testing.T) {
	p, _, tr := newEmail(t)

	require.NoError(t, p.Process(context.Background(), newJob(t, emailJob("gone", "a@example.com, b@example.com"))))
	require.Len(t, tr.sent, 1)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, tr.sent[0].To)
	assert.Contains(t, tr.sent[0].Mail.Text, "#helpdesk projector")
}

func TestWebhookProcessorSendsPayloadWithAPIKey(t *testing.T) {
	var (
		gotKey  string
		payload domain.WebhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := &WebhookProcessor{Sender: webhook.New(webhook.Options{Attempts: 1}, nil)}
	aj := domain.ActionJob{
		Action:    domain.WebhookAction(domain.WebhookConfig{URL: srv.URL, APIKey: "secret"}),
		MessageID: "m1", GroupID: "g1", GroupName: "Ops", Sender: "Asha", Content: "server down",
		Type: domain.TypeUrgent, Timestamp: now,
	}
	require.NoError(t, p.Process(context.Background(), newJob(t, aj)))
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "m1", payload.MessageID)
	assert.Equal(t, domain.TypeUrgent, payload.Type)
}

func TestWebhookProcessorFailsWhenAttemptsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := &WebhookProcessor{Sender: webhook.New(webhook.Options{Attempts: 2}, nil)}
	aj := domain.ActionJob{Action: domain.WebhookAction(domain.WebhookConfig{URL: srv.URL}), MessageID: "m1"}
	err := p.Process(context.Background(), newJob(t, aj))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestWebhookProcessorInvalidURLIsPermanent(t *testing.T) {
	p := &WebhookProcessor{Sender: webhook.New(webhook.Options{Attempts: 1}, nil)}
	aj := domain.ActionJob{Action: domain.WebhookAction(domain.WebhookConfig{URL: "not a url"}), MessageID: "m1"}
	err := p.Process(context.Background(), newJob(t, aj))
	assert.True(t, queue.IsPermanent(err))
}

type fakeMessenger struct {
	sent []string
	err  error
}

func (f *fakeMessenger) SendText(_ context.Context, src, groupID, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, src+"/"+groupID+"/"+text)
	return nil
}

func TestReplyProcessorPostsIntoSourceGroup(t *testing.T) {
	m := &fakeMessenger{}
	p := &ReplyProcessor{Messenger: m}
	aj := domain.ActionJob{Action: domain.ReplyAction("Ticket logged"), MessageID: "m1", GroupID: "g1", Source: "telegram"}

	require.NoError(t, p.Process(context.Background(), newJob(t, aj)))
	assert.Equal(t, []string{"telegram/g1/Ticket logged"}, m.sent)
}

func TestReplyProcessorUnknownSourceIsPermanent(t *testing.T) {
	p := &ReplyProcessor{Messenger: source.NewHub()}
	aj := domain.ActionJob{Action: domain.ReplyAction("hi"), MessageID: "m1", GroupID: "g1", Source: "nowhere"}

	err := p.Process(context.Background(), newJob(t, aj))
	assert.True(t, queue.IsPermanent(err))
}
