package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/domain"
	"relay/internal/matcher"
	"relay/internal/queue"
	"relay/internal/store"
	"relay/internal/store/sqlite"
)

type enqueued struct {
	kind string
	lane queue.Lane
	job  domain.ActionJob
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, kind string, lane queue.Lane, payload any) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.jobs = append(q.jobs, enqueued{kind: kind, lane: lane, job: payload.(domain.ActionJob)})
	return &queue.Job{ID: "job", Kind: kind, Lane: lane}, nil
}

type fakeMedia struct {
	calls int
	err   error
}

func (f *fakeMedia) FetchMedia(_ context.Context, _ string, ref domain.MediaRef, _ int64) (domain.Attachment, error) {
	f.calls++
	if f.err != nil {
		return domain.Attachment{}, f.err
	}
	return domain.Attachment{Filename: ref.FileName, Content: []byte("img")}, nil
}

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newDispatcher(t *testing.T) (*Dispatcher, *sqlite.Store, *recordingQueue, *fakeMedia) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	q := &recordingQueue{}
	media := &fakeMedia{}
	d := &Dispatcher{
		Rules:            s,
		Messages:         s,
		Matcher:          matcher.New(nil),
		Queue:            q,
		Media:            media,
		DefaultRecipient: "desk@example.com",
		MediaMaxBytes:    1 << 20,
		Now:              func() time.Time { return now },
	}
	return d, s, q, media
}

func inbound(id, body string) domain.InboundMessage {
	return domain.InboundMessage{
		ID: id, Source: "telegram", GroupID: "g1", GroupName: "SR - Lake School - Ops",
		Sender: "Asha", Body: body, Timestamp: now,
	}
}

func TestHelpdeskMessageQueuesOneEmailAndCompletes(t *testing.T) {
	d, s, q, _ := newDispatcher(t)
	ctx := context.Background()

	rec, err := d.Handle(ctx, inbound("m1", "Projector broken [HELPDESK]"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.TypeHelpdesk, rec.Type)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, string(domain.ActionEmail), q.jobs[0].kind)
	assert.Equal(t, queue.LaneNormal, q.jobs[0].lane)
	assert.Equal(t, "desk@example.com", q.jobs[0].job.Action.Email.To)
	assert.Equal(t, "SR - Lake School - Ops", q.jobs[0].job.GroupName)

	stored, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Equal(t, "telegram", stored.Meta(domain.MetaSource))

	g, err := s.FindGroupByID(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, g.Rules, 2, "first message provisions default rules")
	assert.NotNil(t, g.LastMessageAt)
}

func TestUnmatchedMessageCreatesNoRecord(t *testing.T) {
	d, s, q, _ := newDispatcher(t)
	ctx := context.Background()

	rec, err := d.Handle(ctx, inbound("m1", "hello"))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, q.jobs)

	_, err = s.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMediaCaptionFlagsHelpdesk(t *testing.T) {
	d, _, q, media := newDispatcher(t)

	in := inbound("m1", "")
	in.HasMedia = true
	in.Caption = "HelpDesk: screen cracked"
	in.Media = []domain.MediaRef{{FileID: "f1", FileName: "screen.jpg"}, {FileID: "f2"}}

	rec, err := d.Handle(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.TypeHelpdesk, rec.Type)
	assert.Equal(t, "HelpDesk: screen cracked", rec.Content)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, string(domain.ActionEmail), q.jobs[0].kind)
	assert.Equal(t, 2, media.calls)
	require.Len(t, q.jobs[0].job.Attachments, 2)
	assert.Equal(t, "screen.jpg", q.jobs[0].job.Attachments[0].Filename)
	assert.Equal(t, domain.DefaultAttachmentName, q.jobs[0].job.Attachments[1].Filename)
}

func TestMediaDownloadFailureStillDispatches(t *testing.T) {
	d, _, q, media := newDispatcher(t)
	media.err = errors.New("timeout")

	in := inbound("m1", "#helpdesk see photo")
	in.HasMedia = true
	in.Media = []domain.MediaRef{{FileID: "f1"}}

	rec, err := d.Handle(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Len(t, q.jobs, 1)
	assert.Empty(t, q.jobs[0].job.Attachments)
}

func TestDuplicateMessageReturnsExistingRecord(t *testing.T) {
	d, _, q, _ := newDispatcher(t)
	ctx := context.Background()

	first, err := d.Handle(ctx, inbound("m1", "#helpdesk printer"))
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := d.Handle(ctx, inbound("m1", "#helpdesk printer"))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "m1", again.ID)
	assert.Equal(t, domain.StatusCompleted, again.Status)
	assert.Len(t, q.jobs, 1, "no second dispatch")
}

func TestInactiveGroupIsIgnored(t *testing.T) {
	d, s, q, _ := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, s.SaveGroup(ctx, domain.Group{ID: "g1", Active: false, Rules: matcher.DefaultRules("x@example.com")}))

	rec, err := d.Handle(ctx, inbound("m1", "#helpdesk"))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, q.jobs)
}

func TestUrgentRulesUseUrgentLaneAndAllActions(t *testing.T) {
	d, s, q, _ := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, s.SaveGroup(ctx, domain.Group{ID: "g1", Name: "Ops", Active: true, Rules: []domain.Rule{
		{Pattern: `server down`, Type: domain.TypeUrgent, Active: true, Actions: []domain.Action{
			domain.WebhookAction(domain.WebhookConfig{URL: "https://hooks.example.com/a", APIKey: "k"}),
			domain.ReplyAction("On it"),
		}},
		{Pattern: `down`, Type: domain.TypeNormal, Active: true, Actions: []domain.Action{
			domain.ReplyAction("On it"),
		}},
	}}))

	rec, err := d.Handle(ctx, inbound("m1", "Server DOWN again"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.TypeUrgent, rec.Type)

	require.Len(t, q.jobs, 2, "duplicate reply is dropped")
	assert.Equal(t, string(domain.ActionWebhook), q.jobs[0].kind)
	assert.Equal(t, string(domain.ActionReply), q.jobs[1].kind)
	for _, j := range q.jobs {
		assert.Equal(t, queue.LaneUrgent, j.lane)
		assert.Equal(t, "telegram", j.job.Source)
	}
}

func TestUnknownActionKindIsSkipped(t *testing.T) {
	d, s, q, _ := newDispatcher(t)
	ctx := context.Background()
	_, _, err := s.EnsureGroup(ctx, domain.Group{ID: "g1", Active: true})
	require.NoError(t, err)

	rec := domain.MessageRecord{ID: "m1", GroupID: "g1", Type: domain.TypeNormal, Status: domain.StatusPending}
	_, err = s.CreateMessage(ctx, store.MessageInsert{Record: rec, Now: now})
	require.NoError(t, err)

	matched := []domain.Rule{{Pattern: "x", Type: domain.TypeNormal, Active: true, Actions: []domain.Action{
		{Kind: "SMS"},
		domain.ReplyAction("ack"),
	}}}
	require.NoError(t, d.Dispatch(ctx, matched, &rec, domain.Group{ID: "g1"}, "telegram", nil))

	require.Len(t, q.jobs, 1)
	assert.Equal(t, string(domain.ActionReply), q.jobs[0].kind)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
}

func TestStoredLegacyActionKindIsConfinedToThatAction(t *testing.T) {
	d, s, q, _ := newDispatcher(t)
	ctx := context.Background()

	var g domain.Group
	require.NoError(t, json.Unmarshal([]byte(`{"groupId":"g1","name":"Ops","isActive":true,"monitoringRules":[
		{"pattern":"#helpdesk\\b","type":"HELPDESK","isActive":true,"actions":[
			{"type":"DB_UPDATE","config":{"table":"tickets"}},
			{"type":"EMAIL","config":{"to":"desk@example.com"}}]}]}`), &g))
	require.NoError(t, s.SaveGroup(ctx, g))

	rec, err := d.Handle(ctx, inbound("m1", "need help #helpdesk"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusCompleted, rec.Status)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, string(domain.ActionEmail), q.jobs[0].kind)
	assert.Equal(t, "desk@example.com", q.jobs[0].job.Action.Email.To)
}

func TestEnqueueFailureDoesNotFailMessage(t *testing.T) {
	d, s, q, _ := newDispatcher(t)
	q.err = errors.New("queue down")

	rec, err := d.Handle(context.Background(), inbound("m1", "#helpdesk"))
	require.NoError(t, err)
	require.NotNil(t, rec)

	stored, err := s.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestQuotedContentIsResolvedFromParent(t *testing.T) {
	d, s, _, _ := newDispatcher(t)
	ctx := context.Background()

	_, err := d.Handle(ctx, inbound("m1", "#helpdesk wifi down in lab"))
	require.NoError(t, err)

	reply := inbound("m2", "#helpdesk still down")
	reply.QuotedMessageID = "m1"
	_, err = d.Handle(ctx, reply)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.QuotedMessageID)
	assert.Equal(t, "#helpdesk wifi down in lab", got.Meta(domain.MetaQuotedContent))
}

func TestHandleRejectsMissingFields(t *testing.T) {
	d, _, _, _ := newDispatcher(t)
	_, err := d.Handle(context.Background(), domain.InboundMessage{Body: "#helpdesk"})
	assert.ErrorIs(t, err, domain.ErrMissingFields)
}
