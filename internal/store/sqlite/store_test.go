package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/domain"
	"relay/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func helpdeskGroup(id string) domain.Group {
	return domain.Group{ID: id, Name: "SR - Lake School - Ops", Active: true, Rules: []domain.Rule{{
		Pattern: `#helpdesk\b`, Type: domain.TypeHelpdesk, Active: true,
		Actions: []domain.Action{domain.EmailAction(domain.EmailConfig{To: "desk@example.com"})},
	}}}
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	g, created, err := s.EnsureGroup(ctx, helpdeskGroup("g1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "desk@example.com", g.Rules[0].Actions[0].Email.To)

	other := helpdeskGroup("g1")
	other.Name = "renamed"
	other.Rules = nil
	g, created, err = s.EnsureGroup(ctx, other)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "SR - Lake School - Ops", g.Name, "existing row wins")
	assert.Len(t, g.Rules, 1)
}

func TestSaveGroupUpserts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	g := helpdeskGroup("g1")
	require.NoError(t, s.SaveGroup(ctx, g))

	g.Rules = append(g.Rules, domain.Rule{Pattern: "down", Type: domain.TypeUrgent, Active: true,
		Actions: []domain.Action{domain.WebhookAction(domain.WebhookConfig{URL: "https://example.com/h"})}})
	g.Metadata = map[string]string{"region": "north"}
	require.NoError(t, s.SaveGroup(ctx, g))

	got, err := s.FindGroupByID(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, got.Rules, 2)
	assert.Equal(t, "https://example.com/h", got.Rules[1].Actions[0].Webhook.URL)
	assert.Equal(t, "north", got.Metadata["region"])

	_, err = s.FindGroupByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindGroupsByRuleActionType(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveGroup(ctx, helpdeskGroup("mail")))
	require.NoError(t, s.SaveGroup(ctx, domain.Group{ID: "hook", Active: true, Rules: []domain.Rule{{
		Pattern: "x", Type: domain.TypeNormal, Active: true,
		Actions: []domain.Action{domain.WebhookAction(domain.WebhookConfig{URL: "https://example.com"})},
	}}}))

	groups, err := s.FindGroupsByRuleActionType(ctx, domain.ActionEmail)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "mail", groups[0].ID)
}

func TestMessageLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, _, err := s.EnsureGroup(ctx, helpdeskGroup("g1"))
	require.NoError(t, err)

	rec := domain.MessageRecord{ID: "m1", GroupID: "g1", Sender: "Asha", Content: "wifi #helpdesk",
		Type: domain.TypeHelpdesk, Status: domain.StatusPending, QuotedMessageID: "m0",
		Metadata: map[string]string{domain.MetaQuotedContent: "earlier"}}
	created, err := s.CreateMessage(ctx, store.MessageInsert{Record: rec, Now: now})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateMessage(ctx, store.MessageInsert{Record: rec, Now: now})
	require.NoError(t, err)
	assert.False(t, created)

	done := now.Add(time.Second)
	require.NoError(t, s.UpdateStatus(ctx, store.StatusUpdate{ID: "m1", Status: domain.StatusCompleted, ProcessedAt: &done, Now: done}))
	require.NoError(t, s.MergeMetadata(ctx, store.MetadataUpdate{ID: "m1", Now: done, Values: map[string]string{
		domain.MetaEmailMessageID: "<1.x@relay.local>",
	}}))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(done))
	assert.Equal(t, "earlier", got.Meta(domain.MetaQuotedContent))
	assert.Equal(t, "<1.x@relay.local>", got.Meta(domain.MetaEmailMessageID))
	assert.Equal(t, "m0", got.QuotedMessageID)

	assert.ErrorIs(t, s.UpdateStatus(ctx, store.StatusUpdate{ID: "nope", Status: domain.StatusFailed, Now: done}), store.ErrNotFound)
	assert.ErrorIs(t, s.MergeMetadata(ctx, store.MetadataUpdate{ID: "nope", Now: done}), store.ErrNotFound)
}

func TestTouchLastMessage(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, _, err := s.EnsureGroup(ctx, helpdeskGroup("g1"))
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.TouchLastMessage(ctx, store.GroupTouch{ID: "g1", At: at}))

	g, err := s.FindGroupByID(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, g.LastMessageAt)
	assert.True(t, g.LastMessageAt.Equal(at))
}

func TestStoredUnknownActionKindDoesNotBreakGroupRead(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `INSERT INTO groups (group_id, name, is_active, rules, metadata, created_at, updated_at)
		VALUES ('g1', 'Ops', 1, ?, '{}', 0, 0)`,
		`[{"pattern":"#helpdesk\\b","type":"HELPDESK","isActive":true,"actions":[
			{"type":"DB_UPDATE","config":{"table":"tickets"}},
			{"type":"EMAIL","config":{"to":"desk@example.com"}}]}]`)
	require.NoError(t, err)

	g, err := s.FindGroupByID(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, g.Rules[0].Actions, 2)
	assert.Equal(t, domain.ActionKind("DB_UPDATE"), g.Rules[0].Actions[0].Kind)
	assert.Equal(t, "desk@example.com", g.Rules[0].Actions[1].Email.To)

	// a rewrite of the group keeps the legacy action as stored
	g.Name = "Ops 2"
	require.NoError(t, s.SaveGroup(ctx, g))
	var rules string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT rules FROM groups WHERE group_id = 'g1'`).Scan(&rules))
	assert.Contains(t, rules, `"table":"tickets"`)
}
