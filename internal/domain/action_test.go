package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionDecodeKeepsLegacyKeys(t *testing.T) {
	raw := `{"groupId":"g1","name":"SR - Green Valley School - Ops","isActive":true,"monitoringRules":[
		{"pattern":"#helpdesk\\b","type":"HELPDESK","isActive":true,"actions":[
			{"type":"EMAIL","config":{"to":"desk@example.com","priority":"high"}},
			{"type":"WEBHOOK","config":{"url":"https://hooks.example.com/x","apiKey":"k1","headers":{"X-Env":"test"}}},
			{"type":"REPLY","config":{"content":"ticket noted"}}
		]}]}`

	var g Group
	require.NoError(t, json.Unmarshal([]byte(raw), &g))
	require.NoError(t, g.Validate())
	require.Len(t, g.Rules, 1)

	acts := g.Rules[0].Actions
	require.Len(t, acts, 3)
	assert.Equal(t, ActionEmail, acts[0].Kind)
	assert.Equal(t, "desk@example.com", acts[0].Email.To)
	assert.Equal(t, "high", acts[0].Email.Priority)
	assert.Equal(t, "k1", acts[1].Webhook.APIKey)
	assert.Equal(t, "test", acts[1].Webhook.Headers["X-Env"])
	assert.Equal(t, "ticket noted", acts[2].Reply.Message)

	// re-encoding uses the current key names
	out, err := json.Marshal(acts[2])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"REPLY","config":{"message":"ticket noted"}}`, string(out))
}

func TestActionDecodeKeepsUnknownKind(t *testing.T) {
	var a Action
	require.NoError(t, json.Unmarshal([]byte(`{"type":"DB_UPDATE","config":{"table":"tickets"}}`), &a))
	assert.Equal(t, ActionKind("DB_UPDATE"), a.Kind)
	assert.Nil(t, a.Email)
	assert.True(t, errors.Is(a.Validate(), ErrUnknownActionKind))

	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"DB_UPDATE","config":{"table":"tickets"}}`, string(out))

	// kinds are case-sensitive
	require.NoError(t, json.Unmarshal([]byte(`{"type":"email"}`), &a))
	assert.True(t, errors.Is(a.Validate(), ErrUnknownActionKind))

	err = json.Unmarshal([]byte(`{"config":{}}`), &a)
	assert.True(t, errors.Is(err, ErrUnknownActionKind))
}

func TestActionEmailWithoutConfig(t *testing.T) {
	var a Action
	require.NoError(t, json.Unmarshal([]byte(`{"type":"EMAIL"}`), &a))
	require.NotNil(t, a.Email)
	assert.Equal(t, "", a.Email.To)
}

func TestGroupValidate(t *testing.T) {
	g := Group{ID: "g1", Rules: []Rule{{Pattern: "(", Type: TypeHelpdesk, Actions: []Action{EmailAction(EmailConfig{})}}}}
	assert.NoError(t, g.Validate(), "invalid patterns are not a load error")

	g.Rules[0].Actions = append(g.Rules[0].Actions, Action{Kind: ActionWebhook, Webhook: &WebhookConfig{}})
	assert.ErrorIs(t, g.Validate(), ErrMissingFields)

	g.Rules[0].Actions = nil
	g.Rules[0].Type = "LOW"
	assert.ErrorIs(t, g.Validate(), ErrInvalidRule)

	assert.ErrorIs(t, Group{}.Validate(), ErrMissingFields)
}

func TestActionKeyDistinguishesConfig(t *testing.T) {
	a := EmailAction(EmailConfig{To: "a@example.com"})
	b := EmailAction(EmailConfig{To: "a@example.com"})
	c := EmailAction(EmailConfig{To: "b@example.com"})
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}
