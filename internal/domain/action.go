package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type ActionKind string

const (
	ActionEmail   ActionKind = "EMAIL"
	ActionWebhook ActionKind = "WEBHOOK"
	ActionReply   ActionKind = "REPLY"
)

// ActionKinds is the closed set of kinds, in worker start order.
var ActionKinds = []ActionKind{ActionEmail, ActionWebhook, ActionReply}

func (k ActionKind) Valid() bool {
	switch k {
	case ActionEmail, ActionWebhook, ActionReply:
		return true
	}
	return false
}

var ErrUnknownActionKind = errors.New("unknown action kind")

// Action is a tagged union: Kind selects which one of the config pointers is set.
// An action of a kind this build does not know decodes with no config; its
// stored config is kept so that re-encoding the rule set does not lose it.
type Action struct {
	Kind    ActionKind
	Email   *EmailConfig
	Webhook *WebhookConfig
	Reply   *ReplyConfig

	raw json.RawMessage
}

type EmailConfig struct {
	To       string `json:"to,omitempty"`
	CC       string `json:"cc,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	APIKey  string            `json:"apiKey,omitempty"`
}

type ReplyConfig struct {
	Message string `json:"message"`
}

func EmailAction(cfg EmailConfig) Action {
	return Action{Kind: ActionEmail, Email: &cfg}
}

func WebhookAction(cfg WebhookConfig) Action {
	return Action{Kind: ActionWebhook, Webhook: &cfg}
}

func ReplyAction(message string) Action {
	return Action{Kind: ActionReply, Reply: &ReplyConfig{Message: message}}
}

func (a Action) Validate() error {
	switch a.Kind {
	case ActionEmail:
		return nil
	case ActionWebhook:
		if a.Webhook == nil || strings.TrimSpace(a.Webhook.URL) == "" {
			return fmt.Errorf("%w: webhook url", ErrMissingFields)
		}
		return nil
	case ActionReply:
		if a.Reply == nil || a.Reply.Message == "" {
			return fmt.Errorf("%w: reply message", ErrMissingFields)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActionKind, a.Kind)
	}
}

// Key identifies an action by value; used to drop duplicates when flattening rules.
func (a Action) Key() string {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Sprintf("%s/%v/%v/%v", a.Kind, a.Email, a.Webhook, a.Reply)
	}
	return string(b)
}

type actionWire struct {
	Type   ActionKind      `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	var cfg any
	switch a.Kind {
	case ActionEmail:
		cfg = a.Email
		if a.Email == nil {
			cfg = EmailConfig{}
		}
	case ActionWebhook:
		cfg = a.Webhook
	case ActionReply:
		cfg = a.Reply
	case "":
		return nil, fmt.Errorf("%w: empty type", ErrUnknownActionKind)
	default:
		return json.Marshal(actionWire{Type: a.Kind, Config: a.raw})
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(actionWire{Type: a.Kind, Config: raw})
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var w actionWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	cfg := w.Config
	if len(cfg) == 0 || string(cfg) == "null" {
		cfg = []byte("{}")
	}

	out := Action{Kind: w.Type}
	switch w.Type {
	case ActionEmail:
		out.Email = &EmailConfig{}
		if err := json.Unmarshal(cfg, out.Email); err != nil {
			return fmt.Errorf("email config: %w", err)
		}
	case ActionWebhook:
		out.Webhook = &WebhookConfig{}
		if err := json.Unmarshal(cfg, out.Webhook); err != nil {
			return fmt.Errorf("webhook config: %w", err)
		}
	case ActionReply:
		// older rule sets used "content" for the reply text
		var rc struct {
			Message string `json:"message"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(cfg, &rc); err != nil {
			return fmt.Errorf("reply config: %w", err)
		}
		msg := rc.Message
		if msg == "" {
			msg = rc.Content
		}
		out.Reply = &ReplyConfig{Message: msg}
	case "":
		return fmt.Errorf("%w: empty type", ErrUnknownActionKind)
	default:
		// Validate rejects it on import; the dispatcher logs and skips it.
		if len(w.Config) > 0 {
			out.raw = append(json.RawMessage(nil), w.Config...)
		}
	}
	*a = out
	return nil
}
