package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type Classification string

const (
	TypeHelpdesk Classification = "HELPDESK"
	TypeUrgent   Classification = "URGENT"
	TypeNormal   Classification = "NORMAL"
)

func (c Classification) Valid() bool {
	switch c {
	case TypeHelpdesk, TypeUrgent, TypeNormal:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Metadata keys persisted on a MessageRecord.
const (
	MetaEmailMessageID = "emailMessageId"
	MetaEmailSubject   = "emailSubject"
	MetaQuotedContent  = "quotedContent"
	MetaSource         = "source"

	// metaEmailSentPrefix + an action digest records that one EMAIL action
	// of the message has been sent.
	metaEmailSentPrefix = "emailSent:"
)

// EmailSentKey is the metadata key marking that action a was mailed for a
// message. Distinct EMAIL actions of one message get distinct keys.
func EmailSentKey(a Action) string {
	sum := sha256.Sum256([]byte(a.Key()))
	return metaEmailSentPrefix + hex.EncodeToString(sum[:8])
}

var (
	ErrMissingFields = errors.New("missing required fields")
	ErrInvalidRule   = errors.New("invalid rule")
)

type Group struct {
	ID            string            `json:"groupId"`
	Name          string            `json:"name"`
	Active        bool              `json:"isActive"`
	Rules         []Rule            `json:"monitoringRules"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastMessageAt *time.Time        `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Validate checks the parts of a group that must be rejected at load time.
// Patterns are not compiled here; an invalid pattern only disables its own rule.
func (g Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: group id", ErrMissingFields)
	}
	for i, r := range g.Rules {
		if !r.Type.Valid() {
			return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidRule, r.Ref(i), r.Type)
		}
		for _, a := range r.Actions {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("%s: %w", r.Ref(i), err)
			}
		}
	}
	return nil
}

// HasActionKind reports whether any rule of the group declares an action of kind k.
func (g Group) HasActionKind(k ActionKind) bool {
	for _, r := range g.Rules {
		for _, a := range r.Actions {
			if a.Kind == k {
				return true
			}
		}
	}
	return false
}

type Rule struct {
	Pattern string         `json:"pattern"`
	Type    Classification `json:"type"`
	Actions []Action       `json:"actions"`
	Active  bool           `json:"isActive"`
}

// Ref is the identity used when logging about the i-th rule of a group.
func (r Rule) Ref(i int) string {
	return fmt.Sprintf("rule[%d] %q", i, r.Pattern)
}

// Label identifies a rule without its position.
func (r Rule) Label() string {
	return fmt.Sprintf("%s %q", r.Type, r.Pattern)
}

type MessageRecord struct {
	ID              string            `json:"messageId"`
	GroupID         string            `json:"groupId"`
	Sender          string            `json:"sender"`
	Content         string            `json:"content"`
	Type            Classification    `json:"type"`
	Status          Status            `json:"status"`
	QuotedMessageID string            `json:"quotedMessageId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ProcessedAt     *time.Time        `json:"processedAt,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func (m MessageRecord) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// InboundMessage is one message event delivered by a chat source.
type InboundMessage struct {
	ID              string     `json:"messageId"`
	Source          string     `json:"source"`
	GroupID         string     `json:"groupId"`
	GroupName       string     `json:"groupName"`
	Sender          string     `json:"sender"`
	Body            string     `json:"body"`
	Timestamp       time.Time  `json:"timestamp"`
	HasMedia        bool       `json:"hasMedia"`
	Caption         string     `json:"caption,omitempty"`
	Media           []MediaRef `json:"media,omitempty"`
	QuotedMessageID string     `json:"quotedMessageId,omitempty"`
	QuotedContent   string     `json:"quotedContent,omitempty"`
}

func (m InboundMessage) Validate() error {
	if m.ID == "" || m.GroupID == "" {
		return ErrMissingFields
	}
	return nil
}

// Text is what rules are evaluated against: the body, or the caption for media-only messages.
func (m InboundMessage) Text() string {
	if m.Body != "" {
		return m.Body
	}
	return m.Caption
}

// MediaRef points at a media item the source can fetch later.
type MediaRef struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Attachment always carries its bytes inline.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

const DefaultAttachmentName = "attachment.dat"
