package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relay/internal/domain"
	"relay/internal/store"
	"relay/internal/util"
)

// ParentLookup resolves the record a message quoted.
type ParentLookup interface {
	GetMessage(ctx context.Context, id string) (domain.MessageRecord, error)
}

// Mail is an assembled outbound notification, ready to be addressed and sent.
type Mail struct {
	Subject     string
	Text        string
	HTML        string
	MessageID   string // with angle brackets
	InReplyTo   string // with angle brackets, empty for a new thread
	References  []string
	Headers     map[string]string
	Attachments []domain.Attachment
	Unit        Unit
	Suffix      string
}

func (m Mail) Threaded() bool { return m.InReplyTo != "" }

// SetPriority adds the importance headers for "high" priority.
func (m *Mail) SetPriority(p string) {
	if !strings.EqualFold(strings.TrimSpace(p), "high") {
		return
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	m.Headers["X-Priority"] = "1"
	m.Headers["Importance"] = "high"
}

type Assembler struct {
	Domain  string
	Names   *UnitNames
	Parents ParentLookup
	Log     *slog.Logger

	Now       func() time.Time
	NewSuffix func() string
}

func (a *Assembler) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *Assembler) suffix() string {
	if a.NewSuffix != nil {
		return a.NewSuffix()
	}
	return util.NewID("")
}

func (a *Assembler) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// BuildMail assembles the mail for rec. A record that quotes a previously
// mailed message reuses that message's subject and threads onto its Message-ID;
// anything else starts a new thread with a unique subject.
func (a *Assembler) BuildMail(ctx context.Context, rec domain.MessageRecord, g domain.Group, attachments []domain.Attachment) (Mail, error) {
	domainName := a.Domain
	if domainName == "" {
		domainName = "relay.local"
	}
	now := a.now()
	suffix := sanitize(a.suffix())
	if suffix == "" {
		return Mail{}, errors.New("empty message id suffix")
	}

	groupName := g.Name
	if groupName == "" {
		groupName = rec.GroupID
	}
	unit := a.Names.ExtractUnit(groupName)

	m := Mail{
		Subject:     fmt.Sprintf("%s - %s #%s", unit.Name, rec.Type, suffix),
		MessageID:   fmt.Sprintf("<%d.%s@%s>", now.UnixMilli(), suffix, domainName),
		Attachments: attachments,
		Unit:        unit,
		Suffix:      suffix,
	}

	if rec.QuotedMessageID != "" && a.Parents != nil {
		parent, err := a.Parents.GetMessage(ctx, rec.QuotedMessageID)
		switch {
		case err == nil:
			if id := parent.Meta(domain.MetaEmailMessageID); id != "" {
				id = Bracket(id)
				m.InReplyTo = id
				m.References = []string{id}
				m.Subject = parent.Meta(domain.MetaEmailSubject)
				if m.Subject == "" {
					m.Subject = unit.Name + " - Notification"
				}
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return Mail{}, fmt.Errorf("load quoted message %s: %w", rec.QuotedMessageID, err)
		}
	}

	names := make([]string, 0, len(attachments))
	for _, att := range attachments {
		names = append(names, att.Filename)
	}
	view := View{
		Unit:        unit.Name,
		Group:       g.Name,
		Sender:      rec.Sender,
		Time:        rec.CreatedAt,
		Content:     rec.Content,
		Quoted:      rec.Meta(domain.MetaQuotedContent),
		Attachments: names,
		ID:          suffix,
	}
	if view.Time.IsZero() {
		view.Time = now
	}

	var err error
	if m.HTML, err = RenderHTML(view); err != nil {
		return Mail{}, fmt.Errorf("render html: %w", err)
	}
	if m.Text, err = RenderText(view); err != nil {
		return Mail{}, fmt.Errorf("render text: %w", err)
	}

	a.logger().Debug("mail assembled", "message_id", rec.ID, "mail_message_id", m.MessageID,
		"threaded", m.Threaded(), "unit", unit.Name)
	return m, nil
}

// Bracket wraps a Message-ID in angle brackets unless it already has them.
func Bracket(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}
	return id
}

func unbracket(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
