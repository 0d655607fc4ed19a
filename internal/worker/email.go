package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"relay/internal/domain"
	"relay/internal/mail"
	"relay/internal/observability"
	"relay/internal/queue"
	"relay/internal/store"
)

// GroupLookup resolves the group a job's message belongs to.
type GroupLookup interface {
	FindGroupByID(ctx context.Context, id string) (domain.Group, error)
}

// EmailProcessor handles EMAIL jobs: it assembles the threaded notification,
// sends it and records the outbound Message-ID on the message record.
type EmailProcessor struct {
	Messages  store.MessageStore
	Groups    GroupLookup
	Assembler *mail.Assembler
	Transport mail.Transport

	FromAddress string
	// DefaultTo is used when the action carries no recipient.
	DefaultTo string

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	Now     func() time.Time
	Log     *slog.Logger
}

func NewMailBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
}

func (p *EmailProcessor) Process(ctx context.Context, job *queue.Job) error {
	var aj domain.ActionJob
	if err := job.Decode(&aj); err != nil {
		return queue.Permanent(fmt.Errorf("decode email job: %w", err))
	}
	var cfg domain.EmailConfig
	if aj.Action.Email != nil {
		cfg = *aj.Action.Email
	}
	to := splitAddresses(cfg.To)
	if len(to) == 0 {
		to = splitAddresses(p.DefaultTo)
	}
	if len(to) == 0 {
		return queue.Permanent(errors.New("email action has no recipient and no default is configured"))
	}
	log := p.logger().With("message_id", aj.MessageID, "job_id", job.ID, "attempt", job.Attempt)

	rec, err := p.Messages.GetMessage(ctx, aj.MessageID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = recordFromJob(aj)
	case err != nil:
		return err
	}

	// Idempotent consumer: a retried job must not send its mail twice. The
	// marker is per action so other EMAIL actions of the message still run.
	sentKey := domain.EmailSentKey(aj.Action)
	if id := rec.Meta(sentKey); id != "" {
		log.Info("action already mailed, skipping", "mail_message_id", id)
		return nil
	}

	g, err := p.Groups.FindGroupByID(ctx, aj.GroupID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g = domain.Group{ID: aj.GroupID}
	case err != nil:
		return err
	}
	if g.Name == "" {
		g.Name = aj.GroupName
	}

	m, err := p.Assembler.BuildMail(ctx, rec, g, aj.Attachments)
	if err != nil {
		return err
	}
	m.SetPriority(cfg.Priority)

	env := mail.Envelope{
		FromName:    m.Unit.Name + " Relay",
		FromAddress: p.FromAddress,
		To:          to,
		CC:          splitAddresses(cfg.CC),
		Date:        p.now(),
		Mail:        m,
	}

	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			observability.MailSend.WithLabelValues("rate_limited_local", "false").Inc()
			return err
		}
	}

	threaded := strconv.FormatBool(m.Threaded())
	if _, err := p.send(ctx, env); err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.MailSend.WithLabelValues("cb_open", threaded).Inc()
		} else {
			observability.MailSend.WithLabelValues("error", threaded).Inc()
		}
		return fmt.Errorf("send mail: %w", err)
	}
	observability.MailSend.WithLabelValues("ok", threaded).Inc()

	values := map[string]string{sentKey: m.MessageID}
	// Replies thread onto the first mail sent for the message.
	if rec.Meta(domain.MetaEmailMessageID) == "" {
		values[domain.MetaEmailMessageID] = m.MessageID
		values[domain.MetaEmailSubject] = m.Subject
	}
	err = p.Messages.MergeMetadata(ctx, store.MetadataUpdate{ID: rec.ID, Now: p.now(), Values: values})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// The mail is out; retrying would send it twice.
		log.Error("record mail message id failed", "err", err)
	}

	log.Info("mail sent", "mail_message_id", m.MessageID, "subject", m.Subject,
		"to", strings.Join(to, ","), "threaded", m.Threaded(), "attachments", len(m.Attachments))
	return nil
}

func (p *EmailProcessor) send(ctx context.Context, env mail.Envelope) (string, error) {
	call := func() (any, error) {
		return p.Transport.Send(ctx, env)
	}
	var (
		out any
		err error
	)
	if p.Breaker == nil {
		out, err = call()
	} else {
		out, err = p.Breaker.Execute(call)
	}
	if err != nil {
		return "", err
	}
	id, _ := out.(string)
	return id, nil
}

func (p *EmailProcessor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *EmailProcessor) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func recordFromJob(aj domain.ActionJob) domain.MessageRecord {
	return domain.MessageRecord{
		ID:              aj.MessageID,
		GroupID:         aj.GroupID,
		Sender:          aj.Sender,
		Content:         aj.Content,
		Type:            aj.Type,
		QuotedMessageID: aj.QuotedMessageID,
		CreatedAt:       aj.Timestamp,
	}
}

func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
