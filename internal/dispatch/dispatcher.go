package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay/internal/domain"
	"relay/internal/matcher"
	"relay/internal/observability"
	"relay/internal/queue"
	"relay/internal/store"
)

// Enqueuer is the part of the queue the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, lane queue.Lane, payload any) (*queue.Job, error)
}

// MediaSource downloads media for the source a message came from.
type MediaSource interface {
	FetchMedia(ctx context.Context, source string, ref domain.MediaRef, maxBytes int64) (domain.Attachment, error)
}

type Dispatcher struct {
	Rules    store.RuleStore
	Messages store.MessageStore
	Matcher  *matcher.Matcher
	Queue    Enqueuer
	Media    MediaSource

	// DefaultRecipient is the EMAIL recipient of auto-provisioned rules and
	// of the synthesized media fallback action.
	DefaultRecipient string
	MediaMaxBytes    int64
	MediaTimeout     time.Duration

	Now func() time.Time
	Log *slog.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Handle runs one inbound message through the pipeline. It returns nil, nil
// when the message matched nothing and no record was created.
func (d *Dispatcher) Handle(ctx context.Context, in domain.InboundMessage) (*domain.MessageRecord, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	start := d.now()
	observability.MessagesReceived.WithLabelValues(in.Source).Inc()
	log := d.log().With("message_id", in.ID, "group_id", in.GroupID, "source", in.Source)

	g, created, err := d.Rules.EnsureGroup(ctx, domain.Group{
		ID:        in.GroupID,
		Name:      in.GroupName,
		Active:    true,
		Rules:     matcher.DefaultRules(d.DefaultRecipient),
		CreatedAt: start,
		UpdatedAt: start,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure group %s: %w", in.GroupID, err)
	}
	if created {
		log.Info("group provisioned with default rules", "group_name", in.GroupName)
	}
	if !g.Active {
		observability.MessagesProcessed.WithLabelValues("inactive_group", "").Inc()
		return nil, nil
	}

	matched := d.Matcher.Match(g, in.Text())
	mediaHit := matcher.MediaFlagsHelpdesk(in)
	if len(matched) == 0 && !mediaHit {
		observability.MessagesProcessed.WithLabelValues("unmatched", "").Inc()
		return nil, nil
	}

	existing, err := d.Messages.GetMessage(ctx, in.ID)
	if err == nil {
		log.Info("duplicate message ignored")
		observability.MessagesProcessed.WithLabelValues("duplicate", string(existing.Type)).Inc()
		return &existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load message %s: %w", in.ID, err)
	}

	typ := domain.TypeHelpdesk
	if len(matched) > 0 {
		typ = matched[0].Type
	}

	var attachments []domain.Attachment
	if hasKind(d.plan(matched, g), domain.ActionEmail) {
		attachments = d.fetchMedia(ctx, in, log)
	}

	meta := map[string]string{}
	if in.Source != "" {
		meta[domain.MetaSource] = in.Source
	}
	if q := d.quotedContent(ctx, in); q != "" {
		meta[domain.MetaQuotedContent] = q
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = start
	}
	rec := domain.MessageRecord{
		ID:              in.ID,
		GroupID:         in.GroupID,
		Sender:          in.Sender,
		Content:         in.Text(),
		Type:            typ,
		Status:          domain.StatusPending,
		QuotedMessageID: in.QuotedMessageID,
		Metadata:        meta,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	ok, err := d.Messages.CreateMessage(ctx, store.MessageInsert{Record: rec, Now: ts})
	if err != nil {
		return nil, fmt.Errorf("create message %s: %w", in.ID, err)
	}
	if !ok {
		// Lost a race with a concurrent delivery of the same message.
		existing, err := d.Messages.GetMessage(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		return &existing, nil
	}

	if len(g.Name) == 0 {
		g.Name = in.GroupName
	}
	if err := d.Dispatch(ctx, matched, &rec, g, in.Source, attachments); err != nil {
		return nil, err
	}

	if err := d.Rules.TouchLastMessage(ctx, store.GroupTouch{ID: g.ID, At: ts}); err != nil {
		log.Warn("touch group last message failed", "err", err)
	}
	observability.ProcessingDuration.Observe(d.now().Sub(start).Seconds())
	return &rec, nil
}

// Dispatch queues every action of the matched rules for rec and marks the
// record COMPLETED once all of them have been attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, matched []domain.Rule, rec *domain.MessageRecord, g domain.Group, source string, attachments []domain.Attachment) error {
	log := d.log().With("message_id", rec.ID, "group_id", rec.GroupID)

	if err := d.setStatus(ctx, rec, domain.StatusProcessing, nil); err != nil {
		return err
	}

	lane := queue.LaneNormal
	if rec.Type == domain.TypeUrgent {
		lane = queue.LaneUrgent
	}

	plan := d.plan(matched, g)
	for _, ra := range plan {
		job := domain.ActionJob{
			Action:          ra.Action,
			MessageID:       rec.ID,
			Source:          source,
			GroupID:         rec.GroupID,
			GroupName:       g.Name,
			Sender:          rec.Sender,
			Content:         rec.Content,
			Type:            rec.Type,
			QuotedMessageID: rec.QuotedMessageID,
			Timestamp:       rec.CreatedAt,
			Rule:            ra.Rule,
		}
		if ra.Action.Kind == domain.ActionEmail {
			job.Attachments = attachments
		}
		d.enqueue(ctx, log, lane, ra, job)
	}

	now := d.now()
	if err := d.setStatus(ctx, rec, domain.StatusCompleted, &now); err != nil {
		return err
	}
	observability.MessagesProcessed.WithLabelValues("completed", string(rec.Type)).Inc()
	log.Info("message dispatched", "type", rec.Type, "actions", len(plan))
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, log *slog.Logger, lane queue.Lane, ra matcher.RuleAction, job domain.ActionJob) {
	log = log.With("rule", ra.Rule, "action", ra.Action.Kind)
	defer func() {
		if r := recover(); r != nil {
			log.Error("action dispatch panicked", "panic", r)
		}
	}()

	switch ra.Action.Kind {
	case domain.ActionEmail, domain.ActionWebhook, domain.ActionReply:
		if _, err := d.Queue.Enqueue(ctx, string(ra.Action.Kind), lane, job); err != nil {
			log.Error("action enqueue failed", "err", err)
		}
	default:
		observability.RuleErrors.WithLabelValues("unknown_action_kind").Inc()
		log.Error("unknown action kind skipped")
	}
}

// plan is the flattened action list for a message. Without any textual match
// the media heuristic falls back to the group's first HELPDESK rule, or to a
// single EMAIL action to the default recipient.
func (d *Dispatcher) plan(matched []domain.Rule, g domain.Group) []matcher.RuleAction {
	if len(matched) > 0 {
		return matcher.Flatten(matched)
	}
	if r, ok := matcher.FirstHelpdesk(g); ok {
		return matcher.Flatten([]domain.Rule{r})
	}
	return []matcher.RuleAction{{
		Action: domain.EmailAction(domain.EmailConfig{To: d.DefaultRecipient}),
		Rule:   "media caption",
		Type:   domain.TypeHelpdesk,
	}}
}

func (d *Dispatcher) setStatus(ctx context.Context, rec *domain.MessageRecord, st domain.Status, processed *time.Time) error {
	now := d.now()
	if err := d.Messages.UpdateStatus(ctx, store.StatusUpdate{ID: rec.ID, Status: st, ProcessedAt: processed, Now: now}); err != nil {
		return fmt.Errorf("set message %s %s: %w", rec.ID, st, err)
	}
	rec.Status = st
	rec.UpdatedAt = now
	if processed != nil {
		rec.ProcessedAt = processed
	}
	return nil
}

func (d *Dispatcher) fetchMedia(ctx context.Context, in domain.InboundMessage, log *slog.Logger) []domain.Attachment {
	if !in.HasMedia || len(in.Media) == 0 || d.Media == nil {
		return nil
	}
	timeout := d.MediaTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var out []domain.Attachment
	for _, ref := range in.Media {
		fctx, cancel := context.WithTimeout(ctx, timeout)
		att, err := d.Media.FetchMedia(fctx, in.Source, ref, d.MediaMaxBytes)
		cancel()
		if err != nil {
			log.Warn("media download failed, sending without it", "file_id", ref.FileID, "err", err)
			continue
		}
		if att.Filename == "" {
			att.Filename = ref.FileName
		}
		if att.Filename == "" {
			att.Filename = domain.DefaultAttachmentName
		}
		if att.ContentType == "" {
			att.ContentType = ref.MimeType
		}
		out = append(out, att)
	}
	return out
}

func (d *Dispatcher) quotedContent(ctx context.Context, in domain.InboundMessage) string {
	if in.QuotedContent != "" {
		return in.QuotedContent
	}
	if in.QuotedMessageID == "" {
		return ""
	}
	parent, err := d.Messages.GetMessage(ctx, in.QuotedMessageID)
	if err != nil {
		return ""
	}
	return parent.Content
}

func hasKind(plan []matcher.RuleAction, k domain.ActionKind) bool {
	for _, ra := range plan {
		if ra.Action.Kind == k {
			return true
		}
	}
	return false
}
