package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"relay/internal/domain"
	"relay/internal/queue"
	"relay/internal/source"
)

type Messenger interface {
	SendText(ctx context.Context, source, groupID, text string) error
}

// ReplyProcessor handles REPLY jobs by posting the configured text back
// into the group through the source the message arrived on.
type ReplyProcessor struct {
	Messenger Messenger
	Log       *slog.Logger
}

func (p *ReplyProcessor) Process(ctx context.Context, job *queue.Job) error {
	var aj domain.ActionJob
	if err := job.Decode(&aj); err != nil {
		return queue.Permanent(fmt.Errorf("decode reply job: %w", err))
	}
	if aj.Action.Reply == nil || aj.Action.Reply.Message == "" {
		return queue.Permanent(fmt.Errorf("reply action for message %s has no message", aj.MessageID))
	}

	err := p.Messenger.SendText(ctx, aj.Source, aj.GroupID, aj.Action.Reply.Message)
	if errors.Is(err, source.ErrUnknownSource) || errors.Is(err, source.ErrUnsupported) {
		return queue.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("reply sent", "message_id", aj.MessageID, "group_id", aj.GroupID, "source", aj.Source)
	return nil
}
