package worker

import (
	"context"
	"fmt"
	"log/slog"

	"relay/internal/domain"
	"relay/internal/queue"
	"relay/internal/webhook"
)

type WebhookSender interface {
	Send(ctx context.Context, req webhook.Request) (webhook.Result, error)
}

// WebhookProcessor handles WEBHOOK jobs. The sender retries within one job
// attempt; a job attempt fails only once those retries are exhausted.
type WebhookProcessor struct {
	Sender WebhookSender
	Log    *slog.Logger
}

func (p *WebhookProcessor) Process(ctx context.Context, job *queue.Job) error {
	var aj domain.ActionJob
	if err := job.Decode(&aj); err != nil {
		return queue.Permanent(fmt.Errorf("decode webhook job: %w", err))
	}
	cfg := aj.Action.Webhook
	if cfg == nil || cfg.URL == "" {
		return queue.Permanent(fmt.Errorf("webhook action for message %s has no url", aj.MessageID))
	}

	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.APIKey != "" {
		headers["X-API-Key"] = cfg.APIKey
	}

	res, err := p.Sender.Send(ctx, webhook.Request{
		URL:     cfg.URL,
		Method:  cfg.Method,
		Headers: headers,
		Payload: aj.WebhookPayload(),
	})
	if err != nil {
		return err
	}
	if res.Attempts == 0 && res.Err != nil {
		return queue.Permanent(res.Err)
	}
	if !res.Success {
		return fmt.Errorf("webhook %s failed after %d attempts (status %d): %w", cfg.URL, res.Attempts, res.StatusCode, res.Err)
	}

	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("webhook delivered", "message_id", aj.MessageID, "url", cfg.URL, "status", res.StatusCode, "attempts", res.Attempts)
	return nil
}
