package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ReplyClient posts REPLY texts for HTTP-ingested messages back to the
// bridge that sent them, signed like inbound events.
type ReplyClient struct {
	URL    string
	Secret string
	Client *resty.Client
}

func NewReplyClient(url, secret string, timeout time.Duration) *ReplyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReplyClient{
		URL:    url,
		Secret: secret,
		Client: resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
	}
}

type replyBody struct {
	GroupID string `json:"groupId"`
	Text    string `json:"text"`
}

func (c *ReplyClient) SendText(ctx context.Context, groupID, text string) error {
	if c.URL == "" {
		return errors.New("no reply url configured for http ingest")
	}
	body, err := json.Marshal(replyBody{GroupID: groupID, Text: text})
	if err != nil {
		return err
	}
	req := c.Client.R().SetContext(ctx).SetBody(body)
	if c.Secret != "" {
		req.SetHeader(SignatureHeader, Sign(c.Secret, body))
	}
	resp, err := req.Execute(http.MethodPost, c.URL)
	if err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("post reply: status %d", resp.StatusCode())
	}
	return nil
}
