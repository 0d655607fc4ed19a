package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"relay/internal/domain"
	"relay/internal/source"
)

const Name = "feishu"

// Source receives group messages over the Feishu event WebSocket and uses
// the open API for replies, chat names and message resources.
type Source struct {
	appID     string
	appSecret string
	client    *lark.Client
	log       *slog.Logger

	mu    sync.Mutex
	names map[string]string
}

var (
	_ source.Source       = (*Source)(nil)
	_ source.Messenger    = (*Source)(nil)
	_ source.MediaFetcher = (*Source)(nil)
)

func New(appID, appSecret string, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		appID:     appID,
		appSecret: appSecret,
		client:    lark.NewClient(appID, appSecret),
		log:       log.With("source", Name),
		names:     map[string]string{},
	}
}

func (s *Source) Name() string { return Name }

func (s *Source) Run(ctx context.Context, h source.Handler) error {
	handler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(evCtx context.Context, ev *larkim.P2MessageReceiveV1) error {
			in, ok := toInbound(ev)
			if !ok {
				return nil
			}
			in.GroupName = s.chatName(ctx, in.GroupID)
			if err := h(ctx, in); err != nil {
				s.log.Error("handle feishu message failed", "message_id", in.ID, "group_id", in.GroupID, "err", err)
			}
			return nil
		})

	ws := larkws.NewClient(s.appID, s.appSecret,
		larkws.WithEventHandler(handler),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)
	s.log.Info("feishu websocket connecting")
	return ws.Start(ctx)
}

type textContent struct {
	Text string `json:"text"`
}

type resourceContent struct {
	ImageKey string `json:"image_key"`
	FileKey  string `json:"file_key"`
	FileName string `json:"file_name"`
}

// toInbound maps a group message event. Messages sent by apps, including
// this one, and non-group chats are dropped.
func toInbound(ev *larkim.P2MessageReceiveV1) (domain.InboundMessage, bool) {
	if ev == nil || ev.Event == nil || ev.Event.Message == nil {
		return domain.InboundMessage{}, false
	}
	if sender := ev.Event.Sender; sender != nil && str(sender.SenderType) == "app" {
		return domain.InboundMessage{}, false
	}
	msg := ev.Event.Message
	if str(msg.ChatType) != "group" || str(msg.MessageId) == "" || str(msg.ChatId) == "" {
		return domain.InboundMessage{}, false
	}

	in := domain.InboundMessage{
		ID:              str(msg.MessageId),
		Source:          Name,
		GroupID:         str(msg.ChatId),
		QuotedMessageID: str(msg.ParentId),
		Timestamp:       time.Now().UTC(),
	}
	if ms, err := strconv.ParseInt(str(msg.CreateTime), 10, 64); err == nil {
		in.Timestamp = time.UnixMilli(ms).UTC()
	}
	if s := ev.Event.Sender; s != nil && s.SenderId != nil {
		in.Sender = str(s.SenderId.OpenId)
	}

	raw := []byte(str(msg.Content))
	switch str(msg.MessageType) {
	case "text":
		var c textContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return domain.InboundMessage{}, false
		}
		in.Body = strings.TrimSpace(c.Text)
	case "image":
		var c resourceContent
		if err := json.Unmarshal(raw, &c); err != nil || c.ImageKey == "" {
			return domain.InboundMessage{}, false
		}
		in.Media = []domain.MediaRef{{FileID: resourceID(in.ID, "image", c.ImageKey), FileName: c.ImageKey + ".png", MimeType: "image/png"}}
	case "file":
		var c resourceContent
		if err := json.Unmarshal(raw, &c); err != nil || c.FileKey == "" {
			return domain.InboundMessage{}, false
		}
		in.Media = []domain.MediaRef{{FileID: resourceID(in.ID, "file", c.FileKey), FileName: c.FileName}}
	default:
		return domain.InboundMessage{}, false
	}
	in.HasMedia = len(in.Media) > 0
	if in.Body == "" && !in.HasMedia {
		return domain.InboundMessage{}, false
	}
	return in, true
}

// Resources are addressed by the message that carries them.
func resourceID(messageID, typ, key string) string {
	return messageID + "|" + typ + "|" + key
}

func parseResourceID(id string) (messageID, typ, key string, err error) {
	parts := strings.SplitN(id, "|", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed feishu resource id %q", id)
	}
	return parts[0], parts[1], parts[2], nil
}

func (s *Source) chatName(ctx context.Context, chatID string) string {
	s.mu.Lock()
	name, ok := s.names[chatID]
	s.mu.Unlock()
	if ok {
		return name
	}

	resp, err := s.client.Im.Chat.Get(ctx, larkim.NewGetChatReqBuilder().ChatId(chatID).Build())
	if err != nil || !resp.Success() || resp.Data == nil {
		s.log.Warn("feishu chat lookup failed", "group_id", chatID, "err", err)
		return ""
	}
	name = str(resp.Data.Name)
	s.mu.Lock()
	s.names[chatID] = name
	s.mu.Unlock()
	return name
}

func (s *Source) SendText(ctx context.Context, groupID, text string) error {
	body, err := json.Marshal(textContent{Text: text})
	if err != nil {
		return err
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(groupID).
			MsgType(larkim.MsgTypeText).
			Content(string(body)).
			Build()).
		Build()

	resp, err := s.client.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu send: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("feishu send: %d %s", resp.Code, resp.Msg)
	}
	return nil
}

func (s *Source) FetchMedia(ctx context.Context, ref domain.MediaRef, maxBytes int64) (domain.Attachment, error) {
	messageID, typ, key, err := parseResourceID(ref.FileID)
	if err != nil {
		return domain.Attachment{}, err
	}
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(key).
		Type(typ).
		Build()
	resp, err := s.client.Im.MessageResource.Get(ctx, req)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("feishu resource: %w", err)
	}
	if !resp.Success() {
		return domain.Attachment{}, fmt.Errorf("feishu resource: %d %s", resp.Code, resp.Msg)
	}
	if resp.File == nil {
		return domain.Attachment{}, errors.New("feishu resource: empty body")
	}

	r := resp.File
	if maxBytes > 0 {
		r = io.LimitReader(resp.File, maxBytes+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("feishu resource: %w", err)
	}
	if maxBytes > 0 && int64(len(b)) > maxBytes {
		return domain.Attachment{}, fmt.Errorf("%w: over %d bytes", source.ErrTooLarge, maxBytes)
	}

	name := ref.FileName
	if name == "" {
		name = resp.FileName
	}
	return domain.Attachment{Filename: name, ContentType: ref.MimeType, Content: b}, nil
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
