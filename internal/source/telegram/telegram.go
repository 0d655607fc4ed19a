package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relay/internal/domain"
	"relay/internal/source"
)

const (
	Name = "telegram"

	maxMessageLen = 4000
)

// botAPI is the part of tgbotapi.BotAPI the source uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Source receives group messages from a Telegram bot by long polling. It
// also sends replies and downloads media through the same bot.
type Source struct {
	token string
	http  *resty.Client
	log   *slog.Logger

	mu  sync.Mutex
	bot botAPI
}

var (
	_ source.Source       = (*Source)(nil)
	_ source.Messenger    = (*Source)(nil)
	_ source.MediaFetcher = (*Source)(nil)
)

func New(token string, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		token: token,
		http:  resty.New().SetTimeout(60 * time.Second),
		log:   log.With("source", Name),
	}
}

func (s *Source) Name() string { return Name }

func (s *Source) client() (botAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(s.token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	s.log.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	s.bot = bot
	return bot, nil
}

func (s *Source) Run(ctx context.Context, h source.Handler) error {
	bot, err := s.client()
	if err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			in, ok := toInbound(update.Message)
			if !ok {
				continue
			}
			if err := h(ctx, in); err != nil {
				s.log.Error("handle telegram message failed", "message_id", in.ID, "group_id", in.GroupID, "err", err)
			}
		}
	}
}

// toInbound maps a group or supergroup message. Private chats and service
// messages are dropped.
func toInbound(m *tgbotapi.Message) (domain.InboundMessage, bool) {
	if m == nil || m.Chat == nil || !(m.Chat.IsGroup() || m.Chat.IsSuperGroup()) {
		return domain.InboundMessage{}, false
	}
	in := domain.InboundMessage{
		ID:        messageID(m.Chat.ID, m.MessageID),
		Source:    Name,
		GroupID:   strconv.FormatInt(m.Chat.ID, 10),
		GroupName: m.Chat.Title,
		Sender:    senderName(m.From),
		Body:      m.Text,
		Caption:   m.Caption,
		Timestamp: time.Unix(int64(m.Date), 0).UTC(),
	}

	switch {
	case len(m.Photo) > 0:
		// Sizes are ascending; the last is the original.
		p := m.Photo[len(m.Photo)-1]
		in.Media = append(in.Media, domain.MediaRef{FileID: p.FileID, FileName: p.FileUniqueID + ".jpg", MimeType: "image/jpeg"})
	case m.Document != nil:
		in.Media = append(in.Media, domain.MediaRef{FileID: m.Document.FileID, FileName: m.Document.FileName, MimeType: m.Document.MimeType})
	case m.Video != nil:
		in.Media = append(in.Media, domain.MediaRef{FileID: m.Video.FileID, FileName: m.Video.FileName, MimeType: m.Video.MimeType})
	case m.Audio != nil:
		in.Media = append(in.Media, domain.MediaRef{FileID: m.Audio.FileID, FileName: m.Audio.FileName, MimeType: m.Audio.MimeType})
	case m.Voice != nil:
		in.Media = append(in.Media, domain.MediaRef{FileID: m.Voice.FileID, MimeType: m.Voice.MimeType})
	}
	in.HasMedia = len(in.Media) > 0

	if in.Body == "" && !in.HasMedia {
		return domain.InboundMessage{}, false
	}

	if r := m.ReplyToMessage; r != nil {
		in.QuotedMessageID = messageID(m.Chat.ID, r.MessageID)
		in.QuotedContent = r.Text
		if in.QuotedContent == "" {
			in.QuotedContent = r.Caption
		}
	}
	return in, true
}

// Telegram message ids are only unique within a chat.
func messageID(chatID int64, id int) string {
	return "tg:" + strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(id)
}

func senderName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func (s *Source) SendText(ctx context.Context, groupID, text string) error {
	chatID, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", groupID, err)
	}
	bot, err := s.client()
	if err != nil {
		return err
	}
	for _, chunk := range split(text, maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// split cuts text into chunks of at most n bytes, preferring line breaks.
func split(text string, n int) []string {
	var out []string
	for len(text) > n {
		cut := strings.LastIndex(text[:n], "\n")
		if cut < n/2 {
			cut = n
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func (s *Source) FetchMedia(ctx context.Context, ref domain.MediaRef, maxBytes int64) (domain.Attachment, error) {
	bot, err := s.client()
	if err != nil {
		return domain.Attachment{}, err
	}
	url, err := bot.GetFileDirectURL(ref.FileID)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("resolve telegram file %s: %w", ref.FileID, err)
	}
	b, contentType, err := download(ctx, s.http, url, maxBytes)
	if err != nil {
		return domain.Attachment{}, err
	}
	if ref.MimeType != "" {
		contentType = ref.MimeType
	}
	return domain.Attachment{Filename: ref.FileName, ContentType: contentType, Content: b}, nil
}

func download(ctx context.Context, c *resty.Client, url string, maxBytes int64) ([]byte, string, error) {
	resp, err := c.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if !resp.IsSuccess() {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode())
	}

	r := io.Reader(body)
	if maxBytes > 0 {
		r = io.LimitReader(body, maxBytes+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	if maxBytes > 0 && int64(len(b)) > maxBytes {
		return nil, "", fmt.Errorf("%w: over %d bytes", source.ErrTooLarge, maxBytes)
	}
	return b, resp.Header().Get("Content-Type"), nil
}
