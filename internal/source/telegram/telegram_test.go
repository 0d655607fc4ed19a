package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/domain"
	"relay/internal/source"
)

type fakeBot struct {
	sent    []tgbotapi.MessageConfig
	fileURL string
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) GetFileDirectURL(string) (string, error) { return f.fileURL, nil }

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeBot) StopReceivingUpdates() {}

func groupChat() *tgbotapi.Chat {
	return &tgbotapi.Chat{ID: -100123, Type: "supergroup", Title: "SR - Lake School - Ops"}
}

func TestToInboundTextWithReply(t *testing.T) {
	m := &tgbotapi.Message{
		MessageID: 42,
		Date:      1772359200,
		Chat:      groupChat(),
		From:      &tgbotapi.User{FirstName: "Asha", LastName: "Rao"},
		Text:      "#helpdesk projector",
		ReplyToMessage: &tgbotapi.Message{
			MessageID: 40,
			Text:      "earlier report",
		},
	}

	in, ok := toInbound(m)
	require.True(t, ok)
	assert.Equal(t, "tg:-100123:42", in.ID)
	assert.Equal(t, "-100123", in.GroupID)
	assert.Equal(t, "SR - Lake School - Ops", in.GroupName)
	assert.Equal(t, "Asha Rao", in.Sender)
	assert.Equal(t, "tg:-100123:40", in.QuotedMessageID)
	assert.Equal(t, "earlier report", in.QuotedContent)
	assert.False(t, in.HasMedia)
	assert.Equal(t, int64(1772359200), in.Timestamp.Unix())
}

func TestToInboundPhotoUsesLargestSize(t *testing.T) {
	m := &tgbotapi.Message{
		MessageID: 7,
		Chat:      groupChat(),
		From:      &tgbotapi.User{UserName: "asha"},
		Caption:   "HelpDesk broken screen",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", FileUniqueID: "s"},
			{FileID: "large", FileUniqueID: "l"},
		},
	}

	in, ok := toInbound(m)
	require.True(t, ok)
	assert.True(t, in.HasMedia)
	assert.Equal(t, "asha", in.Sender)
	assert.Equal(t, "HelpDesk broken screen", in.Text())
	require.Len(t, in.Media, 1)
	assert.Equal(t, "large", in.Media[0].FileID)
}

func TestToInboundDropsPrivateAndEmpty(t *testing.T) {
	_, ok := toInbound(&tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1, Type: "private"}, Text: "#helpdesk"})
	assert.False(t, ok)

	_, ok = toInbound(&tgbotapi.Message{Chat: groupChat()})
	assert.False(t, ok, "service message without text or media")

	_, ok = toInbound(nil)
	assert.False(t, ok)
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	bot := &fakeBot{}
	s := New("token", nil)
	s.bot = bot

	long := strings.Repeat("a", maxMessageLen) + "\n" + "tail"
	require.NoError(t, s.SendText(context.Background(), "-100123", long))
	require.Len(t, bot.sent, 2)
	assert.Equal(t, int64(-100123), bot.sent[0].ChatID)

	assert.Error(t, s.SendText(context.Background(), "not-a-chat", "hi"))
}

func TestFetchMediaEnforcesSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	s := New("token", nil)
	s.bot = &fakeBot{fileURL: srv.URL + "/file"}

	att, err := s.FetchMedia(context.Background(), domain.MediaRef{FileID: "f", FileName: "a.png"}, 64)
	require.NoError(t, err)
	assert.Equal(t, "a.png", att.Filename)
	assert.Equal(t, "image/png", att.ContentType)
	assert.Equal(t, []byte("0123456789"), att.Content)

	_, err = s.FetchMedia(context.Background(), domain.MediaRef{FileID: "f"}, 4)
	assert.ErrorIs(t, err, source.ErrTooLarge)
}

func TestSplitPrefersLineBreaks(t *testing.T) {
	parts := split("aaaa\nbbbbbb", 8)
	assert.Equal(t, []string{"aaaa", "\nbbbbbb"}, parts)
	assert.Nil(t, split("", 8))
}
