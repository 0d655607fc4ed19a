package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/domain"
)

type chat struct {
	name string
	sent []string
	msgs []domain.InboundMessage
}

func (c *chat) Name() string { return c.name }

func (c *chat) Run(ctx context.Context, h Handler) error {
	for _, m := range c.msgs {
		if err := h(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (c *chat) SendText(_ context.Context, groupID, text string) error {
	c.sent = append(c.sent, groupID+":"+text)
	return nil
}

func TestHubRoutesRepliesBySource(t *testing.T) {
	h := NewHub()
	tg := &chat{name: "telegram"}
	h.Add(tg)

	require.NoError(t, h.SendText(context.Background(), "telegram", "g1", "on it"))
	assert.Equal(t, []string{"g1:on it"}, tg.sent)

	err := h.SendText(context.Background(), "feishu", "g1", "x")
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = h.FetchMedia(context.Background(), "telegram", domain.MediaRef{FileID: "f"}, 10)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestHubRunAllDeliversMessages(t *testing.T) {
	h := NewHub()
	h.Add(&chat{name: "a", msgs: []domain.InboundMessage{{ID: "1"}, {ID: "2"}}})
	h.Add(&chat{name: "b", msgs: []domain.InboundMessage{{ID: "3"}}})

	got := make(chan string, 3)
	h.RunAll(context.Background(), func(_ context.Context, in domain.InboundMessage) error {
		got <- in.ID
		return nil
	}, nil)
	close(got)

	var ids []string
	for id := range got {
		ids = append(ids, id)
	}
	assert.ElementsMatch(t, []string{"1", "2", "3"}, ids)
}
