package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"relay/internal/domain"
)

// Handler receives every inbound message a source delivers.
type Handler func(ctx context.Context, in domain.InboundMessage) error

// Source is a chat transport that delivers group messages.
type Source interface {
	Name() string
	// Run blocks delivering messages to h until ctx is cancelled.
	Run(ctx context.Context, h Handler) error
}

// Messenger posts text back into a group.
type Messenger interface {
	SendText(ctx context.Context, groupID, text string) error
}

// MediaFetcher downloads the bytes behind a media reference.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref domain.MediaRef, maxBytes int64) (domain.Attachment, error)
}

var (
	ErrUnknownSource = errors.New("unknown message source")
	ErrUnsupported   = errors.New("operation not supported by source")
	ErrTooLarge      = errors.New("media exceeds size limit")
)

// Hub routes replies and media downloads to the source a message came from.
type Hub struct {
	mu         sync.RWMutex
	sources    []Source
	messengers map[string]Messenger
	fetchers   map[string]MediaFetcher
}

func NewHub() *Hub {
	return &Hub{messengers: map[string]Messenger{}, fetchers: map[string]MediaFetcher{}}
}

// Add registers s. If s also implements Messenger or MediaFetcher it is
// used for those too.
func (h *Hub) Add(s Source) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = append(h.sources, s)
	if m, ok := s.(Messenger); ok {
		h.messengers[s.Name()] = m
	}
	if f, ok := s.(MediaFetcher); ok {
		h.fetchers[s.Name()] = f
	}
}

// SetMessenger registers a reply path for a source name that has no Source,
// such as HTTP ingest.
func (h *Hub) SetMessenger(name string, m Messenger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messengers[name] = m
}

func (h *Hub) Sources() []Source {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Source(nil), h.sources...)
}

func (h *Hub) SendText(ctx context.Context, source, groupID, text string) error {
	h.mu.RLock()
	m, ok := h.messengers[source]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return m.SendText(ctx, groupID, text)
}

func (h *Hub) FetchMedia(ctx context.Context, source string, ref domain.MediaRef, maxBytes int64) (domain.Attachment, error) {
	h.mu.RLock()
	f, ok := h.fetchers[source]
	h.mu.RUnlock()
	if !ok {
		return domain.Attachment{}, fmt.Errorf("%w: media from %q", ErrUnsupported, source)
	}
	return f.FetchMedia(ctx, ref, maxBytes)
}

// RunAll runs every registered source until ctx ends. A source that fails is
// logged; the others keep running.
func (h *Hub) RunAll(ctx context.Context, handler Handler, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	var wg sync.WaitGroup
	for _, s := range h.Sources() {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			log.Info("message source started", "source", s.Name())
			if err := s.Run(ctx, handler); err != nil && ctx.Err() == nil {
				log.Error("message source stopped", "source", s.Name(), "err", err)
			}
		}(s)
	}
	wg.Wait()
}
