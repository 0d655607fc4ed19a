package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"relay/internal/domain"
)

// IngestSource is the source name of messages posted to /v1/events.
const IngestSource = "http"

const maxIngestBody = 1 << 20

type MessageHandler interface {
	Handle(ctx context.Context, in domain.InboundMessage) (*domain.MessageRecord, error)
}

// Ingest accepts message events from external bridges over HTTP.
type Ingest struct {
	Handler MessageHandler
	// Secret enables signature checks; empty accepts unsigned requests.
	Secret string
	Now    func() time.Time
	Log    *slog.Logger
}

func (g *Ingest) Register(m *mux.Router) {
	m.HandleFunc("/v1/events", g.handleEvent).Methods(http.MethodPost)
}

type ingestResponse struct {
	Matched bool                  `json:"matched"`
	Message *domain.MessageRecord `json:"message,omitempty"`
}

func (g *Ingest) handleEvent(w http.ResponseWriter, r *http.Request) {
	log := g.Log
	if log == nil {
		log = slog.Default()
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody+1))
	if err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if len(body) > maxIngestBody {
		http.Error(w, ErrBodyTooLarge, http.StatusRequestEntityTooLarge)
		return
	}
	if g.Secret != "" && !VerifySignature(g.Secret, body, r.Header.Get(SignatureHeader)) {
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var in domain.InboundMessage
	if err := json.Unmarshal(body, &in); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Source == "" {
		in.Source = IngestSource
	}
	if in.Timestamp.IsZero() {
		if g.Now != nil {
			in.Timestamp = g.Now()
		} else {
			in.Timestamp = time.Now().UTC()
		}
	}
	in.HasMedia = in.HasMedia || len(in.Media) > 0

	rec, err := g.Handler.Handle(r.Context(), in)
	if errors.Is(err, domain.ErrMissingFields) {
		http.Error(w, ErrMissingFields, http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error("ingest message failed", "err", err, "message_id", in.ID, "group_id", in.GroupID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, ingestResponse{Matched: false})
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Matched: true, Message: rec})
}
