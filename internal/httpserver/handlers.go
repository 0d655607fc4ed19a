package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"relay/internal/domain"
	"relay/internal/queue"
	"relay/internal/store"
)

type MessageReader interface {
	GetMessage(ctx context.Context, id string) (domain.MessageRecord, error)
}

type JobLister interface {
	ListWaiting(ctx context.Context, kind string, limit int) ([]*queue.Job, error)
	ListFailed(ctx context.Context, kind string, limit int) ([]*queue.Job, error)
	ListCompleted(ctx context.Context, kind string, limit int) ([]*queue.Job, error)
	Stats(ctx context.Context, kind string) (queue.Stats, error)
}

// API serves read-only views over message records and queue state.
type API struct {
	Messages MessageReader
	Jobs     JobLister
	Log      *slog.Logger
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/messages/{id}", a.handleGetMessage).Methods(http.MethodGet)
	m.HandleFunc("/v1/queues/{kind}/jobs", a.handleListJobs).Methods(http.MethodGet)
	m.HandleFunc("/v1/queues/{kind}/stats", a.handleQueueStats).Methods(http.MethodGet)
}

func (a *API) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	msg, err := a.Messages.GetMessage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	if err != nil {
		a.log().Error("get message failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToUpper(mux.Vars(r)["kind"])
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var (
		jobs []*queue.Job
		err  error
	)
	switch state := r.URL.Query().Get("state"); state {
	case "", "waiting":
		jobs, err = a.Jobs.ListWaiting(r.Context(), kind, limit)
	case "failed":
		jobs, err = a.Jobs.ListFailed(r.Context(), kind, limit)
	case "completed":
		jobs, err = a.Jobs.ListCompleted(r.Context(), kind, limit)
	default:
		http.Error(w, ErrInvalidState, http.StatusBadRequest)
		return
	}
	if err != nil {
		a.log().Error("list jobs failed", "err", err, "kind", kind)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "jobs": jobs})
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToUpper(mux.Vars(r)["kind"])
	st, err := a.Jobs.Stats(r.Context(), kind)
	if err != nil {
		a.log().Error("queue stats failed", "err", err, "kind", kind)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
