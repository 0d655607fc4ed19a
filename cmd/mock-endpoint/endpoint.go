package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"relay/internal/config"
	"relay/internal/httpserver"
)

// received is one request the endpoint accepted, kept for GET /received.
type received struct {
	Path      string          `json:"path"`
	MessageID string          `json:"messageId,omitempty"`
	Body      json.RawMessage `json:"body"`
	At        time.Time       `json:"at"`
}

// endpoint stands in for the webhook targets and the reply bridge during
// local runs: it can fail the first N deliveries of each message and check
// the API key and reply signature.
type endpoint struct {
	cfg config.MockEndpointConfig
	log *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
	got      []received
}

func newEndpoint(cfg config.MockEndpointConfig, log *slog.Logger) *endpoint {
	return &endpoint{cfg: cfg, log: log, attempts: map[string]int{}}
}

func (e *endpoint) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/reply", e.handleReply).Methods(http.MethodPost)
	r.HandleFunc("/received", e.handleReceived).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(e.handleHook)
	r.Use(e.logging)
	return r
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (e *endpoint) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		e.log.Info("mock endpoint request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (e *endpoint) handleHook(w http.ResponseWriter, r *http.Request) {
	if !e.wait(r) {
		return
	}
	if e.cfg.APIKey != "" && r.Header.Get("X-API-Key") != e.cfg.APIKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad api key"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	var peek struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal(body, &peek)

	if n := e.attempt(peek.MessageID); n <= e.cfg.FailFirst {
		e.log.Info("failing delivery on purpose", "messageId", peek.MessageID, "attempt", n)
		writeJSON(w, e.failStatus(), map[string]any{"error": "induced failure", "attempt": n})
		return
	}
	e.record(r.URL.Path, peek.MessageID, body)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (e *endpoint) handleReply(w http.ResponseWriter, r *http.Request) {
	if !e.wait(r) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	if e.cfg.ReplySecret != "" && !httpserver.VerifySignature(e.cfg.ReplySecret, body, r.Header.Get(httpserver.SignatureHeader)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad signature"})
		return
	}
	e.record(r.URL.Path, "", body)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (e *endpoint) handleReceived(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	out := append([]received(nil), e.got...)
	e.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (e *endpoint) wait(r *http.Request) bool {
	if e.cfg.Latency <= 0 {
		return true
	}
	t := time.NewTimer(e.cfg.Latency)
	defer t.Stop()
	select {
	case <-r.Context().Done():
		return false
	case <-t.C:
		return true
	}
}

// attempt counts deliveries per message; requests without an id share one counter.
func (e *endpoint) attempt(messageID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[messageID]++
	return e.attempts[messageID]
}

func (e *endpoint) record(path, messageID string, body []byte) {
	raw := json.RawMessage(body)
	if !json.Valid(body) {
		raw, _ = json.Marshal(string(body))
	}
	e.mu.Lock()
	e.got = append(e.got, received{Path: path, MessageID: messageID, Body: raw, At: time.Now().UTC()})
	e.mu.Unlock()
}

func (e *endpoint) failStatus() int {
	if e.cfg.FailStatus < 400 || e.cfg.FailStatus > 599 {
		return http.StatusInternalServerError
	}
	return e.cfg.FailStatus
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
