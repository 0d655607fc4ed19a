package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"relay/internal/config"
	"relay/internal/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadMockEndpoint()
	log := logging.Init("mock-endpoint", cfg.LogFormat, "info")

	ep := newEndpoint(cfg, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           ep.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Info("mock endpoint listening", "port", cfg.Port, "fail_first", cfg.FailFirst)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("mock endpoint failed", "err", err)
		os.Exit(1)
	}
}
