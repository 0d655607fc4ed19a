package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"relay/internal/config"
	"relay/internal/dispatch"
	"relay/internal/domain"
	"relay/internal/httpserver"
	"relay/internal/logging"
	"relay/internal/mail"
	"relay/internal/matcher"
	"relay/internal/observability"
	"relay/internal/queue"
	"relay/internal/queue/backend"
	"relay/internal/source"
	"relay/internal/source/feishu"
	"relay/internal/source/telegram"
	"relay/internal/store/driver"
	"relay/internal/webhook"
	"relay/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadRelay()
	log := logging.Init("relay", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := driver.Open(ctx, cfg.StoreConfig)
	if err != nil {
		log.Error("store open failed", "driver", cfg.Driver, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.Register(reg)

	qs, err := backend.FromConfig(cfg.QueueConfig)
	if err != nil {
		log.Error("queue config invalid", "err", err)
		os.Exit(1)
	}
	hookOpts := webhook.Options{
		Attempts: cfg.WebhookAttempts,
		Delay:    cfg.WebhookRetryDelay,
		Timeout:  cfg.WebhookTimeout,
		RPS:      cfg.WebhookRPS,
		Burst:    cfg.WebhookBurst,
	}
	// A webhook job retries inside one handler call; its lock must outlive that.
	if floored := qs.WithLockFloor(hookOpts.Budget()); floored.Options.LockDuration != qs.Options.LockDuration {
		log.Info("queue lock duration raised to cover webhook retries",
			"configured", qs.Options.LockDuration, "lock", floored.Options.LockDuration)
		qs = floored
	}
	conns := backend.NewConnections(qs)
	defer conns.Shutdown()
	q := backend.Setup(ctx, conns, log)

	// Sources
	hub := source.NewHub()
	if cfg.TelegramBotToken != "" {
		hub.Add(telegram.New(cfg.TelegramBotToken, log))
	}
	if cfg.FeishuAppID != "" && cfg.FeishuAppSecret != "" {
		hub.Add(feishu.New(cfg.FeishuAppID, cfg.FeishuAppSecret, log))
	}
	if cfg.IngestReplyURL != "" {
		hub.SetMessenger(httpserver.IngestSource, httpserver.NewReplyClient(cfg.IngestReplyURL, cfg.IngestSecret, cfg.WebhookTimeout))
	}

	// Workers
	names, err := loadUnitNames(cfg.UnitNamesFile)
	if err != nil {
		log.Error("unit names load failed", "path", cfg.UnitNamesFile, "err", err)
		os.Exit(1)
	}
	emails := &worker.EmailProcessor{
		Messages: st,
		Groups:   st,
		Assembler: &mail.Assembler{
			Domain:  cfg.EmailDomain,
			Names:   names,
			Parents: st,
			Log:     log,
		},
		Transport: &mail.SMTPTransport{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			Mode:     cfg.SMTPMode,
			Timeout:  30 * time.Second,
			Log:      log,
		},
		FromAddress: cfg.SMTPFromEmail,
		DefaultTo:   cfg.HelpdeskEmail,
		Limiter:     rate.NewLimiter(rate.Limit(5), 10),
		Breaker:     worker.NewMailBreaker(),
		Log:         log,
	}
	hooks := &worker.WebhookProcessor{
		Sender: webhook.New(hookOpts, log),
		Log:    log,
	}
	replies := &worker.ReplyProcessor{Messenger: hub, Log: log}

	handlers := map[domain.ActionKind]queue.Handler{
		domain.ActionEmail:   emails.Process,
		domain.ActionWebhook: hooks.Process,
		domain.ActionReply:   replies.Process,
	}
	for _, kind := range domain.ActionKinds {
		if kind == domain.ActionEmail && cfg.SMTPHost == "" {
			log.Warn("SMTP_HOST not set, email jobs will fail until it is configured")
		}
		if err := q.Start(string(kind), backend.ConcurrencyFor(cfg.QueueConfig, kind), handlers[kind]); err != nil {
			log.Error("queue start failed", "kind", kind, "err", err)
			os.Exit(1)
		}
	}

	d := &dispatch.Dispatcher{
		Rules:            st,
		Messages:         st,
		Matcher:          matcher.New(log),
		Queue:            q,
		Media:            hub,
		DefaultRecipient: cfg.HelpdeskEmail,
		MediaMaxBytes:    cfg.MediaMaxBytes,
		MediaTimeout:     cfg.MediaFetchTimeout,
		Log:              log,
	}

	// HTTP
	s := httpserver.New()
	s.Mux.Use(httpserver.Logging(log), httpserver.Metrics(observability.APIRequests))
	(&httpserver.Ingest{Handler: d, Secret: cfg.IngestSecret, Log: log}).Register(s.Mux)
	(&httpserver.API{Messages: st, Jobs: q, Log: log}).Register(s.Mux)
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		httpserver.ReadyzCheck{Name: "store", Check: st.Ping},
		httpserver.ReadyzCheck{Name: "queue", Check: q.Ping},
	))
	if cfg.IngestSecret == "" {
		log.Warn("INGEST_SECRET not set, /v1/events accepts unsigned requests")
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux, ReadHeaderTimeout: 10 * time.Second}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.NewMetrics(reg).Mux, ReadHeaderTimeout: 10 * time.Second}

	sourcesDone := make(chan struct{})
	go func() {
		defer close(sourcesDone)
		hub.RunAll(ctx, func(ctx context.Context, in domain.InboundMessage) error {
			_, err := d.Handle(ctx, in)
			return err
		}, log)
	}()

	go func() {
		log.Info("metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("relay shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info("relay listening", "port", cfg.Port, "queue_backend", q.Backend(), "sources", len(hub.Sources()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("relay server failed", "err", err)
		os.Exit(1)
	}

	<-sourcesDone
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := q.Close(closeCtx); err != nil {
		log.Warn("queue close", "err", err)
	}
	log.Info("relay stopped")
}

func loadUnitNames(path string) (*mail.UnitNames, error) {
	if path == "" {
		return nil, nil
	}
	return mail.LoadUnitNames(path)
}
