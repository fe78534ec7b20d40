package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printsync/internal/api"
	"github.com/orrn/printsync/internal/api/handlers"
	"github.com/orrn/printsync/internal/api/middleware"
	"github.com/orrn/printsync/internal/config"
	"github.com/orrn/printsync/internal/core"
	"github.com/orrn/printsync/internal/cups"
	"github.com/orrn/printsync/internal/db"
	"github.com/orrn/printsync/internal/events"
	"github.com/orrn/printsync/internal/logger"
	"github.com/orrn/printsync/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// a missing .env is fine
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("printsyncd stopped")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	conn, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	jobs := db.NewJobStore(conn)
	webhooks := db.NewWebhookStore(conn)
	spooler := cups.New(cfg.Cups, log)

	bus := events.NewBus(events.Config{
		BufferSize:        cfg.Events.BufferSize,
		KeepAliveInterval: cfg.Events.KeepAliveInterval,
	}, log)
	defer bus.Close()

	engine := core.NewEngine(jobs, spooler, bus, core.EngineConfig{
		PollInterval:    cfg.Sync.PollInterval,
		JobTimeout:      cfg.Sync.JobTimeout,
		CallTimeout:     cfg.Sync.CallTimeout,
		SubmissionGrace: cfg.Sync.SubmissionGrace,
		TimeoutHeld:     cfg.Sync.TimeoutHeld,
	}, log)
	submitter := core.NewSubmitter(jobs, spooler, bus, engine, cfg.Sync.CallTimeout, log)

	sender := webhook.NewSender(webhooks, webhook.Config{
		RetryCount:  cfg.Webhooks.RetryCount,
		RetryDelay:  cfg.Webhooks.RetryDelay,
		Timeout:     cfg.Webhooks.Timeout,
		WorkerCount: cfg.Webhooks.WorkerCount,
		QueueSize:   cfg.Webhooks.QueueSize,
	}, log)
	sender.Start(bus.Subscribe(""))
	defer sender.Stop()

	engine.Start()
	defer engine.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		DB:             conn,
		Auth:           middleware.NewAuth(cfg.Auth),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Jobs:           handlers.NewJobHandler(jobs, engine, bus, log),
		Print:          handlers.NewPrintHandler(submitter, cfg.Uploads.Dir, cfg.Uploads.MaxBytes, log),
		Printers:       handlers.NewPrinterHandler(spooler, log),
		Webhooks:       handlers.NewWebhookHandler(webhooks, cfg.Webhooks.Timeout, log),
		Log:            log,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("starting http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	// end open event streams before draining the server
	bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http server did not shut down cleanly")
	}
	return nil
}
