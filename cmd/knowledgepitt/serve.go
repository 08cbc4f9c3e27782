package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/knowledgepitt/server/internal/api"
	"github.com/knowledgepitt/server/internal/archive"
	"github.com/knowledgepitt/server/internal/bus"
	"github.com/knowledgepitt/server/internal/core"
	"github.com/knowledgepitt/server/internal/extract"
	"github.com/knowledgepitt/server/internal/notify"
	"github.com/knowledgepitt/server/internal/webhook"
)

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the ingestion worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	store, database, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeDB(database)

	// shutdown order: bridge, hub, export observers
	hub := notify.NewHub(cfg.Notify.SubscriberBuffer, logger)
	sender, closeObservers := a.connectObservers(ctx, hub)
	defer closeObservers()
	defer hub.Close()

	bridge := notify.NewBridge(hub, cfg.Notify.BridgeBuffer, logger)
	bridge.Start()
	defer bridge.Close()

	archiver, err := archive.NewArchiver(database, cfg.Archive, logger)
	if err != nil {
		return err
	}
	archiver.Start()
	defer archiver.Stop()

	queue := core.NewQueue(core.NewRegistry(), extract.New(cfg.Extractor, logger), store, bridge, &cfg.Queue, logger)
	if err := queue.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	deps := api.Deps{
		Queue:       queue,
		Hub:         hub,
		Store:       store,
		UploadDir:   cfg.Server.UploadDir,
		MaxUploadMB: cfg.Server.MaxUploadMB,
		DefaultMode: cfg.RAG.DefaultMode,
		Logger:      logger,
		Archiver:    archiver,
		Config:      cfg,
	}
	if sender != nil {
		deps.Webhooks = sender
	}
	router := api.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("server failed", "err", serveErr)
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
	defer cancelDrain()
	if err := queue.Stop(drainCtx); err != nil {
		logger.Warn("worker pool stopped before draining", "err", err)
	}

	stats := queue.Stats()
	logger.Info("shutdown complete",
		"completed", stats.Completed, "failed", stats.Failed,
		"abandoned", stats.Queued+stats.Processing,
		"events_dropped", bridge.Dropped())
	return serveErr
}

// connectObservers attaches the configured export observers to the hub.
// Broker connection failures are logged and the observer is skipped.
func (a *app) connectObservers(ctx context.Context, hub *notify.Hub) (*webhook.WebhookSender, func()) {
	cfg, logger := a.cfg, a.logger
	var (
		closers []func()
		sender  *webhook.WebhookSender
	)

	if len(cfg.Webhooks) > 0 {
		sender = webhook.NewWebhookSender(cfg.Webhooks, webhook.NewSenderConfig(cfg.Delivery), logger)
		sender.Start()
		closers = append(closers, sender.Stop)
		if err := hub.Connect(sender); err != nil {
			logger.Error("failed to attach webhook observer", "err", err)
		} else {
			logger.Info("webhook observer attached", "endpoints", len(cfg.Webhooks))
		}
	}

	if cfg.NATS.URL != "" {
		client, err := bus.Connect(cfg.NATS.URL)
		if err != nil {
			logger.Warn("nats unavailable, status events will not be exported", "url", cfg.NATS.URL, "err", err)
		} else {
			closers = append(closers, client.Close)
			if err := hub.Connect(bus.NewNATSObserver(client, cfg.NATS.Subject, logger)); err != nil {
				logger.Error("failed to attach nats observer", "err", err)
			} else {
				logger.Info("nats observer attached", "subject", cfg.NATS.Subject)
			}
		}
	}

	if cfg.MQTT.Broker != "" {
		obs := bus.NewMQTTObserver(cfg.MQTT, logger)
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := obs.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Warn("mqtt unavailable, status events will not be exported", "broker", cfg.MQTT.Broker, "err", err)
		} else {
			closers = append(closers, obs.Disconnect)
			if err := hub.Connect(obs); err != nil {
				logger.Error("failed to attach mqtt observer", "err", err)
			} else {
				logger.Info("mqtt observer attached", "topic", cfg.MQTT.Topic)
			}
		}
	}

	return sender, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}
