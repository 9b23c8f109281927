package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/reconciliation/internal/api"
	"example.com/reconciliation/internal/app"
	"example.com/reconciliation/internal/config"
	"example.com/reconciliation/internal/logging"
	"example.com/reconciliation/internal/observability"
	"example.com/reconciliation/internal/outbox"
	httptransport "example.com/reconciliation/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build service")
	}

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers, cfg.ProducerBatchTimeout)
	defer producer.Close()

	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(application.Pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
		outbox.WithDispatcherLogger(logger.WithField("component", "outbox")))

	go dispatcher.Start(ctx)

	handler := api.NewHandler(application.Service, logger.WithField("component", "api"))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress),
		httptransport.LogRequests(logger, observability.Instrument(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.WithField("address", cfg.HTTPAddress).Info("reconciliation api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	<-shutdownCh
	logger.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	if err := application.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("closing connections")
	}
	cancel()
	dispatcher.Wait()
}
