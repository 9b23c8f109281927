// Command reconctl runs reconciliation operations from cron or an operator shell.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"example.com/reconciliation/internal/app"
	"example.com/reconciliation/internal/config"
	"example.com/reconciliation/internal/logging"
)

func connect(ctx context.Context) (Service, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.NewWithOutput(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	application, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return application.Service, func() { _ = application.Close(context.Background()) }, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(connect, os.Stdout).ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("reconctl failed")
		stop()
		os.Exit(1)
	}
}
