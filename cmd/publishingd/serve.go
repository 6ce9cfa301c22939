package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the async projections and the ingestion consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cfg, charmAdapter{logger})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting",
				"driver", cfg.DatabaseDriver,
				"outbox_policy", cfg.OutboxPolicy,
				"projections", rt.runner.Names())

			consumerDone := make(chan error, 1)
			go func() {
				consumerDone <- rt.consumer.Run(ctx, rt.bus.Subscribe())
			}()

			err = rt.runner.Run(ctx)
			stop()
			<-consumerDone

			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("stopped")
			return nil
		},
	}
}
