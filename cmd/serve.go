package main

import (
	"context"
	"time"

	"github.com/amirphl/simple-backtester/internal/api"
	"github.com/amirphl/simple-backtester/internal/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored runs and Prometheus metrics over HTTP",
	RunE:  runServeCmd,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
}

func runServeCmd(cmd *cobra.Command, args []string) error {
	overrideString(cmd, "addr", &cfg.Server.Addr)

	ctx, cancel := signalContext()
	defer cancel()

	storage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	metrics := telemetry.New()
	srv := api.NewServer(api.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, storage, metrics.Handler())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("runServeCmd | shutdown complete")
	return nil
}
