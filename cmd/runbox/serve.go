package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itstheanurag/runbox/internal/server"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var portFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP execution service",
	Long: `Start the runbox HTTP server.

Endpoints:
  POST /api/tools/compiler/   run {code, lang}, answers {output, isError}
  GET  /api/languages         supported languages and limits
  GET  /health                liveness and queue depth
  GET  /metrics               Prometheus metrics

Examples:
  runbox serve
  runbox serve --port 9090 --config /etc/runbox/runbox.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&portFlag, "port", "", "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if portFlag != "" {
		conf.Server.Port = portFlag
		if err := conf.Validate(); err != nil {
			return err
		}
	}
	logger := newLogger(conf.Log)

	srv, err := server.New(conf, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create server")
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server crashed")
			_ = srv.Runtime().Close()
			return err
		}
		return nil
	case <-stop:
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return nil
}
