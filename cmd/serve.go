package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ffbatch/api"
	"ffbatch/config"
)

func serveCmd() *cobra.Command {
	var port string
	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(func(c *config.Config) {
				if port != "" {
					c.Port = port
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(a)
		},
	}

	command.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (overrides PORT)")
	return command
}

func serve(a *app) error {
	hub := api.NewHub()
	a.manager.Subscribe(hub.Broadcast)

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           api.SetupRouter(a.manager, a.cfg, a.reportIndex(), a.monitor, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.manager.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", a.cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("listen failed")
	}

	stop()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	hub.Close()

	log.Info().Msg("waiting for running tasks to finish")
	a.manager.Wait()
	log.Info().Msg("server exiting")
	return serveErr
}
