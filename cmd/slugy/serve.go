package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/slugy/edge/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve redirects and the analytics API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           a.Router,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				log.WithField("port", cfg.Port).Info("slugy listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("server shutdown")
			}
			return nil
		},
	}
}
