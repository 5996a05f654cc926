package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/loan-pipeline/api"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if bind == "" {
				bind = a.cfg.Server.Bind
			}
			return serve(cmd.Context(), a, bind)
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides [server] bind)")
	return cmd
}

// serve runs the HTTP server and the scheduler until a signal arrives or
// either of them fails.
func serve(parent context.Context, a *app, bind string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := api.NewHandler(a.service, a.metrics, a.reconciler, a.log)
	handler.Health = a.store

	srv := &http.Server{
		Addr:              bind,
		Handler:           api.NewRouter(handler, a.log, a.cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := api.NewReconciliationScheduler(a.reconciler, a.log)
	scheduler.CheckInterval = a.cfg.ReconcileInterval()
	scheduler.Enabled = a.cfg.Reconciliation.Enabled

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server listening", "bind", bind, "database", a.cfg.Database.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("server stopped")
	return nil
}
