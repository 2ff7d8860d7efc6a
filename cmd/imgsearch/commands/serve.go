package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API and, when reconcile.enabled is set, the periodic
reconciler. SIGINT or SIGTERM shuts both down gracefully.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		cfg := app.Config.Server
		srv := &http.Server{
			Addr:         cfg.Addr,
			Handler:      app.Handler(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			app.Logger.Info("listening", "addr", cfg.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if app.Config.Reconcile.Enabled {
			g.Go(func() error {
				return app.Reconciler.Run(ctx)
			})
		}
		return g.Wait()
	},
}
