package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/face-memory/internal/database/postgres"
	"github.com/kozaktomas/face-memory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the Face Memory HTTP server.
The server accepts frames for recognition, manages identities and serves
thumbnails and Prometheus metrics. On SIGINT or SIGTERM it stops accepting
requests and writes a final snapshot of the face memory.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Duration("mirror-interval", 0, "Sync the PostgreSQL mirror at this interval (0 = disabled, needs DATABASE_URL)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if port := mustGetInt(cmd, "port"); port > 0 {
		a.cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		a.cfg.Web.Host = host
	}
	mirrorInterval := mustGetDuration(cmd, "mirror-interval")
	if mirrorInterval > 0 && a.cfg.Database.URL == "" {
		return errors.New("--mirror-interval needs DATABASE_URL")
	}

	eng, err := a.newEngine()
	if err != nil {
		return err
	}
	server := web.NewServer(a.cfg.Web, a.store, eng, a.cfg.Matching.DuplicateThreshold, a.log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if mirrorInterval > 0 {
		g.Go(func() error { return runMirror(ctx, a, mirrorInterval) })
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Face Memory listening on http://%s\n", a.cfg.Web.Addr())
	return g.Wait()
}

// runMirror syncs the PostgreSQL mirror every interval until ctx is done.
// Sync failures are logged and retried on the next tick.
func runMirror(ctx context.Context, a *app, interval time.Duration) error {
	pool, applied, err := postgres.Open(ctx, &a.cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	for _, m := range applied {
		a.log.Info("applied migration", zap.String("file", m))
	}
	repo := postgres.NewIdentityRepository(pool)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := repo.Sync(ctx, a.store.All())
			if err != nil {
				a.log.Warn("mirror sync failed", zap.Error(err))
				continue
			}
			a.log.Debug("mirror synced", zap.Int("upserted", res.Upserted), zap.Int("deleted", res.Deleted))
		}
	}
}
