package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/database/postgres"
)

var syncPostgresCmd = &cobra.Command{
	Use:   "sync-postgres",
	Short: "Mirror the face memory into PostgreSQL",
	Long: `Upsert every identity (id, named flag, appearance count, timestamps,
thumbnails and embedding as a pgvector) into the identities table of the
database at DATABASE_URL, and delete rows of identities that no longer exist.
Migrations are applied first. The mirror is read-only from the service's
point of view and exists for offline analysis.`,
	Args: cobra.NoArgs,
	RunE: runSyncPostgres,
}

func init() {
	rootCmd.AddCommand(syncPostgresCmd)
}

func runSyncPostgres(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	pool, applied, err := postgres.Open(cmd.Context(), &a.cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	for _, m := range applied {
		a.log.Info("applied migration", zap.String("file", m))
	}

	res, err := postgres.NewIdentityRepository(pool).Sync(cmd.Context(), a.store.All())
	if err != nil {
		return fmt.Errorf("syncing identities: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Synced %d identities, removed %d\n", res.Upserted, res.Deleted)
	return nil
}
