package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-memory/internal/memory"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show face memory statistics",
	RunE:  runStats,
}

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Find identities that are probably the same person",
	Long: `Find pairs of identities whose embeddings have a cosine similarity of at
least the threshold. Candidates are found with an HNSW index over the current
embeddings; review them and fold true duplicates together with "merge".

Examples:
  face-memory duplicates
  face-memory duplicates --threshold 0.7 --json`,
	RunE: runDuplicates,
}

func init() {
	rootCmd.AddCommand(statsCmd, duplicatesCmd)

	statsCmd.Flags().Bool("json", false, "Output as JSON")

	duplicatesCmd.Flags().Float64("threshold", 0, "Minimum cosine similarity (default FACE_DUPLICATE_THRESHOLD)")
	duplicatesCmd.Flags().Int("neighbors", memory.DefaultDuplicateNeighbors, "Nearest neighbours checked per identity")
	duplicatesCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	stats := a.store.Stats()
	if mustGetBool(cmd, "json") {
		return printJSON(cmd.OutOrStdout(), stats)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Snapshot:\t%s\n", a.store.Path())
	fmt.Fprintf(w, "People:\t%d\n", stats.TotalPeople)
	fmt.Fprintf(w, "  named:\t%d\n", stats.NamedPeople)
	fmt.Fprintf(w, "  unnamed:\t%d\n", stats.UnnamedPeople)
	fmt.Fprintf(w, "Appearances:\t%d\n", stats.TotalAppearances)
	lastSave := "never"
	if !stats.Save.LastSave.IsZero() {
		lastSave = stats.Save.LastSave.Local().Format(time.DateTime)
	}
	fmt.Fprintf(w, "Last save:\t%s\n", lastSave)
	if stats.Save.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", stats.Save.LastError)
	}
	return w.Flush()
}

func runDuplicates(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	threshold := mustGetFloat64(cmd, "threshold")
	if threshold <= 0 {
		threshold = a.cfg.Matching.DuplicateThreshold
	}
	pairs := a.store.Duplicates(threshold, mustGetInt(cmd, "neighbors"))
	if pairs == nil {
		pairs = []memory.DuplicatePair{}
	}

	if mustGetBool(cmd, "json") {
		return printJSON(cmd.OutOrStdout(), pairs)
	}
	if len(pairs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No duplicates at threshold %.2f\n", threshold)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "A\tB\tSIMILARITY")
	for _, p := range pairs {
		fmt.Fprintf(w, "%s\t%s\t%.3f\n", p.A, p.B, p.Score)
	}
	return w.Flush()
}
