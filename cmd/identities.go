package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-memory/internal/facematch"
	"github.com/kozaktomas/face-memory/internal/metrics"
)

var renameCmd = &cobra.Command{
	Use:   "rename <old-id> <new-id>",
	Short: "Rename an identity and mark it as named",
	Args:  cobra.ExactArgs(2),
	RunE:  runRename,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <source-id> <target-id>",
	Short: "Merge one identity into another",
	Long: `Merge folds the source identity into the target: embeddings are averaged
weighted by appearance count, counts are summed and up to three of the
source's newest thumbnails move to the target. The source is removed.`,
	Args: cobra.ExactArgs(2),
	RunE: runMerge,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an identity and its thumbnails",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known identities, most recently seen first",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(renameCmd, mergeCmd, deleteCmd, listCmd)

	listCmd.Flags().Bool("named", false, "Only named identities")
	listCmd.Flags().Bool("unnamed", false, "Only unnamed identities")
	listCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRename(cmd *cobra.Command, args []string) error {
	oldID, newID := args[0], facematch.NormalizeName(args[1])
	if newID == "" {
		return errors.New("new id must not be empty")
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if !a.store.Has(oldID) {
		return fmt.Errorf("identity %q not found", oldID)
	}
	if !a.store.Rename(oldID, newID) {
		return fmt.Errorf("identity %q already exists", newID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %s\n", oldID, newID)
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	source, target := args[0], args[1]
	if source == target {
		return errors.New("source and target must differ")
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	for _, id := range []string{source, target} {
		if !a.store.Has(id) {
			return fmt.Errorf("identity %q not found", id)
		}
	}
	if !a.store.Merge(source, target) {
		return fmt.Errorf("merging %s into %s failed", source, target)
	}
	metrics.MergesTotal.WithLabelValues("manual").Inc()
	p, _ := a.store.Get(target)
	fmt.Fprintf(cmd.OutOrStdout(), "Merged %s into %s (appearances: %d)\n", source, target, p.AppearanceCount)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if !a.store.Delete(args[0]) {
		return fmt.Errorf("identity %q not found", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

// ListEntry is one identity in the list output.
type ListEntry struct {
	ID         string    `json:"id"`
	IsNamed    bool      `json:"is_named"`
	Count      int       `json:"count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Thumbnails int       `json:"thumbnails"`
}

func runList(cmd *cobra.Command, args []string) error {
	namedOnly := mustGetBool(cmd, "named")
	unnamedOnly := mustGetBool(cmd, "unnamed")
	if namedOnly && unnamedOnly {
		return errors.New("--named and --unnamed are mutually exclusive")
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	entries := []ListEntry{}
	for _, p := range a.store.All() {
		if (namedOnly && !p.IsNamed) || (unnamedOnly && p.IsNamed) {
			continue
		}
		entries = append(entries, ListEntry{
			ID:         p.ID,
			IsNamed:    p.IsNamed,
			Count:      p.AppearanceCount,
			FirstSeen:  p.FirstSeen,
			LastSeen:   p.LastSeen,
			Thumbnails: len(p.Thumbnails),
		})
	}

	if mustGetBool(cmd, "json") {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAMED\tCOUNT\tFIRST SEEN\tLAST SEEN\tTHUMBS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%s\t%d\n", e.ID, e.IsNamed, e.Count,
			e.FirstSeen.Local().Format(time.DateTime), e.LastSeen.Local().Format(time.DateTime), e.Thumbnails)
	}
	return w.Flush()
}
