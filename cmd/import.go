package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/facematch"
)

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import enrollment photos as named identities",
	Long: `Import curated photos of known people. Each subdirectory of <dir> is one
person named after the directory; images directly in <dir> are named after
their file name without extension and trailing counters ("alice_2.jpg" and
"alice (3).png" both import as "alice").

Imports use the lower import confidence floor, and re-importing a name refines
its embedding without inflating its appearance count.

Examples:
  face-memory import ./people
  face-memory import ./people --concurrency 4 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().Int("concurrency", 2, "Number of people imported in parallel")
	importCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp"}

func isImageFile(name string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(name)))
}

var trailingCounter = regexp.MustCompile(`(?:[\s_-]+\d+|\s*\(\d+\))$`)

// nameFromFile derives a person name from an image file name.
func nameFromFile(file string) string {
	stem := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	if name := strings.TrimSpace(trailingCounter.ReplaceAllString(stem, "")); name != "" {
		stem = name
	}
	return facematch.NormalizeName(strings.ReplaceAll(stem, "_", " "))
}

// collectImport groups the images under root by person name.
func collectImport(root string) (map[string][]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	people := make(map[string][]string)
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if !e.IsDir() {
			if isImageFile(e.Name()) {
				name := nameFromFile(e.Name())
				people[name] = append(people[name], path)
			}
			continue
		}
		name := facematch.NormalizeName(e.Name())
		err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isImageFile(d.Name()) {
				people[name] = append(people[name], p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	for name, files := range people {
		if name == "" || len(files) == 0 {
			delete(people, name)
			continue
		}
		slices.Sort(files)
	}
	return people, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	concurrency := max(mustGetInt(cmd, "concurrency"), 1)
	jsonOutput := mustGetBool(cmd, "json")

	people, err := collectImport(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	if len(people) == 0 {
		return fmt.Errorf("no images found in %s", args[0])
	}
	names := make([]string, 0, len(people))
	total := 0
	for name, files := range people {
		names = append(names, name)
		total += len(files)
	}
	slices.Sort(names)

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	eng, err := a.newEngine()
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	progress := func() {}
	if !jsonOutput {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Importing faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		progress = func() { _ = bar.Add(1) }
	}

	var mu sync.Mutex
	reports := make([]engine.ImportReport, 0, len(names))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(concurrency)
	for _, name := range names {
		g.Go(func() error {
			images := make([]engine.ImportImage, 0, len(people[name]))
			for _, path := range people[name] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				images = append(images, engine.ImportImage{Name: path, Data: data})
			}
			report, err := eng.ImportBatch(ctx, name, images, progress)
			if err != nil {
				return fmt.Errorf("importing %s: %w", name, err)
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(cmd.OutOrStdout())
	}
	slices.SortFunc(reports, func(x, y engine.ImportReport) int { return strings.Compare(x.ID, y.ID) })

	if jsonOutput {
		if perr := printJSON(cmd.OutOrStdout(), reports); perr != nil {
			return perr
		}
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIMAGES\tFACES\tFAILED")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", r.ID, r.ImagesProcessed, r.FacesDetected, strings.Join(r.FailedImages, ", "))
	}
	if ferr := w.Flush(); ferr != nil {
		return ferr
	}
	return err
}
