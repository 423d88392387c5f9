package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-memory/internal/engine"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image>...",
	Short: "Recognize the faces in images",
	Long: `Run each image through the matching engine as one frame, in order.
Matched faces update their identity, unknown faces get a new Face_ id.

Examples:
  face-memory recognize frame1.jpg frame2.jpg
  face-memory recognize --json snapshot.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)
	recognizeCmd.Flags().Bool("json", false, "Output as JSON")
}

// FrameResult is the recognition output for one image.
type FrameResult struct {
	File  string          `json:"file"`
	Faces []engine.Result `json:"faces"`
	Error string          `json:"error,omitempty"`
}

func runRecognize(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	eng, err := a.newEngine()
	if err != nil {
		return err
	}

	out := make([]FrameResult, 0, len(args))
	for _, path := range args {
		r := FrameResult{File: path, Faces: []engine.Result{}}
		faces, err := recognizeFile(cmd, eng, path)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Faces = faces
		}
		out = append(out, r)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), out)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tID\tPHASE\tNAMED\tCOUNT\tSCORE\tBOX")
	for _, r := range out {
		if r.Error != "" {
			fmt.Fprintf(w, "%s\terror: %s\t\t\t\t\t\n", r.File, r.Error)
			continue
		}
		for _, f := range r.Faces {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%.3f\t%d,%d %dx%d\n", r.File, f.ID, f.Phase, f.NamedPerson,
				f.AppearanceCount, f.MatchScore, f.Box.X, f.Box.Y, f.Box.W, f.Box.H)
		}
	}
	return w.Flush()
}

func recognizeFile(cmd *cobra.Command, eng *engine.Engine, path string) ([]engine.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	frame, err := engine.DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	return eng.Recognize(cmd.Context(), frame)
}
