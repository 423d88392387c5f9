package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/facematch"
)

var registerCmd = &cobra.Command{
	Use:   "register <image> <id>",
	Short: "Register the most confident face in an image under an id",
	Long: `Register assigns the most confident face in the image to the given id,
creating a named identity or refining an existing one. Unnamed identities that
match the face are merged into it.

Example:
  face-memory register alice.jpg Alice`,
	Args: cobra.ExactArgs(2),
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	id := facematch.NormalizeName(args[1])
	if id == "" {
		return errors.New("id must not be empty")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	frame, err := engine.DecodeFrame(data)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	eng, err := a.newEngine()
	if err != nil {
		return err
	}

	if _, err := eng.RegisterIdentity(cmd.Context(), frame, id); err != nil {
		return fmt.Errorf("registering %s: %w", id, err)
	}
	if p, ok := a.store.Get(id); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (appearances: %d)\n", id, p.AppearanceCount)
	}
	return nil
}
