package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gantry/internal/observability"
	"github.com/3leaps/gantry/pkg/pin"
)

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Pin requirement lower bounds in place",
	Long: `Rewrite ">=" constraints to "==" in every requirements file matching
the glob, pinning each dependency to its oldest supported version.

Example:
  gantry pin --dir . --glob 'requirements/*.txt'`,
	RunE: runPin,
}

var (
	pinDir  string
	pinGlob string
)

func init() {
	rootCmd.AddCommand(pinCmd)

	pinCmd.Flags().StringVar(&pinDir, "dir", ".", "Directory to pin requirements in")
	pinCmd.Flags().StringVar(&pinGlob, "glob", "requirements/*.txt", "Glob selecting requirements files")
}

func runPin(cmd *cobra.Command, args []string) error {
	result, err := pin.Apply(pinDir, pinGlob)
	if err != nil {
		observability.CLILogger.Error("Pin failed",
			zap.String("dir", pinDir),
			zap.String("glob", pinGlob),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Pin failed", err)
	}

	for _, f := range result.Files {
		fmt.Printf("%s: %d constraints pinned\n", f.Path, f.Rewritten)
	}
	if len(result.Files) == 0 {
		fmt.Printf("No files matched %s\n", pinGlob)
	}
	return nil
}
