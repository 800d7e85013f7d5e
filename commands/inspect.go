package commands

import (
	"github.com/penwyp/go-gpu-timeline/internal/application/capture"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <capture>",
	Short: "Describe a capture file",
	Long: `Decodes the stream headers at the start of a capture, reports the size of
the body behind them and its BLAKE3 digest. zstd and lz4 captures are
detected automatically.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	report, err := capture.Inspect(expandPath(args[0]))
	if err != nil {
		return err
	}
	return printReport(cmd, report)
}
