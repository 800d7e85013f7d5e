package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/penwyp/go-gpu-timeline/internal/util"
	"github.com/spf13/cobra"
)

var (
	// Logging related
	debug     bool
	logFile   string
	logFormat string

	// Output related
	outputFormat string

	rootCmd = &cobra.Command{
		Use:   "gputl",
		Short: "GPU timeline trace capture tool",
		Long: `gputl drives the GPU driver timeline: it acquires the timeline, streams
object, auxiliary and firmware trace events to a capture file, and inspects
captures afterwards.

Examples:
  gputl capture --duration 5s -o trace.bin          # Capture five seconds
  gputl capture --flags 0x9 --firmware-dump fw.bin  # Include firmware tracepoints
  gputl capture --compression zstd -o trace.zst     # Compressed capture
  gputl capture --config capture.yaml               # Settings from YAML
  gputl inspect trace.zst --output-format json      # Describe a capture`,
		SilenceUsage:      true,
		PersistentPreRunE: initLogging,
	}
)

const defaultLogFile = "~/.gputl/logs/app.log"

func init() {
	// System and debugging
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"Enable debug mode")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", defaultLogFile,
		"Log file path (empty disables file logging)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"Log format (text, json)")

	// Output configuration
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output-format", "f", "table",
		"Report format (table, json)")
}

func initLogging(cmd *cobra.Command, args []string) error {
	// Determine log level based on debug flag
	logLevel := "info"
	if debug {
		logLevel = "debug"
	}

	var format util.LogFormat
	switch logFormat {
	case "text":
		format = util.FormatText
	case "json":
		format = util.FormatJSON
	default:
		return fmt.Errorf("invalid log format %q: must be either 'text' or 'json'", logFormat)
	}
	if outputFormat != "table" && outputFormat != "json" {
		return fmt.Errorf("invalid output format %q: must be either 'table' or 'json'", outputFormat)
	}

	path := ""
	if logFile != "" {
		path = expandPath(logFile)
	}
	return util.InitLogger(util.LoggerOptions{
		Level:   logLevel,
		File:    path,
		Format:  format,
		Console: debug,
	})
}

func Execute() error {
	return rootCmd.Execute()
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// report is implemented by everything a command prints
type report interface {
	JSON() ([]byte, error)
	Table() string
}

func printReport(cmd *cobra.Command, r report) error {
	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		data, err := r.JSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	_, err := fmt.Fprint(out, r.Table())
	return err
}
