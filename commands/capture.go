package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/penwyp/go-gpu-timeline/internal/application/capture"
	"github.com/spf13/cobra"
)

var (
	// Session flags
	captureConfigFile string
	captureFlags      string
	captureDuration   time.Duration

	// Output flags
	captureOutput      string
	captureCompression string

	// Timeline geometry
	capturePageSize  int
	capturePageCount int
	captureAutoflush time.Duration

	// Sources
	captureFirmwareDump string
	captureContexts     int
	captureProducers    int
	captureEventRate    int
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Acquire the timeline and record one session",
	Long: `Acquires the GPU timeline with the given stream flags and copies everything
the reader produces into the output until the duration elapses or the
process is interrupted. Flag bits:

  0x1  latency tracepoints
  0x2  job dumping
  0x4  CSF tracepoints
  0x8  firmware tracepoints (requires --firmware-dump)

A capture starts with one header per stream followed by the stream bodies.`,
	Args: cobra.NoArgs,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().StringVarP(&captureConfigFile, "config", "c", "",
		"YAML capture configuration; flags override its values")
	captureCmd.Flags().StringVar(&captureFlags, "flags", "0",
		"Stream flags (decimal or 0x-prefixed hex)")
	captureCmd.Flags().DurationVarP(&captureDuration, "duration", "d", 0,
		"Capture length (0 = until interrupted)")

	captureCmd.Flags().StringVarP(&captureOutput, "output", "o", "timeline.bin",
		"Capture file ('-' for stdout)")
	captureCmd.Flags().StringVar(&captureCompression, "compression", capture.CompressionNone,
		"Output compression (none, zstd, lz4)")

	captureCmd.Flags().IntVar(&capturePageSize, "page-size", 0,
		"Stream page size in bytes (0 = default)")
	captureCmd.Flags().IntVar(&capturePageCount, "page-count", 0,
		"Pages per stream (0 = default)")
	captureCmd.Flags().DurationVar(&captureAutoflush, "autoflush", 0,
		"Autoflush interval (0 = default)")

	captureCmd.Flags().StringVar(&captureFirmwareDump, "firmware-dump", "",
		"Firmware dump file to follow")
	captureCmd.Flags().IntVar(&captureContexts, "contexts", 0,
		"Synthetic contexts registered before acquisition")
	captureCmd.Flags().IntVar(&captureProducers, "producers", 0,
		"Synthetic event producers")
	captureCmd.Flags().IntVar(&captureEventRate, "event-rate", 0,
		"Events per second per producer")
}

func runCapture(cmd *cobra.Command, args []string) error {
	config, err := buildCaptureConfig(cmd)
	if err != nil {
		return err
	}

	c, err := capture.New(config)
	if err != nil {
		return err
	}
	defer c.Close()

	// Set up signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	summary, err := c.Run(ctx)
	if err != nil {
		return err
	}
	if config.Output == "-" {
		// stdout carries the trace
		return nil
	}
	return printReport(cmd, summary)
}

func buildCaptureConfig(cmd *cobra.Command) (*capture.Config, error) {
	config := &capture.Config{}
	if captureConfigFile != "" {
		loaded, err := capture.LoadConfig(expandPath(captureConfigFile))
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("flags") || captureConfigFile == "" {
		v, err := strconv.ParseUint(captureFlags, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid --flags %q: %w", captureFlags, err)
		}
		config.Flags = uint32(v)
	}
	if flags.Changed("duration") || captureConfigFile == "" {
		config.Duration = captureDuration
	}
	if flags.Changed("output") || config.Output == "" {
		config.Output = captureOutput
	}
	if flags.Changed("compression") || config.Compression == "" {
		config.Compression = captureCompression
	}
	if flags.Changed("page-size") {
		config.PageSize = capturePageSize
	}
	if flags.Changed("page-count") {
		config.PageCount = capturePageCount
	}
	if flags.Changed("autoflush") {
		config.AutoflushInterval = captureAutoflush
	}
	if flags.Changed("firmware-dump") {
		config.FirmwareDump = captureFirmwareDump
	}
	if flags.Changed("contexts") {
		config.Contexts = captureContexts
	}
	if flags.Changed("producers") {
		config.Producers = captureProducers
	}
	if flags.Changed("event-rate") {
		config.EventRate = captureEventRate
	}

	if config.Output != "-" {
		config.Output = expandPath(config.Output)
	}
	if config.FirmwareDump != "" {
		config.FirmwareDump = expandPath(config.FirmwareDump)
	}
	return config, config.Validate()
}
