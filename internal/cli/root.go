// Package cli implements the slotwatch command tree.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/slotwatch/internal/challenge"
	"github.com/me/slotwatch/internal/config"
	"github.com/me/slotwatch/internal/logging"
)

var (
	flagServer    string
	flagEnvFile   string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// Recognizer is an OCR engine that must be released after use.
type Recognizer interface {
	challenge.Recognizer
	io.Closer
}

// RecognizerFactory opens a Recognizer for the given language. The binary
// supplies one backed by Tesseract; tests supply fakes.
type RecognizerFactory func(language string) (Recognizer, error)

// defaultServer returns the status server URL, checking SLOTWATCH_SERVER first.
func defaultServer() string {
	if s := os.Getenv("SLOTWATCH_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for slotwatch.
func NewRootCmd(recognizers RecognizerFactory) *cobra.Command {
	root := &cobra.Command{
		Use:   "slotwatch",
		Short: "slotwatch watches released driving lesson slots and books them",
		Long: `slotwatch logs in to the driving-centre booking service, polls released
practical lesson slots, books the ones that match a desirability policy and
reports what it did to Telegram.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug {
				flagLogLevel = "debug"
			}
			level, err := logging.ParseLevelStrict(flagLogLevel)
			if err != nil {
				return err
			}
			logger = logging.NewLoggerWithWriter(level, flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Status server URL for status, attempts and transitions (or SLOTWATCH_SERVER env)")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", config.DefaultEnvFile, "Environment file loaded when present")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(recognizers),
		newSolveCmd(recognizers),
		newCheckCmd(),
		newStatusCmd(),
		newAttemptsCmd(),
		newTransitionsCmd(),
	)

	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context, recognizers RecognizerFactory) error {
	return NewRootCmd(recognizers).ExecuteContext(ctx)
}
