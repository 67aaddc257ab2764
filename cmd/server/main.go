package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/chadiek/chemtutor/internal/config"
)

var (
	cfg config.Config

	rootCmd = &cobra.Command{
		Use:           "chemtutor",
		Short:         "Streaming chemistry tutor: text, sentence audio and structure diagrams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setup()
		},
		RunE: runServe,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, chatCmd, indexCmd)
}

// setup installs the root logger and loads configuration.
func setup() error {
	// Include sub-second precision in all log timestamps
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006/01/02 15:04:05.000000",
	})
	log.SetDefault(logger)

	var err error
	cfg, err = config.Load()
	if err != nil {
		return err
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logger.SetLevel(level)
	return nil
}

const shutdownTimeout = 10 * time.Second
