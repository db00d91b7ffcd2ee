// Falcon orchestrator: advances issues through the stage pipeline,
// dispatches agent subprocesses onto isolated worktrees, and serves the
// HTTP API with the live event transport.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Exit codes: 0 success, 1 usage or precondition failure, 2 transient
// error that may be retried.
const (
	exitOK        = 0
	exitUsage     = 1
	exitTransient = 2
)

// transientError marks failures a supervisor may retry (listener, store,
// IO). Everything else exits with the usage code.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

var homeFlag string

var rootCmd = &cobra.Command{
	Use:           "falcon",
	Short:         "Project-management orchestrator for autonomous coding agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "",
		"falcon home directory (default $FALCON_HOME or ~/.falcon)")
	rootCmd.AddCommand(serveCmd, initCmd, statusCmd)
}

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var te *transientError
		if errors.As(err, &te) {
			os.Exit(exitTransient)
		}
		os.Exit(exitUsage)
	}
	os.Exit(exitOK)
}
