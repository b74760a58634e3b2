// Package app implements the mcprepl-proxy command-line surface: start,
// stop, restart, and status subcommands (spec §6 "External interfaces").
package app

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcprepl-proxy/pkg/logger"
)

// Exit codes per spec §6: 0 ok, 1 already running, 2 config error, 3
// failed to bind the listener.
const (
	ExitOK             = 0
	ExitAlreadyRunning = 1
	ExitConfigError    = 2
	ExitBindFailed     = 3
)

// exitError carries the process exit code a command failure should
// produce, distinct from cobra's default "always exit 1 on error".
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func wrapExit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// ExitCodeFor extracts the process exit code a command's returned error
// should produce, defaulting to 1 for any error not raised via wrapExit.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:               "mcprepl-proxy",
	DisableAutoGenTag: true,
	Short:             "mcprepl-proxy fronts Julia REPL MCP backends with a single stable endpoint",
	Long: `mcprepl-proxy is a reverse proxy for MCP (Model Context Protocol) clients
talking to one or more Julia REPL backends. It presents one stable
streamable-HTTP endpoint, tracks backend liveness, buffers requests through
brief backend outages, and exposes a dashboard for session and event
visibility.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
}

// NewRootCmd builds the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Int("port", defaultPort, "proxy port")
	if err := viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port")); err != nil {
		logger.Errorf("error binding port flag: %v", err)
	}

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, statusCmd)
	rootCmd.SilenceUsage = true
	return rootCmd
}
