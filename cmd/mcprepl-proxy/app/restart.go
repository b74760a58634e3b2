package app

import (
	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the proxy",
	RunE:  runRestart,
}

func runRestart(cmd *cobra.Command, args []string) error {
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return wrapExit(ExitConfigError, err)
	}

	// Best-effort: a stopped-but-not-running proxy isn't an error here,
	// restart's job is to end up running regardless of prior state.
	_ = stopProxy(cmd, port)

	startBackground = true
	return runStart(cmd, args)
}
