package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/mcprepl-proxy/pkg/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running proxy",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, _ []string) error {
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return wrapExit(ExitConfigError, err)
	}
	return wrapExit(ExitConfigError, stopProxy(cmd, port))
}

// stopProxy reads the PID file for port and sends SIGTERM, waiting briefly
// for the process to exit and cleaning up the PID file.
func stopProxy(cmd *cobra.Command, port int) error {
	pid, err := process.ReadPIDFile(port)
	if err != nil {
		return fmt.Errorf("no running proxy found on port %d: %w", port, err)
	}
	if !process.IsRunning(pid) {
		_ = process.RemovePIDFile(port)
		fmt.Fprintf(cmd.OutOrStdout(), "proxy on port %d was not running; cleaned up stale pid file\n", port)
		return nil
	}

	if err := process.Terminate(pid); err != nil {
		return fmt.Errorf("stopping proxy (pid %d): %w", pid, err)
	}

	for i := 0; i < 50; i++ {
		if !process.IsRunning(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = process.RemovePIDFile(port)
	fmt.Fprintf(cmd.OutOrStdout(), "stopped proxy on port %d (pid %d)\n", port, pid)
	return nil
}
