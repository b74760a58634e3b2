package app

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/mcprepl-proxy/pkg/logger"
	"github.com/stacklok/mcprepl-proxy/pkg/process"
	"github.com/stacklok/mcprepl-proxy/pkg/proxy"
	"github.com/stacklok/mcprepl-proxy/pkg/security"
	"github.com/stacklok/mcprepl-proxy/pkg/telemetry"
)

// defaultPort of 0 means "pick a free port in the ephemeral range at
// startup" (spec §6).
const defaultPort = 0

// portRangeLo/portRangeHi bound the port auto-selected when --port is 0
// or unset (spec §6 "pick a free port in 40000-49999").
const (
	portRangeLo = 40000
	portRangeHi = 49999
)

var (
	startBackground bool
	startConfigPath string
	startLogsDir    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startBackground, "background", false, "fork and run the proxy detached from this terminal")
	startCmd.Flags().StringVar(&startConfigPath, "config", "", "security config path (default: ./.mcprepl/security.json)")
	startCmd.Flags().StringVar(&startLogsDir, "logs-dir", "", "directory backend logs are written to (default: XDG data dir)")
}

func runStart(cmd *cobra.Command, _ []string) error {
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return wrapExit(ExitConfigError, err)
	}

	if startBackground {
		return wrapExit(ExitConfigError, forkBackground(cmd, port))
	}

	cfgPath := startConfigPath
	if cfgPath == "" {
		cfgPath = security.ConfigPath(".")
	}

	secCfg, err := loadOrBootstrapSecurityConfig(cfgPath, port)
	if err != nil {
		return wrapExit(ExitConfigError, fmt.Errorf("loading security config: %w", err))
	}

	resolvedPort := port
	if resolvedPort == 0 {
		resolvedPort = secCfg.Port
	}
	if resolvedPort == 0 {
		resolvedPort, err = choosePort()
		if err != nil {
			return wrapExit(ExitBindFailed, err)
		}
	}
	secCfg.Port = resolvedPort

	if running, err := pidAlreadyRunning(resolvedPort); err != nil {
		return wrapExit(ExitConfigError, err)
	} else if running {
		return wrapExit(ExitAlreadyRunning, fmt.Errorf("proxy already running on port %d", resolvedPort))
	}

	p, err := proxy.New(proxy.Config{
		Port:           resolvedPort,
		SecurityConfig: secCfg,
		LogDir:         startLogsDir,
		Telemetry:      telemetry.Config{EnableMetricsPath: true},
	})
	if err != nil {
		return wrapExit(ExitConfigError, fmt.Errorf("initializing proxy: %w", err))
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warnf("error during shutdown: %v", err)
		}
	}()

	if err := process.WritePIDFile(resolvedPort); err != nil {
		return wrapExit(ExitConfigError, fmt.Errorf("writing pid file: %w", err))
	}
	defer func() { _ = process.RemovePIDFile(resolvedPort) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", resolvedPort)
	logger.Infow("starting mcprepl-proxy", "port", resolvedPort, "dashboard", fmt.Sprintf("http://127.0.0.1:%d/dashboard/", resolvedPort))

	if err := p.Run(ctx, addr); err != nil {
		return wrapExit(ExitBindFailed, fmt.Errorf("serving: %w", err))
	}
	return nil
}

// loadOrBootstrapSecurityConfig reads path's security config, creating a
// lax-mode default (loopback-only, no token) if the workspace has none
// yet (spec §6 configuration file).
func loadOrBootstrapSecurityConfig(path string, port int) (*security.Config, error) {
	if _, err := os.Stat(path); err == nil {
		return security.Load(path)
	}

	cfg := &security.Config{
		Mode:      security.ModeLax,
		Port:      port,
		CreatedAt: time.Now().UTC().Unix(),
	}
	if err := security.Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// choosePort probes the ephemeral range spec §6 names for one that binds
// successfully. A small TOCTOU race against the real listener is
// acceptable here since a bind failure at serve time surfaces as
// ExitBindFailed.
func choosePort() (int, error) {
	for i := 0; i < 50; i++ {
		candidate := portRangeLo + rand.IntN(portRangeHi-portRangeLo+1)
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", candidate))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return candidate, nil
	}
	return 0, fmt.Errorf("no free port found in range %d-%d", portRangeLo, portRangeHi)
}

func pidAlreadyRunning(port int) (bool, error) {
	if _, err := process.CleanStalePIDFile(port); err != nil {
		return false, err
	}
	pid, err := process.ReadPIDFile(port)
	if err != nil {
		return false, nil //nolint:nilerr
	}
	return process.IsRunning(pid), nil
}

// forkBackground re-execs this binary without --background, detached
// from the controlling terminal, and returns immediately.
func forkBackground(cmd *cobra.Command, port int) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	args := []string{"start", "--port", fmt.Sprintf("%d", port)}
	if startConfigPath != "" {
		args = append(args, "--config", startConfigPath)
	}
	if startLogsDir != "" {
		args = append(args, "--logs-dir", startLogsDir)
	}

	attr := &os.ProcAttr{
		Dir:   ".",
		Env:   os.Environ(),
		Files: []*os.File{nil, nil, nil},
	}
	proc, err := os.StartProcess(exe, append([]string{filepath.Base(exe)}, args...), attr)
	if err != nil {
		return fmt.Errorf("forking background process: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "started mcprepl-proxy in background, pid %d\n", proc.Pid)
	return proc.Release()
}
