// Package process manages the proxy's PID file and process-liveness checks.
package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"
	gopsutilprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/stacklok/mcprepl-proxy/pkg/logger"
)

const cacheSubdir = "mcprepl"

// pidFilePath returns the path of the PID file for the proxy bound to port,
// per spec §6: "${XDG_CACHE_HOME:-~/.cache}/mcprepl/proxy-{port}.pid".
func pidFilePath(port int) (string, error) {
	dir := filepath.Join(xdg.CacheHome, cacheSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return filepath.Join(dir, fmt.Sprintf("proxy-%d.pid", port)), nil
}

// lockPath returns the path of the advisory lock guarding the PID file.
func lockPath(port int) (string, error) {
	p, err := pidFilePath(port)
	if err != nil {
		return "", err
	}
	return p + ".lock", nil
}

// WritePIDFile atomically records the current process's PID for port.
func WritePIDFile(port int) error {
	return WritePIDFileFor(port, os.Getpid())
}

// WritePIDFileFor records pid for port; split out from WritePIDFile for tests
// that need to simulate another process's PID.
func WritePIDFileFor(port, pid int) error {
	lp, err := lockPath(port)
	if err != nil {
		return err
	}
	fl := flock.New(lp)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("failed to lock pid file for port %d: %w", port, err)
	}
	defer fl.Unlock() //nolint:errcheck

	path, err := pidFilePath(port)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the PID recorded for port, or an error if no PID file
// exists or its contents are not a valid integer.
func ReadPIDFile(port int) (int, error) {
	path, err := pidFilePath(port)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s does not contain a valid pid: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file for port, if present. Removing a
// nonexistent file is not an error.
func RemovePIDFile(port int) error {
	path, err := pidFilePath(port)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	lp, err := lockPath(port)
	if err == nil {
		_ = os.Remove(lp)
	}
	return nil
}

// IsRunning reports whether pid identifies a live OS process.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := gopsutilprocess.PidExists(int32(pid))
	if err != nil {
		logger.Warnf("failed to check liveness of pid %d: %v", pid, err)
		return false
	}
	return alive
}

// CleanStalePIDFile removes the PID file for port if it names a process
// that is no longer running, per spec §6 ("Stale PID files ... are removed
// on startup"). It returns true if a stale file was removed.
func CleanStalePIDFile(port int) (bool, error) {
	pid, err := ReadPIDFile(port)
	if err != nil {
		// No file, or unreadable: nothing to clean.
		return false, nil //nolint:nilerr
	}
	if IsRunning(pid) {
		return false, nil
	}
	logger.Infof("removing stale pid file for port %d (pid %d not running)", port, pid)
	if err := RemovePIDFile(port); err != nil {
		return false, err
	}
	return true, nil
}

// Terminate sends SIGTERM to pid, used by kill_stale_sessions to stop
// orphaned backend processes.
func Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to terminate process %d: %w", pid, err)
	}
	return nil
}
