// Package launcher implements the BackendLauncher (spec §4.11): spawning a
// Julia REPL subprocess and capturing its output to a log file. Waiting for
// the process to register itself with the Registry is left to the caller.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"

	"github.com/stacklok/mcprepl-proxy/pkg/logger"
)

// DefaultRegistrationTimeout is the registration window for a spawned
// process (spec §4.11). Launch does not wait and does not read it;
// start_julia_session's wait is bounded by toolset.DefaultLaunchTimeout.
const DefaultRegistrationTimeout = 30 * time.Second

// LogTailLines bounds how much of a backend's log is read back by TailLog
// for timeout diagnostics.
const LogTailLines = 500

// Launcher spawns Julia REPL subprocesses.
type Launcher struct {
	logDir   string
	juliaBin string
}

// New constructs a Launcher writing backend logs under logDir
// (defaulting to mcprepl/logs under the XDG data directory if empty).
func New(logDir, juliaBin string) *Launcher {
	if logDir == "" {
		dir, err := xdg.DataFile(filepath.Join("mcprepl", "logs", ".keep"))
		if err == nil {
			logDir = filepath.Dir(dir)
		} else {
			logDir = os.TempDir()
		}
	}
	if juliaBin == "" {
		juliaBin = "julia"
	}
	return &Launcher{logDir: logDir, juliaBin: juliaBin}
}

// Launch spawns a Julia process in directory, running MCPRepl.jl, and
// returns the backend id it was told to register under via PROXY_AGENT_ID.
// The caller is responsible for waiting until the id appears in the
// Registry (spec §4.11: registration happens out-of-band over HTTP, not as
// part of spawning). The id is exactly name (the caller, pkg/toolset,
// defaults name to the directory's base and has already checked it isn't
// registered) so start_julia_session's "refuse on existing session_name"
// check and the eventual registration land on the same key.
func (l *Launcher) Launch(ctx context.Context, directory, name string) (string, error) {
	if name == "" {
		name = filepath.Base(directory)
	}
	id := name

	logPath := filepath.Join(l.logDir, fmt.Sprintf("session_%s_%d.log", name, time.Now().UTC().Unix()))
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return "", fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return "", fmt.Errorf("creating log file %s: %w", logPath, err)
	}

	// #nosec G204 -- directory/juliaBin come from trusted configuration, not untrusted network input
	cmd := exec.Command(l.juliaBin, "--project="+directory, "-e", "using MCPRepl; MCPRepl.start()")
	cmd.Dir = directory
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), "PROXY_AGENT_ID="+id)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return "", fmt.Errorf("starting julia: %w", err)
	}
	logger.Infow("launched julia backend", "id", id, "pid", cmd.Process.Pid, "directory", directory, "log", logPath)

	l.recordLogPath(id, logPath)

	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()

	return id, nil
}

var logPaths = struct {
	mu sync.Mutex
	m  map[string]string
}{m: map[string]string{}}

func (l *Launcher) recordLogPath(id, path string) {
	logPaths.mu.Lock()
	logPaths.m[id] = path
	logPaths.mu.Unlock()
}

func (l *Launcher) lookupLogPath(id string) (string, bool) {
	logPaths.mu.Lock()
	defer logPaths.mu.Unlock()
	path, ok := logPaths.m[id]
	return path, ok
}

// TailLog returns the last `lines` lines of id's captured log, for
// start_julia_session's timeout diagnostics (spec §4.9).
func (l *Launcher) TailLog(id string, lines int) (string, error) {
	if lines <= 0 {
		lines = LogTailLines
	}
	path, ok := l.lookupLogPath(id)
	if !ok {
		return "", fmt.Errorf("no log recorded for backend %q", id)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var ring []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring = append(ring, scanner.Text())
		if len(ring) > lines {
			ring = ring[1:]
		}
	}
	out := ""
	for _, line := range ring {
		out += line + "\n"
	}
	return out, nil
}

// IsJuliaProject reports whether dir contains a Project.toml, used by the
// dashboard's /directories listing and project check (spec §4.9/§6).
func IsJuliaProject(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "Project.toml"))
	if err != nil {
		return false
	}
	var parsed map[string]any
	return toml.Unmarshal(data, &parsed) == nil
}
