package launcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsJuliaProjectTrueWhenProjectTomlPresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Project.toml"), []byte(`name = "Example"`), 0o644))

	assert.True(t, IsJuliaProject(dir))
}

func TestIsJuliaProjectFalseWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, IsJuliaProject(dir))
}

func TestIsJuliaProjectFalseWhenMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Project.toml"), []byte(`not = [valid toml`), 0o644))

	assert.False(t, IsJuliaProject(dir))
}

func TestTailLogReturnsErrorForUnknownID(t *testing.T) {
	l := New(t.TempDir(), "julia")
	_, err := l.TailLog("never-launched", 10)
	assert.Error(t, err)
}

func TestTailLogReturnsLastLines(t *testing.T) {
	l := New(t.TempDir(), "julia")
	logPath := filepath.Join(t.TempDir(), "session.log")
	require.NoError(t, os.WriteFile(logPath, []byte("line1\nline2\nline3\n"), 0o644))
	l.recordLogPath("backend-x", logPath)

	out, err := l.TailLog("backend-x", 2)
	require.NoError(t, err)
	assert.Equal(t, "line2\nline3\n", out)
}
