package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	// Walk up to find go.mod
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

// buildBinary builds the command into a temporary directory.
func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	binPath := filepath.Join(t.TempDir(), "replvol-test")
	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "replvol")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

// TestExecute verifies that the binary builds.
func TestExecute(t *testing.T) {
	binPath := buildBinary(t)
	info, err := os.Stat(binPath)
	require.NoError(t, err)
	assert.True(t, info.Mode()&0111 != 0, "binary should be executable")
}

// TestMainHelpFlag tests that the help flag works.
func TestMainHelpFlag(t *testing.T) {
	binPath := buildBinary(t)
	out, err := exec.Command(binPath, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "replvol")
	assert.Contains(t, string(out), "replicated block volume")
	assert.Contains(t, string(out), "new-connection")
}

// TestMainUnknownCommand tests error handling for unknown commands.
func TestMainUnknownCommand(t *testing.T) {
	binPath := buildBinary(t)
	out, err := exec.Command(binPath, "unknown-command-xyz").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

// TestMainCreateMD writes metadata to a regular file.
func TestMainCreateMD(t *testing.T) {
	binPath := buildBinary(t)
	dev := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(dev, nil, 0644))
	require.NoError(t, os.Truncate(dev, 64<<20))

	out, err := exec.Command(binPath, "--no-color", "create-md", dev).CombinedOutput()
	require.NoError(t, err, string(out))
	assert.Contains(t, string(out), "metadata written")
}

// TestMainDaemonUnreachable exits non-zero when no daemon listens.
func TestMainDaemonUnreachable(t *testing.T) {
	binPath := buildBinary(t)
	out, err := exec.Command(binPath, "--addr", "127.0.0.1:1", "primary", "1").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, string(out), "primary")
}
