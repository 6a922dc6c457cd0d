//go:build !windows

package auditor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cleanOutput = `{"vulnerabilities": {"found": false, "count": 0, "list": []}}`

const vulnOutput = `{"vulnerabilities": {"found": true, "count": 1, "list": [
	{"advisory": {"id": "RUSTSEC-2020-0071", "package": "time", "title": "segfault", "severity": "high"},
	 "package": {"name": "time", "version": "0.1.45"},
	 "versions": {"patched": [">=0.2.23"]}}
]}}`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-audit")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func passProbe(path string) (string, bool) { return "", true }

func newTestInvoker(t *testing.T, scriptBody string) *Invoker {
	t.Helper()
	return &Invoker{
		Exe:               writeScript(t, scriptBody),
		Timeout:           time.Minute,
		FindingsExitCodes: []int{1},
		Probe:             passProbe,
	}
}

func TestScanClean(t *testing.T) {
	inv := newTestInvoker(t, fmt.Sprintf("echo '%s'", cleanOutput))

	out := inv.Scan(context.Background(), Target{Path: "/bin/foo"})
	require.False(t, out.Failed())
	assert.Empty(t, out.Findings)
}

func TestScanFindingsExitCode(t *testing.T) {
	// Exit code 1 means "completed with findings", not a failure.
	inv := newTestInvoker(t, fmt.Sprintf("echo '%s'; exit 1", vulnOutput))

	out := inv.Scan(context.Background(), Target{Path: "/bin/foo"})
	require.False(t, out.Failed())
	require.Len(t, out.Findings, 1)
	assert.Equal(t, "RUSTSEC-2020-0071", out.Findings[0].ID)
}

func TestScanExecutionError(t *testing.T) {
	inv := newTestInvoker(t, "echo 'advisory database missing' >&2; exit 2")

	out := inv.Scan(context.Background(), Target{Path: "/bin/foo"})
	require.True(t, out.Failed())
	assert.Equal(t, FailureExec, out.Failure)
	assert.Contains(t, out.Detail, "exited with code 2")
	assert.Contains(t, out.Detail, "advisory database missing")
}

func TestScanTimeout(t *testing.T) {
	inv := newTestInvoker(t, "sleep 30")
	inv.Timeout = 100 * time.Millisecond

	start := time.Now()
	out := inv.Scan(context.Background(), Target{Path: "/bin/foo"})
	require.True(t, out.Failed())
	assert.Equal(t, FailureTimeout, out.Failure)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestScanCanceledRun(t *testing.T) {
	inv := newTestInvoker(t, "sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	// A run cut short is not a per-target timeout.
	out := inv.Scan(ctx, Target{Path: "/bin/foo"})
	require.True(t, out.Failed())
	assert.Equal(t, FailureCanceled, out.Failure)
	assert.Contains(t, out.Detail, "aborted")

	// Once the context is gone, later targets never launch at all.
	out = inv.Scan(ctx, Target{Path: "/bin/bar"})
	require.True(t, out.Failed())
	assert.Equal(t, FailureCanceled, out.Failure)
}

func TestScanUnparseableOutput(t *testing.T) {
	inv := newTestInvoker(t, "echo 'not json at all'")

	out := inv.Scan(context.Background(), Target{Path: "/bin/foo"})
	require.True(t, out.Failed())
	assert.Equal(t, FailureParse, out.Failure)
}

func TestScanMissingTarget(t *testing.T) {
	inv := newTestInvoker(t, fmt.Sprintf("echo '%s'", cleanOutput))
	inv.Probe = nil // use the real metadata probe

	out := inv.Scan(context.Background(), Target{Path: filepath.Join(t.TempDir(), "gone")})
	require.True(t, out.Failed())
	assert.Equal(t, FailureNotAuditable, out.Failure)
	assert.Contains(t, out.Detail, "does not exist")
}

func TestScanNotAuditable(t *testing.T) {
	inv := newTestInvoker(t, fmt.Sprintf("echo '%s'", cleanOutput))
	inv.Probe = nil

	// A plain file without embedded dependency metadata.
	target := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(target, []byte("#!/bin/sh\n"), 0o755))

	out := inv.Scan(context.Background(), Target{Path: target})
	require.True(t, out.Failed())
	assert.Equal(t, FailureNotAuditable, out.Failure)
}

func TestPreflight(t *testing.T) {
	inv := newTestInvoker(t, "exit 0")
	assert.NoError(t, inv.Preflight())

	inv.Exe = filepath.Join(t.TempDir(), "missing-auditor")
	err := inv.Preflight()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestPreflightNotExecutable(t *testing.T) {
	inv := newTestInvoker(t, "exit 0")
	require.NoError(t, os.Chmod(inv.Exe, 0o644))

	err := inv.Preflight()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	inv.Exe = t.TempDir() // a directory is not runnable either
	err = inv.Preflight()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestCommandArgs(t *testing.T) {
	inv := &Invoker{
		Exe:      "/usr/bin/cargo-audit",
		Args:     []string{"audit", "--format", "json", "bin"},
		Database: "/var/lib/advisory-db",
	}
	args := inv.commandArgs(Target{Path: "/bin/foo"})
	assert.Equal(t, []string{"audit", "--format", "json", "bin", "--db", "/var/lib/advisory-db", "/bin/foo"}, args)
}

func TestScrubEnv(t *testing.T) {
	env := scrubEnv([]string{"PATH=/bin", "TERM=xterm", "COLORTERM=truecolor", "HOME=/root"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, env)
}
