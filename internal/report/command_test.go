//go:build !windows

package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommand(t *testing.T) {
	conf := testConf()
	conf.ReportCommand = []string{"cat"}

	require.NoError(t, RunCommand(context.Background(), conf, &Report{Body: "report body"}))
}

func TestRunCommandQuotedArgument(t *testing.T) {
	// An argument with embedded whitespace must reach the command as
	// one argv entry.
	out := filepath.Join(t.TempDir(), "argv.txt")
	conf := testConf()
	conf.ReportCommand = []string{"sh", "-c", `printf '%s\n' "$1" > ` + out, "argv0", "audit report"}

	require.NoError(t, RunCommand(context.Background(), conf, &Report{Body: "report body"}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "audit report\n", string(data))
}

func TestRunCommandFailure(t *testing.T) {
	conf := testConf()
	conf.ReportCommand = []string{"false"}

	err := RunCommand(context.Background(), conf, &Report{Body: "report body"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report command")
}

func TestRunCommandDisabled(t *testing.T) {
	require.NoError(t, RunCommand(context.Background(), testConf(), &Report{Body: "x"}))
}
