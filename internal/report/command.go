package report

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/binwatch/binwatch/config"
)

// RunCommand pipes the report body into the configured report
// command's stdin. A no-op when no command is configured. A non-zero
// exit fails the run, since the operator asked for the hand-off.
func RunCommand(ctx context.Context, conf *config.Config, r *Report) error {
	argv := conf.ReportCommand
	if len(argv) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(r.Body)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("report command %q: %w", strings.Join(argv, " "), err)
	}
	return nil
}
