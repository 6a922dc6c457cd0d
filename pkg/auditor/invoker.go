package auditor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Invoker runs the external auditor against single targets.
type Invoker struct {
	Exe      string
	Args     []string
	Database string
	Timeout  time.Duration

	// Non-zero exit codes meaning "completed with findings". Other
	// non-zero codes are execution errors.
	FindingsExitCodes []int

	Debug bool

	// Probe overrides the auditability check; nil uses the embedded
	// dependency metadata probe.
	Probe func(path string) (string, bool)
}

// Preflight verifies the auditor executable exists and is runnable.
// Called once per run before any target is scanned. LookPath applies
// the same resolution exec.Command will use, so a missing execute bit
// or a directory fails here instead of once per target.
func (inv *Invoker) Preflight() error {
	if _, err := exec.LookPath(inv.Exe); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (inv *Invoker) commandArgs(t Target) []string {
	args := make([]string, 0, len(inv.Args)+3)
	args = append(args, inv.Args...)
	if inv.Database != "" {
		args = append(args, "--db", inv.Database)
	}
	return append(args, t.Path)
}

// Scan audits one target and always returns an outcome; a failed
// invocation yields a failure outcome, never a panic or a lost target.
func (inv *Invoker) Scan(ctx context.Context, t Target) Outcome {
	if err := ctx.Err(); err != nil {
		return failure(t, FailureCanceled, fmt.Sprintf("audit aborted: %v", err))
	}

	probe := inv.Probe
	if probe == nil {
		probe = auditable
	}
	if detail, ok := probe(t.Path); !ok {
		return failure(t, FailureNotAuditable, detail)
	}

	cmd := exec.Command(inv.Exe, inv.commandArgs(t)...)
	cmd.Env = scrubEnv(os.Environ())
	setProcGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return failure(t, FailureExec, fmt.Sprintf("start %s: %v", inv.Exe, err))
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case <-runCtx.Done():
		// Kill the whole process group so the auditor cannot leave
		// orphaned children behind.
		killProcGroup(cmd)
		<-done
		if err := ctx.Err(); err != nil {
			// The run itself was cut short, not this target.
			return failure(t, FailureCanceled, fmt.Sprintf("audit aborted: %v", err))
		}
		return failure(t, FailureTimeout,
			fmt.Sprintf("audit did not finish within %s", timeout))
	case waitErr = <-done:
	}

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return failure(t, FailureExec, fmt.Sprintf("wait for %s: %v", inv.Exe, waitErr))
		}
		code = exitErr.ExitCode()
	}

	if inv.Debug {
		log.Debugf("auditor exited with code %d for %s", code, t.Path)
		log.Debugf("auditor stdout for %s:\n%s", t.Path, stdout.String())
	}

	if code != 0 && !inv.findingsCode(code) {
		detail := fmt.Sprintf("auditor exited with code %d", code)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			detail = fmt.Sprintf("%s: %s", detail, firstLine(msg))
		}
		return failure(t, FailureExec, detail)
	}

	findings, err := Parse(stdout.Bytes())
	if err != nil {
		return failure(t, FailureParse, err.Error())
	}
	return Outcome{Target: t, Findings: findings}
}

func (inv *Invoker) findingsCode(code int) bool {
	for _, c := range inv.FindingsExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// scrubEnv drops terminal hints so the auditor never emits color
// escapes into the machine-readable output.
func scrubEnv(env []string) []string {
	out := env[:0]
	for _, e := range env {
		if strings.HasPrefix(e, "TERM=") || strings.HasPrefix(e, "COLORTERM=") {
			continue
		}
		out = append(out, e)
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
