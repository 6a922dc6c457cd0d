package auditor

import "errors"

// ErrUnavailable means the auditor executable itself is missing or
// not executable. All targets share one auditor, so this aborts the
// whole run instead of being reported once per target.
var ErrUnavailable = errors.New("auditor executable unavailable")

// Target is one binary configured for scanning.
type Target struct {
	Path string
	Name string
}

func (t Target) Display() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Path
}

// Finding is one vulnerability the auditor reported for one target.
// Its identity for deduplication is (target path, advisory ID).
type Finding struct {
	ID           string
	Package      string
	Version      string
	Severity     string
	Patched      []string
	FixAvailable bool
	Description  string
}

type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTimeout
	FailureCanceled
	FailureExec
	FailureNotAuditable
	FailureParse
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureCanceled:
		return "canceled"
	case FailureExec:
		return "execution error"
	case FailureNotAuditable:
		return "not auditable"
	case FailureParse:
		return "unparseable output"
	default:
		return "unknown"
	}
}

// Outcome is the result of auditing one target: either a finding set
// or a classified failure. Exactly one Outcome exists per target per
// run, failures included.
type Outcome struct {
	Target   Target
	Findings []Finding
	Failure  FailureKind
	Detail   string
}

func (o Outcome) Failed() bool {
	return o.Failure != FailureNone
}

func failure(t Target, kind FailureKind, detail string) Outcome {
	return Outcome{Target: t, Failure: kind, Detail: detail}
}
