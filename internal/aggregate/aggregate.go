package aggregate

import (
	"sort"
	"time"

	"github.com/binwatch/binwatch/config"
	"github.com/binwatch/binwatch/pkg/auditor"
	"github.com/binwatch/binwatch/pkg/history"
)

// Status classifies a finding against the previous run's history.
type Status int

const (
	StatusNew Status = iota
	StatusKnown
	StatusResolved
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusKnown:
		return "known"
	case StatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

type TaggedFinding struct {
	auditor.Finding
	Status Status
}

// TargetResult is one target's outcome with its findings tagged
// against history. Failed outcomes carry no tags: a failure is never
// interpreted as "zero findings".
type TargetResult struct {
	Outcome  auditor.Outcome
	Findings []TaggedFinding
}

func (r TargetResult) NewCount() int {
	n := 0
	for _, f := range r.Findings {
		if f.Status == StatusNew {
			n++
		}
	}
	return n
}

func (r TargetResult) KnownCount() int {
	n := 0
	for _, f := range r.Findings {
		if f.Status == StatusKnown {
			n++
		}
	}
	return n
}

// Snapshot is the aggregated result of one run, in configuration
// order. Immutable once built.
type Snapshot struct {
	Stamp   time.Time
	Results []TargetResult
}

// Build tags every finding of every successful outcome as new or
// known relative to history, and synthesizes resolved entries for
// advisories that disappeared. Pure: no I/O, no clock access.
func Build(stamp time.Time, outcomes []auditor.Outcome, hist history.Records) *Snapshot {
	snap := &Snapshot{Stamp: stamp, Results: make([]TargetResult, 0, len(outcomes))}

	for _, out := range outcomes {
		res := TargetResult{Outcome: out}
		if !out.Failed() {
			res.Findings = tag(out, hist)
		}
		snap.Results = append(snap.Results, res)
	}
	return snap
}

func tag(out auditor.Outcome, hist history.Records) []TaggedFinding {
	tagged := make([]TaggedFinding, 0, len(out.Findings))
	current := make(map[string]struct{}, len(out.Findings))

	for _, f := range out.Findings {
		current[f.ID] = struct{}{}
		status := StatusNew
		if hist.Known(out.Target.Path, f.ID) {
			status = StatusKnown
		}
		tagged = append(tagged, TaggedFinding{Finding: f, Status: status})
	}

	for id := range hist[out.Target.Path] {
		if _, ok := current[id]; ok {
			continue
		}
		tagged = append(tagged, TaggedFinding{
			Finding: auditor.Finding{ID: id},
			Status:  StatusResolved,
		})
	}

	sort.Slice(tagged, func(i, j int) bool {
		// Resolved entries trail, then severity descending, then
		// advisory ID for a stable report.
		ri, rj := tagged[i].Status == StatusResolved, tagged[j].Status == StatusResolved
		if ri != rj {
			return rj
		}
		si, sj := config.SeverityRank(tagged[i].Severity), config.SeverityRank(tagged[j].Severity)
		if si != sj {
			return si > sj
		}
		return tagged[i].ID < tagged[j].ID
	})
	return tagged
}

// Failed reports whether any target's audit failed.
func (s *Snapshot) Failed() bool {
	for _, r := range s.Results {
		if r.Outcome.Failed() {
			return true
		}
	}
	return false
}

// Vulnerable reports whether any unresolved finding exists.
func (s *Snapshot) Vulnerable() bool {
	for _, r := range s.Results {
		for _, f := range r.Findings {
			if f.Status != StatusResolved {
				return true
			}
		}
	}
	return false
}

func (s *Snapshot) NewCount() int {
	n := 0
	for _, r := range s.Results {
		n += r.NewCount()
	}
	return n
}

// Clean reports whether the run found nothing new and nothing failed.
// Configuration decides whether clean runs are still mailed.
func (s *Snapshot) Clean() bool {
	return s.NewCount() == 0 && !s.Failed()
}

// HistoryUpdates returns the advisory sets to persist, successful
// targets only. An empty set is a real update: it clears the target's
// history once the report carrying the resolutions went out.
func (s *Snapshot) HistoryUpdates() map[string][]string {
	updates := make(map[string][]string, len(s.Results))
	for _, r := range s.Results {
		if r.Outcome.Failed() {
			continue
		}
		ids := make([]string, 0, len(r.Findings))
		for _, f := range r.Findings {
			if f.Status == StatusResolved {
				continue
			}
			ids = append(ids, f.ID)
		}
		sort.Strings(ids)
		updates[r.Outcome.Target.Path] = ids
	}
	return updates
}
