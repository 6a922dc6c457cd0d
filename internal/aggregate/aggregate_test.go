package aggregate

import (
	"testing"
	"time"

	"github.com/binwatch/binwatch/pkg/auditor"
	"github.com/binwatch/binwatch/pkg/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stamp = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func finding(id, severity string) auditor.Finding {
	return auditor.Finding{ID: id, Package: "pkg", Version: "1.0.0", Severity: severity}
}

func records(target string, ids ...string) history.Records {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return history.Records{target: set}
}

func TestTagNewAndKnown(t *testing.T) {
	outcomes := []auditor.Outcome{{
		Target: auditor.Target{Path: "/bin/foo"},
		Findings: []auditor.Finding{
			finding("RUSTSEC-0001", "high"),
			finding("RUSTSEC-0002", "critical"),
		},
	}}

	snap := Build(stamp, outcomes, records("/bin/foo", "RUSTSEC-0001"))
	require.Len(t, snap.Results, 1)

	res := snap.Results[0]
	require.Len(t, res.Findings, 2)
	// Severity descending: the critical one leads.
	assert.Equal(t, "RUSTSEC-0002", res.Findings[0].ID)
	assert.Equal(t, StatusNew, res.Findings[0].Status)
	assert.Equal(t, "RUSTSEC-0001", res.Findings[1].ID)
	assert.Equal(t, StatusKnown, res.Findings[1].Status)

	assert.Equal(t, 1, snap.NewCount())
	assert.True(t, snap.Vulnerable())
	assert.False(t, snap.Clean())
}

func TestTagResolved(t *testing.T) {
	outcomes := []auditor.Outcome{{
		Target: auditor.Target{Path: "/bin/foo"},
	}}

	snap := Build(stamp, outcomes, records("/bin/foo", "RUSTSEC-0001"))
	res := snap.Results[0]
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "RUSTSEC-0001", res.Findings[0].ID)
	assert.Equal(t, StatusResolved, res.Findings[0].Status)

	// A resolved-only run is clean and not vulnerable.
	assert.False(t, snap.Vulnerable())
	assert.True(t, snap.Clean())
}

func TestResolvedTrailOrdering(t *testing.T) {
	outcomes := []auditor.Outcome{{
		Target:   auditor.Target{Path: "/bin/foo"},
		Findings: []auditor.Finding{finding("RUSTSEC-0009", "low")},
	}}

	snap := Build(stamp, outcomes, records("/bin/foo", "RUSTSEC-0001"))
	res := snap.Results[0]
	require.Len(t, res.Findings, 2)
	assert.Equal(t, StatusNew, res.Findings[0].Status)
	assert.Equal(t, StatusResolved, res.Findings[1].Status)
}

func TestFailureCarriedUntagged(t *testing.T) {
	outcomes := []auditor.Outcome{
		{
			Target:   auditor.Target{Path: "/bin/ok"},
			Findings: []auditor.Finding{finding("RUSTSEC-0001", "high")},
		},
		{
			Target:  auditor.Target{Path: "/bin/bad"},
			Failure: auditor.FailureTimeout,
			Detail:  "audit did not finish within 5m0s",
		},
	}

	hist := history.Records{
		"/bin/bad": {"RUSTSEC-0002": struct{}{}},
	}
	snap := Build(stamp, outcomes, hist)
	require.Len(t, snap.Results, 2)

	bad := snap.Results[1]
	assert.True(t, bad.Outcome.Failed())
	// Failure is not "zero findings": nothing is tagged resolved.
	assert.Empty(t, bad.Findings)

	assert.True(t, snap.Failed())
	assert.False(t, snap.Clean())
}

func TestHistoryUpdatesSkipFailures(t *testing.T) {
	outcomes := []auditor.Outcome{
		{
			Target:   auditor.Target{Path: "/bin/ok"},
			Findings: []auditor.Finding{finding("RUSTSEC-0002", "high"), finding("RUSTSEC-0001", "low")},
		},
		{
			Target: auditor.Target{Path: "/bin/clean"},
		},
		{
			Target:  auditor.Target{Path: "/bin/bad"},
			Failure: auditor.FailureExec,
		},
	}

	snap := Build(stamp, outcomes, history.Records{})
	updates := snap.HistoryUpdates()

	assert.Equal(t, []string{"RUSTSEC-0001", "RUSTSEC-0002"}, updates["/bin/ok"])
	ids, ok := updates["/bin/clean"]
	assert.True(t, ok)
	assert.Empty(t, ids)
	_, ok = updates["/bin/bad"]
	assert.False(t, ok)
}

func TestHistoryUpdatesExcludeResolved(t *testing.T) {
	outcomes := []auditor.Outcome{{
		Target:   auditor.Target{Path: "/bin/foo"},
		Findings: []auditor.Finding{finding("RUSTSEC-0002", "high")},
	}}

	snap := Build(stamp, outcomes, records("/bin/foo", "RUSTSEC-0001"))
	updates := snap.HistoryUpdates()
	assert.Equal(t, []string{"RUSTSEC-0002"}, updates["/bin/foo"])
}

func TestConfigurationOrderPreserved(t *testing.T) {
	outcomes := []auditor.Outcome{
		{Target: auditor.Target{Path: "/bin/zzz"}},
		{Target: auditor.Target{Path: "/bin/aaa"}},
	}

	snap := Build(stamp, outcomes, history.Records{})
	assert.Equal(t, "/bin/zzz", snap.Results[0].Outcome.Target.Path)
	assert.Equal(t, "/bin/aaa", snap.Results[1].Outcome.Target.Path)
}
