package report

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/binwatch/binwatch/config"
	"github.com/binwatch/binwatch/internal/aggregate"

	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/host"
)

// Report is the composed run summary. Built once, possibly sent
// multiple times, never mutated after composition.
type Report struct {
	Subject    string
	Body       string
	Recipients []string
	Snapshot   *aggregate.Snapshot
}

var hostLine = sync.OnceValue(func() string {
	info, err := host.Info()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("Host: %s (%s %s %s)",
		info.Hostname, info.OS, info.Platform, info.PlatformVersion)
})

// Compose renders the snapshot into a deterministic plain-text
// report: summary in configuration order, failure section, then
// detail tables grouped by target and severity.
func Compose(snap *aggregate.Snapshot, conf *config.Config) *Report {
	var b strings.Builder

	header := "Audit results:"
	if snap.Failed() {
		header = "Audit completed with failures:"
	}
	fmt.Fprintf(&b, "[%s] %s\n", snap.Stamp.UTC().Format(time.RFC3339), header)
	if hl := hostLine(); hl != "" {
		fmt.Fprintf(&b, "%s\n", hl)
	}
	b.WriteString("\n")

	for _, res := range snap.Results {
		fmt.Fprintf(&b, "  %s: %s\n", res.Outcome.Target.Display(), summaryOf(res))
	}

	if snap.Failed() {
		b.WriteString("\nFailures:\n")
		for _, res := range snap.Results {
			if !res.Outcome.Failed() {
				continue
			}
			fmt.Fprintf(&b, "  %s: %s: %s\n",
				res.Outcome.Target.Display(), res.Outcome.Failure, res.Outcome.Detail)
		}
	}

	for _, res := range snap.Results {
		if len(res.Findings) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n\n%s:\n", res.Outcome.Target.Display())
		writeFindingTable(&b, res.Findings)
	}

	return &Report{
		Subject:    subjectOf(snap, conf),
		Body:       b.String(),
		Recipients: append([]string(nil), conf.Mail.Recipients...),
		Snapshot:   snap,
	}
}

func subjectOf(snap *aggregate.Snapshot, conf *config.Config) string {
	prefix := ""
	if snap.Failed() {
		prefix = "[AUDIT FAILED] "
	} else if snap.Vulnerable() {
		prefix = "[VULNERABILITIES FOUND] "
	}
	return prefix + conf.Mail.Subject
}

func summaryOf(res aggregate.TargetResult) string {
	if res.Outcome.Failed() {
		return fmt.Sprintf("FAILED (%s)", res.Outcome.Failure)
	}
	newCount, knownCount := res.NewCount(), res.KnownCount()
	if newCount+knownCount == 0 {
		return "Ok"
	}
	return fmt.Sprintf("VULNERABLE (%d new, %d known)", newCount, knownCount)
}

func writeFindingTable(b *strings.Builder, findings []aggregate.TaggedFinding) {
	table := tablewriter.NewWriter(b)
	table.SetHeader([]string{"Status", "Advisory", "Package", "Version", "Severity", "Fixed In", "Description"})
	table.SetRowLine(true)

	for _, f := range findings {
		status := f.Status.String()
		if f.Status == aggregate.StatusNew {
			status = "NEW"
		}

		// Limit the length of description
		desc := f.Description
		if len(desc) > 200 {
			desc = desc[:200] + " ..."
		}

		table.Append([]string{
			status, f.ID, f.Package, f.Version,
			f.Severity, strings.Join(f.Patched, ", "), desc,
		})
	}
	table.Render()
}
