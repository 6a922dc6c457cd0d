package auditor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	version2 "github.com/hashicorp/go-version"
	"github.com/tidwall/gjson"
)

// Wire structures of the auditor's JSON output. Unknown fields are
// ignored for forward compatibility.
type auditDocument struct {
	Vulnerabilities struct {
		Found bool        `json:"found"`
		Count int         `json:"count"`
		List  []auditVuln `json:"list"`
	} `json:"vulnerabilities"`
	Warnings map[string][]auditWarning `json:"warnings"`
}

type auditVuln struct {
	Advisory auditAdvisory `json:"advisory"`
	Package  auditPackage  `json:"package"`
	Versions struct {
		Patched []string `json:"patched"`
	} `json:"versions"`
}

type auditWarning struct {
	Kind     string         `json:"kind"`
	Advisory *auditAdvisory `json:"advisory"`
	Package  auditPackage   `json:"package"`
}

type auditAdvisory struct {
	ID          string `json:"id"`
	Package     string `json:"package"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type auditPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Parse decodes one auditor JSON document into a normalized finding
// set. It is pure and deterministic: identical bytes always yield an
// identical, identically ordered result. A missing advisory ID or
// package name rejects the whole document, since partially accepted
// findings could mask real vulnerabilities.
func Parse(raw []byte) ([]Finding, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("auditor output is not valid JSON")
	}
	if !gjson.GetBytes(raw, "vulnerabilities").Exists() {
		return nil, fmt.Errorf("auditor output has no vulnerabilities section")
	}

	var doc auditDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode auditor output: %w", err)
	}

	findings := make([]Finding, 0, len(doc.Vulnerabilities.List))
	for _, v := range doc.Vulnerabilities.List {
		f, err := toFinding(v.Advisory, v.Package, v.Versions.Patched)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}

	// Auditor warnings (unmaintained, unsound, yanked crates) are kept
	// as low-grade findings so they survive deduplication like any
	// other advisory.
	for _, kind := range sortedKeys(doc.Warnings) {
		for _, w := range doc.Warnings[kind] {
			f, err := warningFinding(kind, w)
			if err != nil {
				return nil, err
			}
			findings = append(findings, f)
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].ID != findings[j].ID {
			return findings[i].ID < findings[j].ID
		}
		return findings[i].Package < findings[j].Package
	})
	return findings, nil
}

func toFinding(adv auditAdvisory, pkg auditPackage, patched []string) (Finding, error) {
	if adv.ID == "" {
		return Finding{}, fmt.Errorf("advisory without ID for package %q", pkg.Name)
	}
	name := pkg.Name
	if name == "" {
		name = adv.Package
	}
	if name == "" {
		return Finding{}, fmt.Errorf("advisory %s without package name", adv.ID)
	}

	severity := strings.ToLower(adv.Severity)
	if severity == "" {
		severity = "unknown"
	}
	desc := adv.Title
	if desc == "" {
		desc = adv.Description
	}

	return Finding{
		ID:           adv.ID,
		Package:      name,
		Version:      pkg.Version,
		Severity:     severity,
		Patched:      patched,
		FixAvailable: fixAvailable(pkg.Version, patched),
		Description:  desc,
	}, nil
}

func warningFinding(kind string, w auditWarning) (Finding, error) {
	if w.Advisory != nil {
		f, err := toFinding(*w.Advisory, w.Package, nil)
		if err != nil {
			return Finding{}, err
		}
		f.Severity = "tips"
		if f.Description == "" {
			f.Description = fmt.Sprintf("%s crate", kind)
		}
		return f, nil
	}

	// Warnings like "yanked" carry no advisory record; synthesize a
	// stable identifier from the kind and package so deduplication
	// still works.
	if w.Package.Name == "" {
		return Finding{}, fmt.Errorf("%s warning without package name", kind)
	}
	return Finding{
		ID:          fmt.Sprintf("%s:%s@%s", kind, w.Package.Name, w.Package.Version),
		Package:     w.Package.Name,
		Version:     w.Package.Version,
		Severity:    "tips",
		Description: fmt.Sprintf("%s crate", kind),
	}, nil
}

// fixAvailable reports whether some patched version range exists that
// the currently used version does not already satisfy.
func fixAvailable(current string, patched []string) bool {
	if len(patched) == 0 {
		return false
	}
	v, err := version2.NewVersion(current)
	if err != nil {
		return true
	}
	for _, p := range patched {
		constraint, err := version2.NewConstraint(p)
		if err != nil {
			continue
		}
		if !constraint.Check(v) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string][]auditWarning) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
