package auditor

import (
	"fmt"
	"os"

	rustaudit "github.com/microsoft/go-rustaudit"
)

// auditable probes whether the target binary carries embedded
// dependency metadata the auditor can work with. Binaries without it
// get a NotAuditable outcome without spawning the auditor at all.
func auditable(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("target %s does not exist", path), false
		}
		return fmt.Sprintf("open target %s: %v", path, err), false
	}
	defer f.Close()

	if _, err := rustaudit.GetDependencyInfo(f); err != nil {
		return fmt.Sprintf("no embedded dependency metadata in %s: %v", path, err), false
	}
	return "", true
}
