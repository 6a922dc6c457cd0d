package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/binwatch/binwatch/config"
)

const fileSeparator = "\n\n\n==========================================================\n\n"

// WriteFile appends or rewrites the report body to the configured
// report file. A no-op when no report file is configured.
func WriteFile(conf *config.Config, r *Report) error {
	path := conf.ReportFile.Path
	if path == "" {
		return nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory %s: %w", dir, err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if conf.ReportFileAppend() {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open report file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(r.Body + fileSeparator); err != nil {
		return fmt.Errorf("write report to %s: %w", path, err)
	}
	return nil
}
