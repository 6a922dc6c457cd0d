package config

import (
	"github.com/fatih/color"
)

var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	Green  = color.New(color.FgGreen).SprintFunc()
	Pink   = color.New(color.FgMagenta).SprintFunc()

	SeverityMap = map[string]int{
		"critical": 5,
		"high":     4,
		"medium":   3,
		"low":      2,
		"tips":     1,
	}
)

// SeverityRank returns the ordering weight of a severity level.
// Levels not in SeverityMap rank below "tips".
func SeverityRank(level string) int {
	return SeverityMap[level]
}
