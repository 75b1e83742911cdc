package runner

import (
	"regexp"
	"strings"
)

// resultLine matches suite console output announcing one finished test case,
// e.g. "Addition Test | PASS" or "Login Test | FAIL |".
var resultLine = regexp.MustCompile(`^(.*\S)\s*\|\s*(PASS|FAIL)\s*\|?\s*$`)

// ParseProgress extracts a finished test case from one line of console
// output. It returns the trimmed test name and true on a match; lines that
// do not announce a test result return false.
func ParseProgress(line string) (testName string, ok bool) {
	m := resultLine.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
