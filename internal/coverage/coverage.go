// Package coverage extracts a coverage percentage from job log output using
// a job-supplied regular expression, mirroring the `coverage:` keyword of
// declarative CI documents.
package coverage

import (
	"regexp"
	"strconv"
	"strings"
)

// Extract applies pattern to log and returns the extracted percentage. The
// last match in the log wins; if the pattern has a capture group the first
// group is used, otherwise the whole match. A non-matching pattern yields
// ok=false, which is not an error. A malformed pattern is an error.
func Extract(pattern, log string) (value float64, ok bool, err error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, false, err
	}
	matches := re.FindAllStringSubmatch(log, -1)
	if len(matches) == 0 {
		return 0, false, nil
	}
	last := matches[len(matches)-1]
	raw := last[0]
	if len(last) > 1 && last[1] != "" {
		raw = last[1]
	}
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "%")
	value, perr := strconv.ParseFloat(raw, 64)
	if perr != nil {
		return 0, false, nil
	}
	return value, true, nil
}
