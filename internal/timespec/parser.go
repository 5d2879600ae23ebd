// Package timespec parses the --since/--until values the CLI accepts.
package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dateLayout is a bare calendar date, read as midnight UTC.
const dateLayout = "2006-01-02"

// Parse turns spec into an absolute time. Accepted forms:
//   - Go durations, relative to now: "90s", "1h30m"
//   - whole days, relative to now: "2d"
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//   - dates: "2025-10-29"
func Parse(spec string, now time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}
	if t, err := time.Parse(dateLayout, spec); err == nil {
		return t, nil
	}
	if days, ok := strings.CutSuffix(spec, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			return now.Add(-time.Duration(n) * 24 * time.Hour), nil
		}
	}
	if d, err := time.ParseDuration(spec); err == nil && d >= 0 {
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use a duration like '1h30m' or '2d', or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// ParseMillis is Parse against the current time, in Unix milliseconds.
func ParseMillis(spec string) (int64, error) {
	t, err := Parse(spec, time.Now())
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

// ParseRange parses optional --since and --until values into Unix
// milliseconds. Zero means unbounded.
func ParseRange(since, until string) (int64, int64, error) {
	var sinceMS, untilMS int64
	var err error

	if since != "" {
		if sinceMS, err = ParseMillis(since); err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if untilMS, err = ParseMillis(until); err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}
	if sinceMS > 0 && untilMS > 0 && sinceMS >= untilMS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return sinceMS, untilMS, nil
}
