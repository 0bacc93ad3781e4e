package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDuration reads one of the config's duration strings ("30s", "5m").
// Empty or zero values fall back to def, so components that carry their own
// defaults pass 0 and fill in later. Negative durations are rejected; path
// names the offending field in the error.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
