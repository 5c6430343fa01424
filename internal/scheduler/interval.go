package scheduler

import (
	"strconv"
	"strings"
	"time"
)

// ParseIntervalDuration parses "30s", "15m", "1h", "1d", "1w" into time.Duration.
// Go duration strings such as "1m30s" are accepted too.
// Returns (0, false) on invalid input.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, false
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	if n, err := strconv.Atoi(numStr); err == nil {
		if n <= 0 {
			return 0, false
		}
		switch unit {
		case 's':
			return time.Duration(n) * time.Second, true
		case 'm':
			return time.Duration(n) * time.Minute, true
		case 'h':
			return time.Duration(n) * time.Hour, true
		case 'd':
			return time.Duration(n) * 24 * time.Hour, true
		case 'w':
			return time.Duration(n) * 7 * 24 * time.Hour, true
		}
	}
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
