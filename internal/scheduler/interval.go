package scheduler

import (
	"strconv"
	"strings"
	"time"
)

// SkipInterval 是日程表中“该时段不运行”的哨兵值。
const SkipInterval = "skip"

// ParseIntervalDuration parses "45s", "15m", "1h" or a bare number of seconds.
// Returns (0, false) on invalid input.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, false
	}
	if n, err := strconv.ParseFloat(interval, 64); err == nil {
		if n <= 0 {
			return 0, false
		}
		return time.Duration(n * float64(time.Second)), true
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	if numStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	default:
		return 0, false
	}
}
