package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var retentionRe = regexp.MustCompile(`(?i)^\s*(\d+)\s*days?\s*$`)

// ParseRetentionWindow parses "<N> days" (singular accepted) into N.
func ParseRetentionWindow(s string) (int, error) {
	m := retentionRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid retention window %q: expected \"<N> days\"", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid retention window %q: day count must be positive", s)
	}
	return n, nil
}

// FormatRetentionWindow renders the canonical form of a retention window.
func FormatRetentionWindow(days int) string {
	return fmt.Sprintf("%d days", days)
}

// CanonicalRetentionWindow parses and re-renders s.
func CanonicalRetentionWindow(s string) (string, error) {
	n, err := ParseRetentionWindow(s)
	if err != nil {
		return "", err
	}
	return FormatRetentionWindow(n), nil
}

// ExpiryFor returns createdAt + N days for the given retention window.
func ExpiryFor(createdAt time.Time, window string) (time.Time, error) {
	n, err := ParseRetentionWindow(window)
	if err != nil {
		return time.Time{}, err
	}
	return createdAt.Add(time.Duration(n) * 24 * time.Hour), nil
}

// StorageTime truncates t to the precision of a DATETIME(6) column in UTC so
// values signed before a write verify after a read.
func StorageTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
