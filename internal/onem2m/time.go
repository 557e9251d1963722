package onem2m

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BasicTimeFormat is the oneM2M basic ISO-8601 timestamp form. All stored
// timestamps use this form; lexicographic comparison matches chronological
// order, which the storage backends rely on for expiration scans.
const BasicTimeFormat = "20060102T150405"

// Timestamp formats t in the basic form, UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(BasicTimeFormat)
}

// TimestampNow returns the current time in the basic form.
func TimestampNow() string {
	return Timestamp(time.Now())
}

// ParseTimestamp parses a basic-form timestamp. Fractional seconds after a
// comma or dot are accepted and discarded, as some originators send them.
func ParseTimestamp(s string) (time.Time, error) {
	if i := strings.IndexAny(s, ",."); i >= 0 {
		s = s[:i]
	}
	t, err := time.Parse(BasicTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// TimestampPast reports whether s parses and lies before now. Unparseable
// values report false so a malformed rqet fails validation, not the
// deadline check.
func TimestampPast(s string, now time.Time) bool {
	t, err := ParseTimestamp(s)
	if err != nil {
		return false
	}
	return t.Before(now.UTC())
}

// ParseDuration parses a oneM2M duration: either an ISO-8601 period
// (P3DT12H, PT300S) or a plain millisecond count, which some originators
// use for rqet offsets.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return parseISOPeriod(s)
}

// parseISOPeriod handles the P[nD][T[nH][nM][nS]] subset. Years and months
// are rejected: they have no fixed length and the protocol never needs them.
func parseISOPeriod(s string) (time.Duration, error) {
	orig := s
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	s = s[1:]

	var d time.Duration
	datePart := s
	timePart := ""
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart, timePart = s[:i], s[i+1:]
	}

	var err error
	if datePart != "" {
		d, err = accumulate(datePart, orig, map[byte]time.Duration{
			'W': 7 * 24 * time.Hour,
			'D': 24 * time.Hour,
		})
		if err != nil {
			return 0, err
		}
	}
	if timePart != "" {
		t, err := accumulate(timePart, orig, map[byte]time.Duration{
			'H': time.Hour,
			'M': time.Minute,
			'S': time.Second,
		})
		if err != nil {
			return 0, err
		}
		d += t
	}
	if d == 0 && datePart == "" && timePart == "" {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	return d, nil
}

func accumulate(part, orig string, units map[byte]time.Duration) (time.Duration, error) {
	var d time.Duration
	start := 0
	for i := 0; i < len(part); i++ {
		c := part[i]
		if c >= '0' && c <= '9' {
			continue
		}
		unit, ok := units[c]
		if !ok || start == i {
			return 0, fmt.Errorf("invalid duration %q", orig)
		}
		n, err := strconv.ParseInt(part[start:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", orig, err)
		}
		d += time.Duration(n) * unit
		start = i + 1
	}
	if start != len(part) {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	return d, nil
}
