// Package clock centralizes wall-clock formatting. All persisted timestamps
// are UTC with millisecond precision so string comparison matches time
// comparison in SQL.
package clock

import "time"

// Layout is the persisted timestamp format: YYYY-MM-DDTHH:MM:SS.sssZ.
const Layout = "2006-01-02T15:04:05.000Z"

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// NowString returns the current UTC time in the persisted layout.
func NowString() string {
	return Format(Now())
}

// Format renders t in the persisted layout.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse parses a persisted timestamp. Returns the zero time on empty input.
func Parse(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(Layout, s)
}

// FormatPtr renders t, or returns nil for a nil time.
func FormatPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := Format(*t)
	return &s
}
