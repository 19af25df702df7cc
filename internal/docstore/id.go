package docstore

import (
	"time"

	"github.com/google/uuid"
)

// TimeFormat is the layout of createdAt and updatedAt: UTC with millisecond
// precision and a literal Z, so values sort lexicographically.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// NewID returns a random 128-bit identifier in canonical UUID form.
func NewID() string {
	return uuid.NewString()
}

// FormatTime formats t as a store timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a store timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}
