package utils

import (
	"fmt"
	"strings"
	"time"
)

// IATIDateFormat is the xsd:date layout used by iso-date attributes.
const IATIDateFormat = "2006-01-02"

var dateLayouts = []string{
	IATIDateFormat,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02Z",
}

// ParseIATIDate parses an iso-date attribute. Only the calendar date is kept.
func ParseIATIDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q, expected YYYY-MM-DD", s)
}

// FormatDate renders a nullable date for storage, empty when nil.
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(IATIDateFormat)
}
