package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var dueDatePattern = regexp.MustCompile(`^(0[1-9]|1[0-2])/(0[1-9]|[12][0-9]|3[01])/\d{4}$`)

// IsValidDate reports whether s is empty or a real calendar date written as
// MM/DD/YYYY.
func IsValidDate(s string) bool {
	if s == "" {
		return true
	}
	_, _, _, ok := splitDate(s)
	return ok
}

// ParseDueDate returns local midnight of the date in loc. The boolean is false
// for empty or invalid input.
func ParseDueDate(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	year, month, day, ok := splitDate(s)
	if !ok {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc), true
}

func splitDate(s string) (int, time.Month, int, bool) {
	if !dueDatePattern.MatchString(s) {
		return 0, 0, 0, false
	}
	month, _ := strconv.Atoi(s[0:2])
	day, _ := strconv.Atoi(s[3:5])
	year, _ := strconv.Atoi(s[6:10])

	// time.Date normalizes overflow (02/30 becomes 03/02), so a mismatch on
	// read back means the day does not exist in that month.
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || t.Month() != time.Month(month) || t.Day() != day {
		return 0, 0, 0, false
	}
	return year, time.Month(month), day, true
}

// FormatDateInput masks raw keystrokes into MM/DD/YYYY as digits accumulate.
// Non-digits are dropped and at most eight digits are kept. The result is not
// validated.
func FormatDateInput(raw string) string {
	digits := make([]byte, 0, 8)
	for i := 0; i < len(raw) && len(digits) < 8; i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}

	var b strings.Builder
	b.Grow(10)
	for i, d := range digits {
		if i == 2 || i == 4 {
			b.WriteByte('/')
		}
		b.WriteByte(d)
	}
	return b.String()
}
