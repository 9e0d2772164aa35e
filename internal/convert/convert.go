// Package convert parses the loosely formatted scalars found in landed files.
//
// Source data arrives with every convention its producer happened to use:
//   - Multiple date formats (US, EU, ISO, compact)
//   - Currency symbols, thousands separators and accounting negatives "(12.50)"
//   - Many boolean spellings (yes/no, t/f, 1/0)
//   - Spreadsheet formula prefixes (="00123")
//
// Every Parse function reports ok=false instead of guessing when the input does
// not match, so callers can decide whether that is a violation or a null.
package convert

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// numericRegex validates a cleaned numeric string: integers, decimals, exponents.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot controls how two-digit years are read. Years that would land
// more than this many years in the future are moved back a century.
var TwoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "January 2, 2006", "2 Jan 2006", "02-Jan-2006",
		"20060102",
	}
	timestampLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04",
		"1/2/2006 15:04:05",
		"1/2/2006 15:04",
		"01/02/2006 03:04 PM",
	}
)

// DateLayouts returns the date layouts tried by ParseDate, four-digit years first.
func DateLayouts() []string {
	out := make([]string, 0, len(fourDigitYearLayouts)+len(twoDigitYearLayouts))
	out = append(out, fourDigitYearLayouts...)
	return append(out, twoDigitYearLayouts...)
}

// CleanCell trims whitespace and removes spreadsheet artifacts such as ="value".
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

// ParseDate parses s with the known date layouts. Two-digit years use the pivot.
func ParseDate(s string) (time.Time, bool) {
	s = CleanCell(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	pivot := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivot {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseDateWith parses s trying only the given layouts, falling back to ParseDate
// when layouts is empty.
func ParseDateWith(s string, layouts []string) (time.Time, bool) {
	if len(layouts) == 0 {
		return ParseDate(s)
	}
	s = CleanCell(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseTimestamp parses date-times, accepting plain dates as midnight UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = CleanCell(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return ParseDate(s)
}

// NormalizeNumber strips currency symbols, thousands separators and accounting
// parentheses. It returns the canonical decimal string.
func NormalizeNumber(s string) (string, bool) {
	s = CleanCell(s)
	if s == "" {
		return "", false
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(s)
	if negative {
		if strings.HasPrefix(s, "-") {
			return "", false
		}
		s = "-" + s
	}
	if !numericRegex.MatchString(s) {
		return "", false
	}
	return s, true
}

// ParseNumber parses a loosely formatted number.
func ParseNumber(s string) (float64, bool) {
	n, ok := NormalizeNumber(s)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(n, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// ParseInteger parses a whole number, accepting "12.0" but not "12.5".
func ParseInteger(s string) (int64, bool) {
	n, ok := NormalizeNumber(s)
	if !ok {
		return 0, false
	}
	if i, err := strconv.ParseInt(n, 10, 64); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(n, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// ParseBool accepts true/false, yes/no, t/f, y/n and 1/0.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(CleanCell(s)) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	}
	return false, false
}

// Text renders a scalar as text. Nil reports ok=false.
func Text(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02"), true
		}
		return t.Format(time.RFC3339), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// Number converts a scalar to float64.
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		return ParseNumber(t)
	}
	return 0, false
}

// IsBlank reports whether v is nil or whitespace-only text.
func IsBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
