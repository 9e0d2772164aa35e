package convert

import (
	"testing"
	"time"
)

// ---- CleanCell ----

func TestCleanCell(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  hello  ", "hello"},
		{`="00123"`, "00123"},
		{`="  padded "`, "padded"},
		{`="`, `="`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanCell(tt.in); got != tt.want {
			t.Errorf("CleanCell(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---- ParseDate ----

func TestParseDate(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"2024-03-15", "2024-03-15", true},
		{"2024/03/15", "2024-03-15", true},
		{"3/15/2024", "2024-03-15", true},
		{"03/15/2024", "2024-03-15", true},
		{"Mar 15, 2024", "2024-03-15", true},
		{"15 Mar 2024", "2024-03-15", true},
		{"20240315", "2024-03-15", true},
		{"3/15/24", "2024-03-15", true},
		{"  2024-03-15  ", "2024-03-15", true},
		{"not a date", "", false},
		{"", "", false},
		{"2024-13-45", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseDate(tt.in)
		if ok != tt.wantOK {
			t.Errorf("ParseDate(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			continue
		}
		if ok && got.Format("2006-01-02") != tt.want {
			t.Errorf("ParseDate(%q) = %s, want %s", tt.in, got.Format("2006-01-02"), tt.want)
		}
	}
}

func TestParseDate_TwoDigitPivot(t *testing.T) {
	got, ok := ParseDate("1/1/99")
	if !ok {
		t.Fatal("expected 1/1/99 to parse")
	}
	if got.Year() != 1999 {
		t.Errorf("year = %d, want 1999", got.Year())
	}
}

func TestParseDateWith(t *testing.T) {
	if _, ok := ParseDateWith("15.03.2024", []string{"2006-01-02"}); ok {
		t.Error("expected layout mismatch to fail")
	}
	got, ok := ParseDateWith("15.03.2024", []string{"02.01.2006"})
	if !ok || got.Month() != time.March || got.Day() != 15 {
		t.Errorf("ParseDateWith = %v, %v", got, ok)
	}
	if _, ok := ParseDateWith("2024-03-15", nil); !ok {
		t.Error("expected fallback to default layouts")
	}
}

// ---- ParseTimestamp ----

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"2024-03-15T10:30:00Z", "2024-03-15T10:30:00Z", true},
		{"2024-03-15 10:30:00", "2024-03-15T10:30:00Z", true},
		{"2024-03-15", "2024-03-15T00:00:00Z", true},
		{"yesterday", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseTimestamp(tt.in)
		if ok != tt.wantOK {
			t.Errorf("ParseTimestamp(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			continue
		}
		if ok && got.UTC().Format(time.RFC3339) != tt.want {
			t.Errorf("ParseTimestamp(%q) = %s, want %s", tt.in, got.UTC().Format(time.RFC3339), tt.want)
		}
	}
}

// ---- ParseNumber ----

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"123", 123, true},
		{"-45.67", -45.67, true},
		{"$1,234.56", 1234.56, true},
		{"(500.00)", -500, true},
		{"€ 99", 99, true},
		{"1e3", 1000, true},
		{".5", 0.5, true},
		{"(-5)", 0, false},
		{"12abc", 0, false},
		{"", 0, false},
		{"N/A", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseNumber(tt.in)
		if ok != tt.wantOK {
			t.Errorf("ParseNumber(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("ParseNumber(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseInteger(t *testing.T) {
	tests := []struct {
		in     string
		want   int64
		wantOK bool
	}{
		{"42", 42, true},
		{"1,000", 1000, true},
		{"12.0", 12, true},
		{"12.5", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseInteger(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParseInteger(%q) = %d, %v, want %d, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

// ---- ParseBool ----

func TestParseBool(t *testing.T) {
	tests := []struct {
		in     string
		want   bool
		wantOK bool
	}{
		{"true", true, true},
		{"YES", true, true},
		{"y", true, true},
		{"1", true, true},
		{"False", false, true},
		{"no", false, true},
		{"0", false, true},
		{"maybe", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		got, ok := ParseBool(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParseBool(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

// ---- Text / Number ----

func TestText(t *testing.T) {
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in     any
		want   string
		wantOK bool
	}{
		{nil, "", false},
		{"abc", "abc", true},
		{float64(12.5), "12.5", true},
		{float64(100), "100", true},
		{int64(7), "7", true},
		{true, "true", true},
		{day, "2024-03-15", true},
	}
	for _, tt := range tests {
		got, ok := Text(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Text(%v) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNumber(t *testing.T) {
	if got, ok := Number("$10"); !ok || got != 10 {
		t.Errorf("Number($10) = %v, %v", got, ok)
	}
	if got, ok := Number(int64(3)); !ok || got != 3 {
		t.Errorf("Number(int64) = %v, %v", got, ok)
	}
	if _, ok := Number(nil); ok {
		t.Error("Number(nil) should fail")
	}
}

func TestIsBlank(t *testing.T) {
	if !IsBlank(nil) || !IsBlank("   ") {
		t.Error("nil and whitespace should be blank")
	}
	if IsBlank("x") || IsBlank(float64(0)) {
		t.Error("values should not be blank")
	}
}
