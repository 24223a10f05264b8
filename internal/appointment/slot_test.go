package appointment

import (
	"errors"
	"testing"
	"time"
)

func TestParseSlotDateEncodingsAgree(t *testing.T) {
	a, err := ParseSlotDate("7_11_2025")
	if err != nil {
		t.Fatalf("parse underscore: %v", err)
	}
	b, err := ParseSlotDate("2025-11-07")
	if err != nil {
		t.Fatalf("parse iso: %v", err)
	}
	if a != b {
		t.Fatalf("expected same date, got %v and %v", a, b)
	}
	if a.ISO() != "2025-11-07" || a.Underscore() != "7_11_2025" {
		t.Fatalf("unexpected renderings %q %q", a.ISO(), a.Underscore())
	}
}

func TestParseSlotDateRejects(t *testing.T) {
	tests := []string{
		"",
		"tomorrow",
		"30_2_2025",
		"2025-02-30",
		"1_13_2025",
		"25-11-07",
		"7_11",
		"2025/11/07",
		"a_b_c",
		"+7_11_2025",
		"-7_11_2025",
		"7_11_25",
		"7_11_02025",
		"007_11_2025",
		"7_ 11_2025",
		"2025-+1-07",
		"+2025-11-07",
	}

	for _, raw := range tests {
		if _, err := ParseSlotDate(raw); !errors.Is(err, ErrInvalidSlot) {
			t.Errorf("ParseSlotDate(%q): expected ErrInvalidSlot, got %v", raw, err)
		}
	}
}

func TestParseSlotTime(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "14:30", want: "14:30"},
		{raw: "09:00", want: "09:00"},
		{raw: "2:30 PM", want: "14:30"},
		{raw: "02:30 pm", want: "14:30"},
		{raw: "12:15 AM", want: "00:15"},
		{raw: "11:45AM", want: "11:45"},
		{raw: "25:00", wantErr: true},
		{raw: "noon", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseSlotTime(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidSlot) {
				t.Errorf("ParseSlotTime(%q): expected ErrInvalidSlot, got %v", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSlotTime(%q): unexpected error %v", tt.raw, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseSlotTime(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestSlotTimeClock12(t *testing.T) {
	st, _ := ParseSlotTime("14:30")
	if st.Clock12() != "02:30 PM" {
		t.Fatalf("expected 02:30 PM, got %s", st.Clock12())
	}
	midnight, _ := ParseSlotTime("00:05")
	if midnight.Clock12() != "12:05 AM" {
		t.Fatalf("expected 12:05 AM, got %s", midnight.Clock12())
	}
}

func TestParseSlotKey(t *testing.T) {
	a, err := ParseSlotKey("doc-1", "7_11_2025", "2:30 PM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := ParseSlotKey(" doc-1 ", "2025-11-07", "14:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected equal keys, got %s and %s", a, b)
	}
	if a.String() != "doc-1|2025-11-07|14:30" {
		t.Fatalf("unexpected key string %q", a.String())
	}

	want := time.Date(2025, 11, 7, 14, 30, 0, 0, time.UTC)
	if !a.StartsAt(time.UTC).Equal(want) {
		t.Fatalf("expected %v, got %v", want, a.StartsAt(time.UTC))
	}

	if _, err := ParseSlotKey("", "2025-11-07", "14:30"); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot for empty doctor, got %v", err)
	}
}

func TestSlotDateBefore(t *testing.T) {
	a := SlotDate{Year: 2025, Month: time.November, Day: 7}
	b := SlotDate{Year: 2025, Month: time.December, Day: 1}
	if !a.Before(b) || b.Before(a) || a.Before(a) {
		t.Fatalf("Before ordering is wrong")
	}
}
