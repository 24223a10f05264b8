package appointment

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateEncoding identifies one of the textual forms a slot date arrives in.
type DateEncoding int

const (
	// DateUnderscore is D_M_YYYY, e.g. "7_11_2025".
	DateUnderscore DateEncoding = iota + 1
	// DateISO is YYYY-MM-DD, e.g. "2025-11-07".
	DateISO
)

// SlotDate is a calendar day. It is the only representation dates are
// compared in; textual encodings are converted at the boundary.
type SlotDate struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseSlotDate accepts either the underscore or the ISO encoding.
func ParseSlotDate(raw string) (SlotDate, error) {
	d, _, err := parseSlotDate(raw)
	return d, err
}

func parseSlotDate(raw string) (SlotDate, DateEncoding, error) {
	raw = strings.TrimSpace(raw)

	var (
		enc   DateEncoding
		parts []string
	)
	switch {
	case strings.Contains(raw, "_"):
		enc = DateUnderscore
		parts = strings.Split(raw, "_")
	case strings.Contains(raw, "-"):
		enc = DateISO
		parts = strings.Split(raw, "-")
	default:
		return SlotDate{}, 0, fmt.Errorf("%w: unrecognised date %q", ErrInvalidSlot, raw)
	}
	if len(parts) != 3 {
		return SlotDate{}, 0, fmt.Errorf("%w: unrecognised date %q", ErrInvalidSlot, raw)
	}

	yearAt := 0
	if enc == DateUnderscore {
		yearAt = 2
	}

	nums := make([]int, 3)
	for i, p := range parts {
		maxWidth, minWidth := 2, 1
		if i == yearAt {
			maxWidth, minWidth = 4, 4
		}
		if len(p) < minWidth || len(p) > maxWidth || !isDigits(p) {
			return SlotDate{}, 0, fmt.Errorf("%w: unrecognised date %q", ErrInvalidSlot, raw)
		}
		nums[i], _ = strconv.Atoi(p)
	}

	var y, m, d int
	if enc == DateUnderscore {
		d, m, y = nums[0], nums[1], nums[2]
	} else {
		y, m, d = nums[0], nums[1], nums[2]
	}

	// time.Date normalises overflow (Feb 30 -> Mar 2); reject anything it moved.
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return SlotDate{}, 0, fmt.Errorf("%w: no such date %q", ErrInvalidSlot, raw)
	}

	return SlotDate{Year: y, Month: time.Month(m), Day: d}, enc, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// SlotDateOf returns the calendar day of t in t's location.
func SlotDateOf(t time.Time) SlotDate {
	return SlotDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func (d SlotDate) IsZero() bool { return d == SlotDate{} }

// ISO renders YYYY-MM-DD.
func (d SlotDate) ISO() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Underscore renders D_M_YYYY without zero padding.
func (d SlotDate) Underscore() string {
	return fmt.Sprintf("%d_%d_%d", d.Day, int(d.Month), d.Year)
}

// Format renders d in the requested encoding.
func (d SlotDate) Format(enc DateEncoding) string {
	if enc == DateUnderscore {
		return d.Underscore()
	}
	return d.ISO()
}

func (d SlotDate) String() string { return d.ISO() }

// Encodings lists every textual form d may have been persisted in.
func (d SlotDate) Encodings() []string {
	return []string{d.ISO(), d.Underscore()}
}

// Midnight returns the start of d in loc.
func (d SlotDate) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d SlotDate) Before(o SlotDate) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// SlotTime is a time of day in minutes since midnight.
type SlotTime int

var slotTimeLayouts = []string{"15:04", "3:04 PM", "3:04PM"}

// ParseSlotTime accepts "14:30", "2:30 PM" and "02:30PM" (case-insensitive).
func ParseSlotTime(raw string) (SlotTime, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for _, layout := range slotTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return SlotTime(t.Hour()*60 + t.Minute()), nil
		}
	}
	return 0, fmt.Errorf("%w: unrecognised time %q", ErrInvalidSlot, raw)
}

func (t SlotTime) Hour() int   { return int(t) / 60 }
func (t SlotTime) Minute() int { return int(t) % 60 }

// String renders HH:MM (24h).
func (t SlotTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Clock12 renders hh:mm AM/PM.
func (t SlotTime) Clock12() string {
	h := t.Hour() % 12
	if h == 0 {
		h = 12
	}
	suffix := "AM"
	if t.Hour() >= 12 {
		suffix = "PM"
	}
	return fmt.Sprintf("%02d:%02d %s", h, t.Minute(), suffix)
}

// Encodings lists every textual form t may have been persisted in.
func (t SlotTime) Encodings() []string {
	return []string{t.String(), t.Clock12()}
}

// SlotKey identifies a bounded-capacity slot.
type SlotKey struct {
	DoctorRef string
	Date      SlotDate
	Time      SlotTime
}

// ParseSlotKey builds a key from raw boundary strings.
func ParseSlotKey(doctorRef, rawDate, rawTime string) (SlotKey, error) {
	doctorRef = strings.TrimSpace(doctorRef)
	if doctorRef == "" {
		return SlotKey{}, fmt.Errorf("%w: doctor is required", ErrInvalidSlot)
	}
	d, err := ParseSlotDate(rawDate)
	if err != nil {
		return SlotKey{}, err
	}
	t, err := ParseSlotTime(rawTime)
	if err != nil {
		return SlotKey{}, err
	}
	return SlotKey{DoctorRef: doctorRef, Date: d, Time: t}, nil
}

// StartsAt is the instant the slot begins in loc.
func (k SlotKey) StartsAt(loc *time.Location) time.Time {
	return time.Date(k.Date.Year, k.Date.Month, k.Date.Day, k.Time.Hour(), k.Time.Minute(), 0, 0, loc)
}

// String is stable and used for lock keys and map keys.
func (k SlotKey) String() string {
	return k.DoctorRef + "|" + k.Date.ISO() + "|" + k.Time.String()
}
