package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the layout of day keys.
const DateLayout = "2006-01-02"

// ParseDate parses a day key as a UTC midnight. It is only used for calendar arithmetic
// (week boundaries, range sizes); pairing compares the raw strings.
func ParseDate(key string) (time.Time, error) {
	t, err := time.Parse(DateLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date key %q: %w", key, err)
	}
	return t, nil
}

// ValidDate reports whether key is a well-formed day key.
func ValidDate(key string) bool {
	_, err := ParseDate(key)
	return err == nil
}

// WeekBounds returns the Monday and Sunday day keys of the ISO week containing key.
func WeekBounds(key string) (string, string, error) {
	t, err := ParseDate(key)
	if err != nil {
		return "", "", err
	}
	offset := (int(t.Weekday()) + 6) % 7
	monday := t.AddDate(0, 0, -offset)
	return monday.Format(DateLayout), monday.AddDate(0, 0, 6).Format(DateLayout), nil
}

// DaysInRange counts calendar days in [from, to].
func DaysInRange(from, to string) (int, error) {
	start, err := ParseDate(from)
	if err != nil {
		return 0, err
	}
	end, err := ParseDate(to)
	if err != nil {
		return 0, err
	}
	return int(end.Sub(start).Hours()/24) + 1, nil
}

var sixty = decimal.NewFromInt(60)

// HoursFromMinutes converts minutes into hours rounded to two decimals.
func HoursFromMinutes(minutes int) decimal.Decimal {
	return decimal.NewFromInt(int64(minutes)).Div(sixty).Round(2)
}
