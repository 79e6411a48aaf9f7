/*
Copyright 2025 MedTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package monitoring

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Date is a calendar date (no time-of-day, no zone). Due dates and
// performed dates are dates, not instants; this type keeps them from
// silently picking up clock or zone components.
//
// Serializes to JSON as "YYYY-MM-DD" and scans from DATE columns.
type Date time.Time

// NewDate constructs a Date for the given calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf truncates an instant to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// Time returns the underlying time.Time (UTC midnight).
func (d Date) Time() time.Time { return time.Time(d) }

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool { return time.Time(d).IsZero() }

// AddDays returns the date n days later (negative n for earlier).
func (d Date) AddDays(n int) Date { return Date(time.Time(d).AddDate(0, 0, n)) }

// AddWeeks returns the date n weeks later.
func (d Date) AddWeeks(n int) Date { return d.AddDays(7 * n) }

// Before reports whether d is strictly before other.
func (d Date) Before(other Date) bool { return time.Time(d).Before(time.Time(other)) }

// After reports whether d is strictly after other.
func (d Date) After(other Date) bool { return time.Time(d).After(time.Time(other)) }

// Equal reports calendar-day equality.
func (d Date) Equal(other Date) bool { return time.Time(d).Equal(time.Time(other)) }

// DaysUntil returns the whole-day distance from d to other (negative when
// other is earlier).
func (d Date) DaysUntil(other Date) int {
	return int(time.Time(other).Sub(time.Time(d)).Hours() / 24)
}

func (d Date) String() string { return time.Time(d).Format("2006-01-02") }

// MarshalJSON serializes to date-only format "YYYY-MM-DD".
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf("%q", d.String())), nil
}

// UnmarshalJSON accepts "YYYY-MM-DD" with a full-datetime fallback.
func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	t, err := time.Parse(`"2006-01-02"`, string(data))
	if err != nil {
		t, err = time.Parse(`"2006-01-02T15:04:05Z"`, string(data))
		if err != nil {
			return err
		}
	}
	*d = DateOf(t)
	return nil
}

// Scan implements sql.Scanner for DATE columns.
func (d *Date) Scan(value interface{}) error {
	if value == nil {
		*d = Date{}
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		*d = DateOf(v)
		return nil
	case string:
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return err
		}
		*d = Date(t)
		return nil
	default:
		return fmt.Errorf("cannot scan type %T into Date", value)
	}
}

// Value implements driver.Valuer.
func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return time.Time(d), nil
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date(t), nil
}
