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

package scheduling

import (
	"time"

	"github.com/medtrack/psymon/pkg/monitoring"
)

// AddMonths advances a date by n calendar months, clamping the day to the
// target month's length. time.AddDate normalizes Jan 31 + 1 month to
// Mar 2/3; clinical milestones must land in the target month instead.
func AddMonths(d monitoring.Date, n int) monitoring.Date {
	t := d.Time()
	year := t.Year() + (int(t.Month())-1+n)/12
	month := time.Month((int(t.Month())-1+n)%12 + 1)
	day := t.Day()
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return monitoring.NewDate(year, month, day)
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
