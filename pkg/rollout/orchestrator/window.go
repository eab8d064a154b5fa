// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"strings"
	"time"

	"github.com/NVIDIA/takt/pkg/errors"
)

// Window is a recurring maintenance window. Rollouts started outside it are
// rejected unless forced.
type Window struct {
	start int // minutes since midnight
	end   int
	days  map[time.Weekday]bool
	loc   *time.Location
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWindow builds a window from "HH:MM" bounds and weekday names. An end
// before the start means the window crosses midnight; such a window belongs
// to the weekday it starts on. Empty days means every day. A nil location
// defaults to local time.
func ParseWindow(start, end string, days []string, loc *time.Location) (*Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return nil, err
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, err
	}
	if s == e {
		return nil, errors.New(errors.ErrCodeInvalidRequest, "maintenance window is empty")
	}
	if loc == nil {
		loc = time.Local
	}

	w := &Window{start: s, end: e, days: make(map[time.Weekday]bool), loc: loc}
	for _, d := range days {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInvalidRequest, "unknown weekday %q", d)
		}
		w.days[wd] = true
	}
	return w, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.Newf(errors.ErrCodeInvalidRequest, "invalid window time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window.
func (w *Window) Contains(t time.Time) bool {
	t = t.In(w.loc)
	min := t.Hour()*60 + t.Minute()

	if w.start < w.end {
		return min >= w.start && min < w.end && w.dayOK(t.Weekday())
	}

	// overnight window
	if min >= w.start {
		return w.dayOK(t.Weekday())
	}
	if min < w.end {
		// past midnight, still the previous day's window
		return w.dayOK((t.Weekday() + 6) % 7)
	}
	return false
}

func (w *Window) dayOK(d time.Weekday) bool {
	return len(w.days) == 0 || w.days[d]
}

// String renders the window bounds for error messages.
func (w *Window) String() string {
	var b strings.Builder
	b.WriteString(clockString(w.start))
	b.WriteString("-")
	b.WriteString(clockString(w.end))
	if len(w.days) > 0 {
		b.WriteString(" on ")
		first := true
		for d := time.Sunday; d <= time.Saturday; d++ {
			if !w.days[d] {
				continue
			}
			if !first {
				b.WriteString(",")
			}
			b.WriteString(d.String()[:3])
			first = false
		}
	}
	return b.String()
}

func clockString(min int) string {
	return time.Date(0, 1, 1, min/60, min%60, 0, 0, time.UTC).Format("15:04")
}
