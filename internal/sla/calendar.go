package sla

import (
	"fmt"
	"strings"
	"time"

	"github.com/julianostefano/BunNow-sub006/pkg/config"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Calendar defines the business-hours window used for SLA accumulation
type Calendar struct {
	loc       *time.Location
	startHour int
	endHour   int // exclusive
	days      map[time.Weekday]bool
}

// NewCalendar builds a business calendar from configuration
func NewCalendar(cfg config.SLAConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid sla timezone %q: %w", cfg.Timezone, err)
	}

	days := make(map[time.Weekday]bool)
	for _, name := range cfg.BusinessDays {
		key := strings.ToLower(name)
		if len(key) > 3 {
			key = key[:3]
		}
		day, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("invalid business day %q", name)
		}
		days[day] = true
	}

	return &Calendar{
		loc:       loc,
		startHour: cfg.BusinessStartHour,
		endHour:   cfg.BusinessEndHour,
		days:      days,
	}, nil
}

// BusinessHoursBetween counts elapsed business hours by stepping hour by hour
// from the start instant and counting each step whose clock hour falls inside
// the working window. Partial trailing hours do not count until fully elapsed,
// which keeps the result monotonically non-decreasing between calls.
func (c *Calendar) BusinessHoursBetween(from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}

	from = from.In(c.loc)
	to = to.In(c.loc)

	var hours float64
	for cursor := from; !cursor.Add(time.Hour).After(to); cursor = cursor.Add(time.Hour) {
		if c.inWindow(cursor) {
			hours++
		}
	}
	return hours
}

// inWindow reports whether an instant falls inside the business window
func (c *Calendar) inWindow(t time.Time) bool {
	if !c.days[t.Weekday()] {
		return false
	}
	h := t.Hour()
	return h >= c.startHour && h < c.endHour
}
