package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julianostefano/BunNow-sub006/pkg/config"
)

func testCalendar(t *testing.T) *Calendar {
	t.Helper()

	cal, err := NewCalendar(config.SLAConfig{
		Timezone:          "UTC",
		BusinessStartHour: 8,
		BusinessEndHour:   18,
		BusinessDays:      []string{"mon", "tue", "wed", "thu", "fri"},
	})
	require.NoError(t, err)

	return cal
}

func TestBusinessHoursBetween(t *testing.T) {
	cal := testCalendar(t)

	// 2024-01-08 is a Monday, 2024-01-05 the Friday before.
	tests := []struct {
		name string
		from time.Time
		to   time.Time
		want float64
	}{
		{
			name: "within one business day",
			from: time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
			to:   time.Date(2024, 1, 8, 13, 0, 0, 0, time.UTC),
			want: 4,
		},
		{
			name: "across a weekend",
			from: time.Date(2024, 1, 5, 17, 0, 0, 0, time.UTC),
			to:   time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
			want: 2,
		},
		{
			name: "partial trailing hour does not count",
			from: time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
			to:   time.Date(2024, 1, 8, 13, 30, 0, 0, time.UTC),
			want: 4,
		},
		{
			name: "start before the window opens",
			from: time.Date(2024, 1, 8, 6, 0, 0, 0, time.UTC),
			to:   time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC),
			want: 2,
		},
		{
			name: "entirely on a weekend",
			from: time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC),
			to:   time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC),
			want: 0,
		},
		{
			name: "full business week",
			from: time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC),
			to:   time.Date(2024, 1, 12, 18, 0, 0, 0, time.UTC),
			want: 50,
		},
		{
			name: "zero range",
			from: time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
			to:   time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
			want: 0,
		},
		{
			name: "inverted range",
			from: time.Date(2024, 1, 8, 13, 0, 0, 0, time.UTC),
			to:   time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.BusinessHoursBetween(tt.from, tt.to))
		})
	}
}

func TestBusinessHoursMonotonic(t *testing.T) {
	cal := testCalendar(t)

	from := time.Date(2024, 1, 5, 16, 0, 0, 0, time.UTC)

	var prev float64
	for to := from; to.Before(from.Add(96 * time.Hour)); to = to.Add(17 * time.Minute) {
		elapsed := cal.BusinessHoursBetween(from, to)
		assert.GreaterOrEqual(t, elapsed, prev, "elapsed hours regressed at %s", to)
		prev = elapsed
	}
}

func TestNewCalendarRejectsBadTimezone(t *testing.T) {
	_, err := NewCalendar(config.SLAConfig{
		Timezone:          "Mars/Olympus_Mons",
		BusinessStartHour: 8,
		BusinessEndHour:   18,
		BusinessDays:      []string{"mon"},
	})
	assert.Error(t, err)
}
