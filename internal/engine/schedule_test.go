package engine

import (
	"testing"
	"time"
)

func TestWithinWindow(t *testing.T) {
	t.Parallel()

	// 2026-01-05 is a Monday.
	at := func(day, hour int) time.Time {
		return time.Date(2026, 1, day, hour, 30, 0, 0, time.UTC)
	}

	cases := []struct {
		name string
		cfg  BotConfig
		t    time.Time
		want bool
	}{
		{"inside window", BotConfig{ScheduleStartHour: 9, ScheduleEndHour: 17}, at(5, 10), true},
		{"at opening hour", BotConfig{ScheduleStartHour: 9, ScheduleEndHour: 17}, at(5, 9), true},
		{"at closing hour", BotConfig{ScheduleStartHour: 9, ScheduleEndHour: 17}, at(5, 17), false},
		{"before opening", BotConfig{ScheduleStartHour: 9, ScheduleEndHour: 17}, at(5, 8), false},
		{"overnight late side", BotConfig{ScheduleStartHour: 22, ScheduleEndHour: 6}, at(5, 23), true},
		{"overnight early side", BotConfig{ScheduleStartHour: 22, ScheduleEndHour: 6}, at(5, 3), true},
		{"overnight midday", BotConfig{ScheduleStartHour: 22, ScheduleEndHour: 6}, at(5, 12), false},
		{"zero-width window", BotConfig{ScheduleStartHour: 9, ScheduleEndHour: 9}, at(5, 9), false},
		{
			"day excluded",
			BotConfig{ScheduleStartHour: 0, ScheduleEndHour: 24,
				ScheduleDays: map[time.Weekday]bool{time.Tuesday: true}},
			at(5, 12), false,
		},
		{
			"day included",
			BotConfig{ScheduleStartHour: 0, ScheduleEndHour: 24,
				ScheduleDays: map[time.Weekday]bool{time.Monday: true}},
			at(5, 12), true,
		},
		{"empty day set admits all days", BotConfig{ScheduleStartHour: 0, ScheduleEndHour: 24}, at(6, 12), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := withinWindow(tc.t, &tc.cfg); got != tc.want {
				t.Fatalf("withinWindow(%s) = %v, want %v", tc.t, got, tc.want)
			}
		})
	}
}

func TestDayKeyRollsAtMidnight(t *testing.T) {
	t.Parallel()
	before := time.Date(2026, 1, 1, 23, 59, 59, 0, time.UTC)
	after := before.Add(time.Second)
	if dayKey(before) == dayKey(after) {
		t.Fatalf("day key did not roll over at midnight")
	}
}
