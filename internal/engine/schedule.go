package engine

import "time"

// withinWindow reports whether t falls inside the configured send window.
// The hour window is [start,end); start > end wraps past midnight. An empty
// day set means every day.
func withinWindow(t time.Time, cfg *BotConfig) bool {
	if len(cfg.ScheduleDays) > 0 && !cfg.ScheduleDays[t.Weekday()] {
		return false
	}

	start, end := cfg.ScheduleStartHour, cfg.ScheduleEndHour
	if start == end {
		// Zero-width window admits nothing.
		return false
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	// Overnight window, e.g. 22 → 6.
	return h >= start || h < end
}

// dayKey identifies a local calendar day for quota rollover.
func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
