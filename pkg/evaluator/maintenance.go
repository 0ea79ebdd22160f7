package evaluator

import (
	"time"

	"github.com/pulseiot/pulse/pkg/store"
)

// inMaintenance reports whether any window suppresses alert openings
// for the device right now. Active windows never suppress closing.
func inMaintenance(windows []store.MaintenanceWindow, now time.Time, siteID, deviceType string) bool {
	for _, w := range windows {
		if windowActive(&w, now, siteID, deviceType) {
			return true
		}
	}
	return false
}

// windowActive checks one window: enabled, started, not ended, and for
// recurring windows the day-of-week and hour range too. Empty site or
// device-type filters match everything.
func windowActive(w *store.MaintenanceWindow, now time.Time, siteID, deviceType string) bool {
	if !w.Enabled || now.Before(w.StartsAt) {
		return false
	}
	if w.EndsAt != nil && !w.EndsAt.After(now) {
		return false
	}
	if w.Recurring {
		utc := now.UTC()
		if len(w.DaysOfWeek) > 0 && !containsInt64(w.DaysOfWeek, int64(utc.Weekday())) {
			return false
		}
		if !hourInRange(utc.Hour(), w.StartHour, w.EndHour) {
			return false
		}
	}
	if len(w.SiteIDs) > 0 && !containsString(w.SiteIDs, siteID) {
		return false
	}
	if len(w.DeviceTypes) > 0 && !containsString(w.DeviceTypes, deviceType) {
		return false
	}
	return true
}

// hourInRange treats [start, end) as a possibly midnight-crossing
// range; start == end covers the whole day.
func hourInRange(hour, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt64(list []int64, v int64) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
