package evaluator

import (
	"testing"
	"time"

	"github.com/pulseiot/pulse/pkg/store"
)

func TestWindowActive(t *testing.T) {
	// A Monday, 10:30 UTC.
	now := time.Date(2025, 7, 14, 10, 30, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name       string
		window     store.MaintenanceWindow
		siteID     string
		deviceType string
		want       bool
	}{
		{
			name:   "open ended window",
			window: store.MaintenanceWindow{Enabled: true, StartsAt: past},
			want:   true,
		},
		{
			name:   "disabled",
			window: store.MaintenanceWindow{Enabled: false, StartsAt: past},
			want:   false,
		},
		{
			name:   "not started",
			window: store.MaintenanceWindow{Enabled: true, StartsAt: future},
			want:   false,
		},
		{
			name:   "starts exactly now",
			window: store.MaintenanceWindow{Enabled: true, StartsAt: now},
			want:   true,
		},
		{
			name:   "already ended",
			window: store.MaintenanceWindow{Enabled: true, StartsAt: past.Add(-time.Hour), EndsAt: &past},
			want:   false,
		},
		{
			name:   "ends exactly now",
			window: store.MaintenanceWindow{Enabled: true, StartsAt: past, EndsAt: &now},
			want:   false,
		},
		{
			name:   "ends later",
			window: store.MaintenanceWindow{Enabled: true, StartsAt: past, EndsAt: &future},
			want:   true,
		},
		{
			name: "recurring matching day and hour",
			window: store.MaintenanceWindow{
				Enabled: true, StartsAt: past, Recurring: true,
				DaysOfWeek: []int64{1}, StartHour: 9, EndHour: 12,
			},
			want: true,
		},
		{
			name: "recurring wrong day",
			window: store.MaintenanceWindow{
				Enabled: true, StartsAt: past, Recurring: true,
				DaysOfWeek: []int64{2, 3}, StartHour: 9, EndHour: 12,
			},
			want: false,
		},
		{
			name: "recurring outside hours",
			window: store.MaintenanceWindow{
				Enabled: true, StartsAt: past, Recurring: true,
				DaysOfWeek: []int64{1}, StartHour: 22, EndHour: 23,
			},
			want: false,
		},
		{
			name: "recurring midnight crossing range",
			window: store.MaintenanceWindow{
				Enabled: true, StartsAt: past, Recurring: true,
				DaysOfWeek: []int64{1}, StartHour: 22, EndHour: 11,
			},
			want: true,
		},
		{
			name: "recurring all day when hours equal",
			window: store.MaintenanceWindow{
				Enabled: true, StartsAt: past, Recurring: true,
				DaysOfWeek: []int64{1}, StartHour: 0, EndHour: 0,
			},
			want: true,
		},
		{
			name:   "site filter match",
			window: store.MaintenanceWindow{Enabled: true, StartsAt: past, SiteIDs: []string{"site-a", "site-b"}},
			siteID: "site-b",
			want:   true,
		},
		{
			name:   "site filter miss",
			window: store.MaintenanceWindow{Enabled: true, StartsAt: past, SiteIDs: []string{"site-a"}},
			siteID: "site-c",
			want:   false,
		},
		{
			name:       "device type filter match",
			window:     store.MaintenanceWindow{Enabled: true, StartsAt: past, DeviceTypes: []string{"sensor"}},
			deviceType: "sensor",
			want:       true,
		},
		{
			name:       "device type filter miss",
			window:     store.MaintenanceWindow{Enabled: true, StartsAt: past, DeviceTypes: []string{"sensor"}},
			deviceType: "gateway",
			want:       false,
		},
		{
			name:   "device type filter with untyped device",
			window: store.MaintenanceWindow{Enabled: true, StartsAt: past, DeviceTypes: []string{"sensor"}},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := windowActive(&tt.window, now, tt.siteID, tt.deviceType)
			if got != tt.want {
				t.Errorf("windowActive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInMaintenance(t *testing.T) {
	now := time.Date(2025, 7, 14, 10, 30, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	windows := []store.MaintenanceWindow{
		{Enabled: false, StartsAt: past},
		{Enabled: true, StartsAt: past, SiteIDs: []string{"site-x"}},
	}
	if inMaintenance(windows, now, "site-a", "") {
		t.Error("no window should match site-a")
	}
	if !inMaintenance(windows, now, "site-x", "") {
		t.Error("second window should match site-x")
	}
	if inMaintenance(nil, now, "site-a", "") {
		t.Error("no windows means no maintenance")
	}
}
