package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestJobMonitor_RecordSuccess(t *testing.T) {
	jm := NewJobMonitor("ingest", time.Hour)
	jm.RecordSuccess()

	status := jm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.Name != "ingest" {
		t.Errorf("Name = %q, want ingest", status.Name)
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
}

func TestJobMonitor_RecordFailure(t *testing.T) {
	jm := NewJobMonitor("retention", time.Hour)
	jm.RecordFailure(errors.New("backup failure"))

	status := jm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "backup failure" {
		t.Errorf("LastError = %q, want %q", status.LastError, "backup failure")
	}
}

func TestJobMonitor_IsHealthy(t *testing.T) {
	base := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		setup    func(*JobMonitor, *time.Time)
		expected bool
	}{
		{
			name:     "never succeeded",
			setup:    func(*JobMonitor, *time.Time) {},
			expected: false,
		},
		{
			name: "started, no run yet",
			setup: func(jm *JobMonitor, clock *time.Time) {
				jm.Start()
				*clock = clock.Add(30 * time.Minute)
			},
			expected: true,
		},
		{
			name: "started, never succeeded past grace",
			setup: func(jm *JobMonitor, clock *time.Time) {
				jm.Start()
				*clock = clock.Add(2 * time.Hour)
			},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(jm *JobMonitor, _ *time.Time) {
				jm.RecordSuccess()
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(jm *JobMonitor, clock *time.Time) {
				jm.RecordSuccess()
				*clock = clock.Add(2 * time.Hour)
			},
			expected: false,
		},
		{
			name: "too many consecutive errors",
			setup: func(jm *JobMonitor, _ *time.Time) {
				jm.RecordSuccess()
				for i := 0; i <= MaxConsecutiveErrors; i++ {
					jm.RecordFailure(errors.New("upstream failure"))
				}
			},
			expected: false,
		},
		{
			name: "disabled",
			setup: func(jm *JobMonitor, _ *time.Time) {
				jm.Disable()
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := base
			jm := NewJobMonitor("job", time.Hour)
			jm.now = func() time.Time { return clock }
			tt.setup(jm, &clock)
			if got := jm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}
