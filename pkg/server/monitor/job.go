package monitor

import (
	"sync"
	"time"
)

// MaxConsecutiveErrors is the failure streak after which a job is
// reported unhealthy.
const MaxConsecutiveErrors = 3

// JobMonitor tracks the health of one scheduled job (ingestion, retention).
type JobMonitor struct {
	name string

	// A job that has not succeeded within staleAfter is unhealthy
	staleAfter time.Duration
	now        func() time.Time

	mu                sync.RWMutex
	started           time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	disabled          bool
}

// NewJobMonitor creates a monitor for a job expected to succeed at least
// once every staleAfter.
func NewJobMonitor(name string, staleAfter time.Duration) *JobMonitor {
	return &JobMonitor{name: name, staleAfter: staleAfter, now: time.Now}
}

// Disable marks the job as not scheduled; a disabled job is always healthy.
func (jm *JobMonitor) Disable() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.disabled = true
}

// Start marks the scheduler as running. Until the first success the job is
// healthy for staleAfter from this point.
func (jm *JobMonitor) Start() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.started = jm.now()
}

// RecordSuccess records a successful run.
func (jm *JobMonitor) RecordSuccess() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	now := jm.now()
	jm.lastSuccess = now
	jm.lastAttempt = now
	jm.consecutiveErrors = 0
	jm.lastError = ""
}

// RecordFailure records a failed run.
func (jm *JobMonitor) RecordFailure(err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.lastAttempt = jm.now()
	jm.consecutiveErrors++
	if err != nil {
		jm.lastError = err.Error()
	}
}

// IsHealthy returns true if the job is working properly.
// Unhealthy conditions:
//   - Never succeeded and not started
//   - Haven't succeeded within staleAfter of the last success or start
//   - More than MaxConsecutiveErrors consecutive failures
func (jm *JobMonitor) IsHealthy() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.healthyLocked()
}

func (jm *JobMonitor) healthyLocked() bool {
	if jm.disabled {
		return true
	}
	ref := jm.lastSuccess
	if ref.IsZero() {
		ref = jm.started
	}
	if ref.IsZero() {
		return false
	}
	if jm.now().Sub(ref) > jm.staleAfter {
		return false
	}
	return jm.consecutiveErrors <= MaxConsecutiveErrors
}

// JobStatus is the health-check view of a job.
type JobStatus struct {
	Name              string `json:"name"`
	Enabled           bool   `json:"enabled"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current job status for health checks.
func (jm *JobMonitor) Status() JobStatus {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	status := JobStatus{
		Name:    jm.name,
		Enabled: !jm.disabled,
		Healthy: jm.healthyLocked(),
	}
	if !jm.lastSuccess.IsZero() {
		status.LastSuccess = jm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = jm.now().Sub(jm.lastSuccess).Round(time.Second).String()
	}
	if !jm.lastAttempt.IsZero() {
		status.LastAttempt = jm.lastAttempt.Format(time.RFC3339)
	}
	if jm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = jm.consecutiveErrors
		status.LastError = jm.lastError
	}
	return status
}
