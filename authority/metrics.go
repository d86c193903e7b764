package authority

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertCredentialFailureSpike AlertType = "credential_failure_spike"
	AlertActivationFailureSpike AlertType = "activation_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingWindow counts events within a trailing window and fires once when
// the threshold is reached.
type slidingWindow struct {
	events    []time.Time
	window    time.Duration
	threshold int
	alert     AlertType
	message   string
}

func (w *slidingWindow) record(now time.Time, alertFn AlertFunc) {
	w.events = append(w.events, now)
	w.events = trimWindow(w.events, now, w.window)
	if len(w.events) < w.threshold {
		return
	}
	alertFn(AlertEvent{
		Type:      w.alert,
		Message:   w.message,
		Count:     len(w.events),
		Threshold: w.threshold,
		Timestamp: now,
	})
	// Reset to avoid repeated alerts within the same spike.
	w.events = w.events[:0]
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	credentialFailures slidingWindow
	activationFailures slidingWindow

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultCredentialFailureWindow    = 1 * time.Minute
	defaultCredentialFailureThreshold = 50
	defaultActivationFailureWindow    = 5 * time.Minute
	defaultActivationFailureThreshold = 100
)

func newMetricsCollector(alertFn AlertFunc, now func() time.Time) *metricsCollector {
	return &metricsCollector{
		credentialFailures: slidingWindow{
			window:    defaultCredentialFailureWindow,
			threshold: defaultCredentialFailureThreshold,
			alert:     AlertCredentialFailureSpike,
			message:   "credential failure rate exceeds threshold",
		},
		activationFailures: slidingWindow{
			window:    defaultActivationFailureWindow,
			threshold: defaultActivationFailureThreshold,
			alert:     AlertActivationFailureSpike,
			message:   "role activation failure rate exceeds threshold",
		},
		alertFn: alertFn,
		now:     now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event {
	case AuditSessionCreateFailed:
		m.credentialFailures.record(m.now(), m.alertFn)
	case AuditRoleActivationFailed:
		m.activationFailures.record(m.now(), m.alertFn)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
