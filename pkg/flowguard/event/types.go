package event

// Event types shared by producers and consumers. The queue treats them as
// opaque strings; new types need no registration.
const (
	TypeSystemHealthChanged = "system_health_changed"
	TypeSystemAlert         = "system_alert"

	TypeResourceStateChanged           = "resource_state_changed"
	TypeResourceErrorOccurred          = "resource_error_occurred"
	TypeResourceErrorRecoveryStarted   = "resource_error_recovery_started"
	TypeResourceErrorRecoveryCompleted = "resource_error_recovery_completed"
	TypeResourceErrorResolved          = "resource_error_resolved"
	TypeMetricRecorded                 = "metric_recorded"
	TypeMonitoringErrorOccurred        = "monitoring_error_occurred"
	TypeResourceAlertCreated           = "resource_alert_created"

	TypePhaseTwoComponentCreated = "phase_two:component_created"
)

// criticalTypes get a best-effort direct delivery when rejected.
var criticalTypes = map[string]bool{
	TypeSystemHealthChanged:   true,
	TypeResourceErrorOccurred: true,
	TypeSystemAlert:           true,
}

// IsCritical reports whether eventType bypasses the lanes on rejection.
func IsCritical(eventType string) bool {
	return criticalTypes[eventType]
}
