package events

import (
	"github.com/consus-energy/lanzone-edge/internal/core/domain"
)

// TelemetryRecordedEvent is published on the actor system's event stream by
// each controller tick and consumed by the backend poster.
type TelemetryRecordedEvent struct {
	Sample domain.TelemetrySample
}

// AlertTransitionEvent is published by the health actors on every alert
// state-machine transition (or heartbeat).
type AlertTransitionEvent struct {
	Event domain.AlertEvent
}

// Critical reports whether the transition needs immediate delivery.
func (e AlertTransitionEvent) Critical() bool {
	return e.Event.Severity == domain.SeverityCritical
}

// CommissioningResultEvent reports the outcome of an EMS commissioning pass;
// failures surface as WARNING alerts downstream.
type CommissioningResultEvent struct {
	ConsusID string
	OK       bool
	Failed   []string
}
