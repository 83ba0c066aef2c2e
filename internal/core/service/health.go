package service

import (
	"fmt"
	"math"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/pkg/goodwe_modbus"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Alert codes emitted by the health monitor.
const (
	AlertEMSFault           = "EMS_FAULT"
	AlertBMSAlarm           = "BMS_ALARM"
	AlertArcFault           = "ARC_FAULT"
	AlertBMSWarning         = "BMS_WARNING"
	AlertParallelComm       = "PARALLEL_COMM"
	AlertMeterCommsLoss     = "METER_COMMS_LOSS"
	AlertStaleTelemetry     = "STALE_TELEMETRY"
	AlertCommissionDrift    = "COMMISSIONING_DRIFT"
	AlertSOCCrossCheckDrift = "SOC_CROSSCHECK_DRIFT"
)

const (
	// A raw condition must hold for this many consecutive polls to flip the
	// machine in either direction.
	defaultDebouncePolls = 2
	// Still-active alerts re-emit a heartbeat this often.
	activeReemitInterval = 5 * time.Minute
	// Telemetry older than this raises STALE_TELEMETRY.
	staleTelemetryAfter = 3 * time.Second
	// SOC main/BMS register disagreement considered abnormal (percent points).
	socCrossCheckToleranceP = 10
)

// AlertMachine is the two-state debounced machine for one alert code.
type AlertMachine struct {
	Code     string
	Severity string

	active        bool
	activePending int
	clearPending  int
	eventID       string
	count         int
	firstSeen     time.Time
	lastEmit      time.Time
}

// Observe feeds one raw poll into the machine. It returns a transition or
// heartbeat event, or nil.
func (m *AlertMachine) Observe(consusID string, raw bool, now time.Time, ctx domain.AlertContext) *domain.AlertEvent {
	if raw {
		m.clearPending = 0
		if !m.active {
			m.activePending++
			if m.activePending < defaultDebouncePolls {
				return nil
			}
			m.active = true
			m.activePending = 0
			m.firstSeen = now
			m.count++
			m.eventID = makeEventID(consusID, m.Code, m.firstSeen)
			m.lastEmit = now
			return m.event(consusID, domain.AlertStateActive, now, ctx, false)
		}
		if now.Sub(m.lastEmit) >= activeReemitInterval {
			m.lastEmit = now
			return m.event(consusID, domain.AlertStateActive, now, ctx, true)
		}
		return nil
	}

	m.activePending = 0
	if m.active {
		m.clearPending++
		if m.clearPending < defaultDebouncePolls {
			return nil
		}
		m.active = false
		m.clearPending = 0
		m.lastEmit = now
		return m.event(consusID, domain.AlertStateCleared, now, ctx, false)
	}
	return nil
}

// Active reports whether the machine currently holds the alert active.
func (m *AlertMachine) Active() bool {
	return m.active
}

func (m *AlertMachine) event(consusID, state string, now time.Time, ctx domain.AlertContext, heartbeat bool) *domain.AlertEvent {
	return &domain.AlertEvent{
		SiteID:    consusID,
		ConsusID:  consusID,
		TS:        now,
		Severity:  m.Severity,
		Code:      m.Code,
		State:     state,
		EventID:   m.eventID,
		Count:     m.count,
		Heartbeat: heartbeat,
		Context:   ctx,
	}
}

// makeEventID derives a stable id for one (code, active-interval) pair.
func makeEventID(consusID, code string, firstSeen time.Time) string {
	base := fmt.Sprintf("%s:%s:%d", consusID, code, firstSeen.Unix())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(base)).String()
}

// HealthMonitor evaluates one battery's health sweeps against the alert rule
// set and reduces the CRITICAL machines into the fault-safe intent box.
type HealthMonitor struct {
	consusID string
	machines map[string]*AlertMachine
	box      *domain.IntentBox
	logger   *zap.Logger

	faultSafeActive bool
	lastTelemetryTS time.Time
}

func NewHealthMonitor(consusID string, box *domain.IntentBox, logger *zap.Logger) *HealthMonitor {
	machines := map[string]*AlertMachine{}
	for _, m := range []AlertMachine{
		{Code: AlertEMSFault, Severity: domain.SeverityCritical},
		{Code: AlertBMSAlarm, Severity: domain.SeverityCritical},
		{Code: AlertArcFault, Severity: domain.SeverityCritical},
		{Code: AlertBMSWarning, Severity: domain.SeverityWarning},
		{Code: AlertParallelComm, Severity: domain.SeverityWarning},
		{Code: AlertMeterCommsLoss, Severity: domain.SeverityWarning},
		{Code: AlertStaleTelemetry, Severity: domain.SeverityWarning},
		{Code: AlertCommissionDrift, Severity: domain.SeverityWarning},
		{Code: AlertSOCCrossCheckDrift, Severity: domain.SeverityInfo},
	} {
		machine := m
		machines[m.Code] = &machine
	}
	return &HealthMonitor{
		consusID: consusID,
		machines: machines,
		box:      box,
		logger:   logger.With(zap.String("consus_id", consusID)),
	}
}

// RecordTelemetry notes a successful telemetry read for staleness tracking.
func (h *HealthMonitor) RecordTelemetry(ts time.Time) {
	h.lastTelemetryTS = ts
}

// Evaluate feeds one health sweep through every alert machine and returns the
// transitions it produced. ctx carries the latest telemetry values
// (mode, soc, grid_w, pv_w, bias_w) and is attached to every emitted event.
// The fault-safe intent box is updated whenever the disjunction of
// CRITICAL-active machines changes.
func (h *HealthMonitor) Evaluate(snap *goodwe_modbus.HealthSnapshot, ctx domain.AlertContext, commissionDrift bool, now time.Time) []domain.AlertEvent {
	raws := map[string]bool{
		AlertEMSFault:        snap.EMSCheckStatus != nil && *snap.EMSCheckStatus != 1,
		AlertBMSAlarm:        nonZero(snap.BMSAlarmBits),
		AlertArcFault:        nonZero(snap.ArcFault),
		AlertBMSWarning:      nonZero(snap.BMSWarningBits),
		AlertParallelComm:    nonZero(snap.ParallelCommStatus),
		AlertMeterCommsLoss:  meterCommsLost(snap),
		AlertStaleTelemetry:  !h.lastTelemetryTS.IsZero() && now.Sub(h.lastTelemetryTS) > staleTelemetryAfter,
		AlertCommissionDrift: commissionDrift,
		AlertSOCCrossCheckDrift: ctx.SOC != nil && snap.BMSSOCPercent != nil &&
			math.Abs(*ctx.SOC-*snap.BMSSOCPercent) > socCrossCheckToleranceP,
	}

	var events []domain.AlertEvent
	for code, raw := range raws {
		if ev := h.machines[code].Observe(h.consusID, raw, now, ctx); ev != nil {
			h.logger.Info("alert transition",
				zap.String("code", ev.Code), zap.String("state", ev.State),
				zap.String("severity", ev.Severity), zap.Bool("heartbeat", ev.Heartbeat))
			events = append(events, *ev)
		}
	}

	h.reduceFaultSafe(now)
	return events
}

// FaultSafeActive reports the current reduction of the CRITICAL machines.
func (h *HealthMonitor) FaultSafeActive() bool {
	return h.faultSafeActive
}

// reduceFaultSafe publishes intent transitions to the single-slot box.
func (h *HealthMonitor) reduceFaultSafe(now time.Time) {
	var source string
	active := false
	for _, code := range []string{AlertEMSFault, AlertBMSAlarm, AlertArcFault} {
		if h.machines[code].Active() {
			active = true
			source = code
			break
		}
	}
	if active == h.faultSafeActive {
		return
	}
	h.faultSafeActive = active
	intent := domain.FaultSafeIntent{
		SourceCode: source,
		Active:     active,
		SinceTS:    now,
	}
	if active {
		intent.Reason = fmt.Sprintf("critical alert %s active", source)
		h.logger.Warn("fault-safe raised", zap.String("source", source))
	} else {
		intent.Reason = "all critical alerts cleared"
		h.logger.Info("fault-safe cleared")
	}
	h.box.Publish(intent)
}

func nonZero(v *float64) bool {
	return v != nil && *v != 0
}

// meterCommsLost mirrors the meter-path heuristic: both the internal and
// external meter comm flags reading zero means the meter path is gone.
func meterCommsLost(snap *goodwe_modbus.HealthSnapshot) bool {
	return snap.IntMeterComm != nil && snap.ExtMeterComm != nil &&
		*snap.IntMeterComm == 0 && *snap.ExtMeterComm == 0
}
