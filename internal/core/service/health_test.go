package service

import (
	"testing"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/pkg/goodwe_modbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func f(v float64) *float64 {
	return &v
}

// ctxSOC builds a minimal alert context carrying only SOC.
func ctxSOC(soc float64) domain.AlertContext {
	return domain.AlertContext{SOC: f(soc)}
}

func healthySnapshot() *goodwe_modbus.HealthSnapshot {
	return &goodwe_modbus.HealthSnapshot{
		EMSCheckStatus:     f(1),
		BMSWarningBits:     f(0),
		BMSAlarmBits:       f(0),
		BMSSOCPercent:      f(50),
		BMSSOHPercent:      f(99),
		ArcFault:           f(0),
		ParallelCommStatus: f(0),
		MeterIntExt:        f(1),
		IntMeterComm:       f(1),
		ExtMeterComm:       f(1),
	}
}

func eventByCode(events []domain.AlertEvent, code string) *domain.AlertEvent {
	for i := range events {
		if events[i].Code == code {
			return &events[i]
		}
	}
	return nil
}

func TestAlertDebounceRequiresConsecutivePolls(t *testing.T) {
	box := &domain.IntentBox{}
	mon := NewHealthMonitor("bat-1", box, zap.NewNop())
	now := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)
	mon.RecordTelemetry(now)

	alarm := healthySnapshot()
	alarm.BMSAlarmBits = f(0x0004)

	// First raw poll: no transition yet, no fault safe.
	events := mon.Evaluate(alarm, ctxSOC(50), false, now)
	assert.Nil(t, eventByCode(events, AlertBMSAlarm))
	assert.False(t, box.Load().Active)

	// Second consecutive poll activates.
	now = now.Add(time.Second)
	mon.RecordTelemetry(now)
	events = mon.Evaluate(alarm, ctxSOC(50), false, now)
	ev := eventByCode(events, AlertBMSAlarm)
	require.NotNil(t, ev)
	assert.Equal(t, domain.AlertStateActive, ev.State)
	assert.Equal(t, domain.SeverityCritical, ev.Severity)
	assert.Equal(t, 1, ev.Count)
	assert.NotEmpty(t, ev.EventID)
	assert.True(t, box.Load().Active)
	assert.Equal(t, AlertBMSAlarm, box.Load().SourceCode)
}

func TestAlertClearDebounceAndEventIDStability(t *testing.T) {
	box := &domain.IntentBox{}
	mon := NewHealthMonitor("bat-1", box, zap.NewNop())
	now := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)

	alarm := healthySnapshot()
	alarm.ArcFault = f(1)

	step := func(s *goodwe_modbus.HealthSnapshot) []domain.AlertEvent {
		now = now.Add(time.Second)
		mon.RecordTelemetry(now)
		return mon.Evaluate(s, ctxSOC(50), false, now)
	}

	step(alarm)
	events := step(alarm)
	active := eventByCode(events, AlertArcFault)
	require.NotNil(t, active)
	firstID := active.EventID

	// A single clear poll is a flap, not a clearance.
	events = step(healthySnapshot())
	assert.Nil(t, eventByCode(events, AlertArcFault))
	assert.True(t, box.Load().Active)

	// When the condition returns, the pending clear count resets; the machine
	// is still active, so no new ACTIVE event is emitted either.
	events = step(alarm)
	assert.Nil(t, eventByCode(events, AlertArcFault))

	// Two consecutive clear polls clear it, carrying the same event id.
	step(healthySnapshot())
	events = step(healthySnapshot())
	cleared := eventByCode(events, AlertArcFault)
	require.NotNil(t, cleared)
	assert.Equal(t, domain.AlertStateCleared, cleared.State)
	assert.Equal(t, firstID, cleared.EventID)
	assert.False(t, box.Load().Active)

	// Re-entry gets a fresh id and a monotone count.
	step(alarm)
	events = step(alarm)
	reentered := eventByCode(events, AlertArcFault)
	require.NotNil(t, reentered)
	assert.Equal(t, 2, reentered.Count)
	assert.NotEqual(t, firstID, reentered.EventID)
}

// Every emitted event carries the full telemetry context the monitor was
// handed: mode, soc, grid_w, pv_w and bias_w.
func TestAlertContextCarriesTelemetryValues(t *testing.T) {
	box := &domain.IntentBox{}
	mon := NewHealthMonitor("bat-1", box, zap.NewNop())
	now := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)

	alarm := healthySnapshot()
	alarm.BMSAlarmBits = f(1)
	ctx := domain.AlertContext{
		Mode:  f(4),
		SOC:   f(52),
		GridW: f(-120),
		PVW:   f(850),
		BiasW: f(-50),
	}

	mon.RecordTelemetry(now)
	mon.Evaluate(alarm, ctx, false, now)
	now = now.Add(time.Second)
	mon.RecordTelemetry(now)
	events := mon.Evaluate(alarm, ctx, false, now)

	ev := eventByCode(events, AlertBMSAlarm)
	require.NotNil(t, ev)
	require.NotNil(t, ev.Context.Mode)
	assert.InDelta(t, 4, *ev.Context.Mode, 0.001)
	require.NotNil(t, ev.Context.SOC)
	assert.InDelta(t, 52, *ev.Context.SOC, 0.001)
	require.NotNil(t, ev.Context.GridW)
	assert.InDelta(t, -120, *ev.Context.GridW, 0.001)
	require.NotNil(t, ev.Context.PVW)
	assert.InDelta(t, 850, *ev.Context.PVW, 0.001)
	require.NotNil(t, ev.Context.BiasW)
	assert.InDelta(t, -50, *ev.Context.BiasW, 0.001)
}

func TestFaultSafeIsDisjunctionOfCriticals(t *testing.T) {
	box := &domain.IntentBox{}
	mon := NewHealthMonitor("bat-1", box, zap.NewNop())
	now := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)

	both := healthySnapshot()
	both.EMSCheckStatus = f(0)
	both.BMSAlarmBits = f(1)

	step := func(s *goodwe_modbus.HealthSnapshot) {
		now = now.Add(time.Second)
		mon.RecordTelemetry(now)
		mon.Evaluate(s, ctxSOC(50), false, now)
	}

	step(both)
	step(both)
	require.True(t, box.Load().Active)

	// Clearing only one critical keeps fault safe raised.
	oneLeft := healthySnapshot()
	oneLeft.BMSAlarmBits = f(1)
	step(oneLeft)
	step(oneLeft)
	assert.True(t, box.Load().Active)
	assert.True(t, mon.FaultSafeActive())

	// Clearing the last critical drops it.
	step(healthySnapshot())
	step(healthySnapshot())
	assert.False(t, box.Load().Active)
	assert.False(t, mon.FaultSafeActive())
}

func TestWarningsDoNotRaiseFaultSafe(t *testing.T) {
	box := &domain.IntentBox{}
	mon := NewHealthMonitor("bat-1", box, zap.NewNop())
	now := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)

	warn := healthySnapshot()
	warn.BMSWarningBits = f(0x0002)
	warn.IntMeterComm = f(0)
	warn.ExtMeterComm = f(0)

	step := func() []domain.AlertEvent {
		now = now.Add(time.Second)
		mon.RecordTelemetry(now)
		return mon.Evaluate(warn, ctxSOC(50), false, now)
	}

	step()
	events := step()
	require.NotNil(t, eventByCode(events, AlertBMSWarning))
	require.NotNil(t, eventByCode(events, AlertMeterCommsLoss))
	assert.Equal(t, domain.SeverityWarning, eventByCode(events, AlertBMSWarning).Severity)
	assert.False(t, box.Load().Active)
}

func TestStaleTelemetryAlert(t *testing.T) {
	box := &domain.IntentBox{}
	mon := NewHealthMonitor("bat-1", box, zap.NewNop())
	now := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)
	mon.RecordTelemetry(now)

	// Telemetry stops; polls keep running.
	now = now.Add(4 * time.Second)
	mon.Evaluate(healthySnapshot(), ctxSOC(50), false, now)
	now = now.Add(time.Second)
	events := mon.Evaluate(healthySnapshot(), ctxSOC(50), false, now)
	ev := eventByCode(events, AlertStaleTelemetry)
	require.NotNil(t, ev)
	assert.Equal(t, domain.SeverityWarning, ev.Severity)
}

func TestSOCCrossCheckDrift(t *testing.T) {
	box := &domain.IntentBox{}
	mon := NewHealthMonitor("bat-1", box, zap.NewNop())
	now := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)

	snap := healthySnapshot()
	snap.BMSSOCPercent = f(70)

	mon.RecordTelemetry(now)
	mon.Evaluate(snap, ctxSOC(50), false, now)
	now = now.Add(time.Second)
	mon.RecordTelemetry(now)
	events := mon.Evaluate(snap, ctxSOC(50), false, now)
	ev := eventByCode(events, AlertSOCCrossCheckDrift)
	require.NotNil(t, ev)
	assert.Equal(t, domain.SeverityInfo, ev.Severity)
}

func TestActiveHeartbeatReemission(t *testing.T) {
	box := &domain.IntentBox{}
	mon := NewHealthMonitor("bat-1", box, zap.NewNop())
	now := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)

	alarm := healthySnapshot()
	alarm.BMSAlarmBits = f(1)

	step := func(d time.Duration) []domain.AlertEvent {
		now = now.Add(d)
		mon.RecordTelemetry(now)
		return mon.Evaluate(alarm, ctxSOC(50), false, now)
	}

	step(time.Second)
	events := step(time.Second)
	require.NotNil(t, eventByCode(events, AlertBMSAlarm))

	// Shortly after activation: silent.
	events = step(time.Minute)
	assert.Nil(t, eventByCode(events, AlertBMSAlarm))

	// Past the re-emit interval: heartbeat with the same event id.
	events = step(5 * time.Minute)
	hb := eventByCode(events, AlertBMSAlarm)
	require.NotNil(t, hb)
	assert.True(t, hb.Heartbeat)
	assert.Equal(t, domain.AlertStateActive, hb.State)
}
