package service

import (
	"math"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/pkg/goodwe_modbus"

	"go.uber.org/zap"
)

// EMSManager decides, once per controller tick, which EMS mode the inverter
// should run and what register writes realize it. It owns the ramp baseline
// (last ACCEPTED setpoint), the commissioning latch and the current bias
// value; everything else arrives in the TickInput.
//
// Plan emits the tick's intended writes; Commit feeds back the write-guard
// outcomes so internal state only advances on writes that actually reached
// the device (a deduped write counts: the device already holds the value).
type EMSManager struct {
	consusID string

	commissioned   bool
	lastMode       uint16 // last mode confirmed on the device, 0 = unknown
	exitArmed      bool   // exit-stage zero setpoint confirmed, mode switch may follow
	lastSetpointW  float64
	lastSetpointTS time.Time
	currentBiasW   float64
	biasKnown      bool
	pendingBias    *biasCheckpoint

	logger *zap.Logger
}

type biasCheckpoint struct {
	value float64
	known bool
}

// TickInput is the per-tick snapshot the EMS decides from.
type TickInput struct {
	Now        time.Time
	TickPeriod time.Duration

	Settings domain.Settings
	Config   domain.EdgeBatteryConfig
	Task     *domain.EdgeTask

	SOCPercent float64
	GridW      float64
	PVTotalW   float64

	FaultSafe      bool
	StaleTelemetry bool
}

// TickDecision is the planned outcome of one tick.
type TickDecision struct {
	Mode       uint16
	SetpointW  float64
	Writes     []domain.RegisterWrite
	Commission bool
	ExitStage  bool // setpoint zeroed this tick, mode switch follows next tick
	InWindow   bool
}

var commissioningRegisters = map[string]bool{
	goodwe_modbus.RegManufacturerCode:    true,
	goodwe_modbus.RegFeedPowerEnable:     true,
	goodwe_modbus.RegExportPowerCap:      true,
	goodwe_modbus.RegExternalMeterEnable: true,
	goodwe_modbus.RegRemoteCommLossTime:  true,
	goodwe_modbus.RegMeterBias:           true,
}

func NewEMSManager(consusID string, logger *zap.Logger) *EMSManager {
	return &EMSManager{
		consusID: consusID,
		logger:   logger.With(zap.String("consus_id", consusID)),
	}
}

// RequestCommission forces the commissioning writes to be re-issued on the
// next tick (operator validate-modbus path).
func (m *EMSManager) RequestCommission() {
	m.commissioned = false
}

// LastMode returns the last device-confirmed EMS mode (0 until known).
func (m *EMSManager) LastMode() uint16 {
	return m.lastMode
}

// CurrentBiasW returns the bias value the device is believed to hold, or nil
// before the first confirmed bias write.
func (m *EMSManager) CurrentBiasW() *float64 {
	if !m.biasKnown {
		return nil
	}
	bias := m.currentBiasW
	return &bias
}

// Plan computes the tick's mode, setpoint and register writes.
func (m *EMSManager) Plan(input TickInput) TickDecision {
	var d TickDecision
	m.pendingBias = nil

	if !m.commissioned {
		d.Commission = true
		d.Writes = append(d.Writes, m.commissioningWrites(input.Settings)...)
		m.pendingBias = &biasCheckpoint{value: m.currentBiasW, known: m.biasKnown}
		m.currentBiasW = input.Settings.MeterBiasW
		m.biasKnown = true
	}

	mode, setpoint, inWindow := m.decide(input)
	d.InWindow = inWindow

	// Import-AC -> Auto transitions are sequenced over two ticks: zero the
	// setpoint first, switch the mode once the zero is confirmed.
	if mode == domain.EMSModeAuto && m.lastMode == domain.EMSModeImportAC && !m.exitArmed {
		d.Mode = domain.EMSModeImportAC
		d.SetpointW = 0
		d.ExitStage = true
		d.Writes = append(d.Writes, domain.RegisterWrite{Name: goodwe_modbus.RegEMSPowerSet, Value: 0})
		return d
	}

	d.Mode = mode
	d.SetpointW = setpoint

	switch mode {
	case domain.EMSModeImportAC:
		m.exitArmed = false
		if m.lastMode != domain.EMSModeImportAC {
			d.Writes = append(d.Writes, domain.RegisterWrite{Name: goodwe_modbus.RegEMSPowerMode, Value: float64(domain.EMSModeImportAC)})
		}
		d.Writes = append(d.Writes, domain.RegisterWrite{Name: goodwe_modbus.RegEMSPowerSet, Value: setpoint})

	case domain.EMSModeAuto:
		d.Writes = append(d.Writes, domain.RegisterWrite{Name: goodwe_modbus.RegEMSPowerSet, Value: 0})
		if m.lastMode != domain.EMSModeAuto {
			d.Writes = append(d.Writes, domain.RegisterWrite{Name: goodwe_modbus.RegEMSPowerMode, Value: float64(domain.EMSModeAuto)})
		}
		// Reassert the export cap; the guard dedupes the steady state.
		d.Writes = append(d.Writes, domain.RegisterWrite{Name: goodwe_modbus.RegExportPowerCap, Value: input.Settings.ExportCapW})
		// Commissioning already wrote the initial bias this tick; trimming
		// again would double-write 47120 inside the per-register interval.
		if !d.Commission {
			if w, ok := m.biasWrite(input); ok {
				d.Writes = append(d.Writes, w)
			}
		}
	}

	return d
}

// Commit feeds the tick's write outcomes back into the manager. Results may
// be nil when the whole batch failed in transport.
func (m *EMSManager) Commit(input TickInput, decision TickDecision, results []domain.WriteResult) {
	effective := func(name string) (attempted, ok bool) {
		for _, w := range decision.Writes {
			if w.Name == name {
				attempted = true
			}
		}
		if !attempted {
			return false, false
		}
		for _, r := range results {
			if r.Name == name {
				return true, writeEffective(r)
			}
		}
		return true, false
	}

	if decision.Commission {
		m.commissioned = true
		for _, w := range decision.Writes {
			if !commissioningRegisters[w.Name] {
				continue
			}
			if _, ok := effective(w.Name); !ok {
				m.commissioned = false
				break
			}
		}
	}

	if m.pendingBias != nil {
		if attempted, ok := effective(goodwe_modbus.RegMeterBias); attempted && !ok {
			m.currentBiasW = m.pendingBias.value
			m.biasKnown = m.pendingBias.known
		}
		m.pendingBias = nil
	}

	if attempted, ok := effective(goodwe_modbus.RegEMSPowerMode); attempted && ok {
		m.lastMode = decision.Mode
		if decision.Mode == domain.EMSModeAuto {
			m.exitArmed = false
		}
	}

	if attempted, ok := effective(goodwe_modbus.RegEMSPowerSet); attempted && ok {
		m.lastSetpointW = decision.SetpointW
		m.lastSetpointTS = input.Now
		if decision.ExitStage {
			m.exitArmed = true
		}
	}
}

// writeEffective treats a deduped write as landed: the guard suppressed it
// because the device already holds that value.
func writeEffective(r domain.WriteResult) bool {
	if r.Err != nil {
		return false
	}
	return r.Outcome == goodwe_modbus.WriteAccepted || r.Outcome == goodwe_modbus.WriteDedup
}

// decide picks the mode and the ramp-shaped setpoint.
func (m *EMSManager) decide(input TickInput) (uint16, float64, bool) {
	if input.FaultSafe || input.StaleTelemetry {
		return domain.EMSModeAuto, 0, false
	}

	inWindow := m.inCheapWindow(input)
	if !inWindow || input.SOCPercent >= input.Settings.TargetSOCPercent {
		return domain.EMSModeAuto, 0, inWindow
	}

	return domain.EMSModeImportAC, m.shapeImportSetpoint(input), true
}

// shapeImportSetpoint applies the night-charge setpoint pipeline: PV
// subtraction, import floor, dynamic task cap, clamp, ramp.
func (m *EMSManager) shapeImportSetpoint(input TickInput) float64 {
	pv := input.PVTotalW
	if !m.pvEnabled(input) {
		pv = 0
	}
	raw := input.Settings.ImportChargePowerW - pv

	if raw < input.Settings.MinImportW {
		raw = input.Settings.MinImportW
	}

	if input.Task != nil && input.Task.MaxImportLimitKW > 0 {
		raw = math.Min(raw, input.Task.MaxImportLimitKW*1000)
	}

	maxCharge := input.Config.MaxChargeW
	if maxCharge <= 0 {
		maxCharge = input.Settings.MaxChargeW
	}
	raw = math.Min(math.Max(raw, 0), maxCharge)

	return m.ramp(raw, input)
}

// ramp limits the step from the last accepted setpoint.
func (m *EMSManager) ramp(target float64, input TickInput) float64 {
	rate := input.Config.MaxRampRateWPerS
	if rate <= 0 {
		rate = input.Settings.MaxRampRateWPerS
	}
	if rate <= 0 {
		return target
	}
	dt := input.TickPeriod.Seconds()
	if !m.lastSetpointTS.IsZero() {
		if since := input.Now.Sub(m.lastSetpointTS).Seconds(); since > 0 {
			dt = since
		}
	}
	maxDelta := rate * dt
	delta := target - m.lastSetpointW
	if math.Abs(delta) <= maxDelta {
		return target
	}
	ramped := m.lastSetpointW + math.Copysign(maxDelta, delta)
	m.logger.Debug("ramp limited setpoint",
		zap.Float64("target", target), zap.Float64("ramped", ramped))
	return ramped
}

func (m *EMSManager) inCheapWindow(input TickInput) bool {
	windows := []domain.CheapWindow{input.Settings.CheapWindow}
	if input.Task != nil && len(input.Task.ChargeWindows) > 0 {
		windows = input.Task.ChargeWindows
	}
	for _, w := range windows {
		if w.Start == "" && w.End == "" {
			continue
		}
		in, err := w.Contains(input.Now)
		if err != nil {
			m.logger.Warn("skipping invalid charge window",
				zap.String("start", w.Start), zap.String("end", w.End))
			continue
		}
		if in {
			return true
		}
	}
	return false
}

func (m *EMSManager) pvEnabled(input TickInput) bool {
	return input.Config.PVEnabled || input.Settings.PVEnabled
}

// commissioningWrites is the one-time register sequence the inverter needs
// before it accepts EMS commands.
func (m *EMSManager) commissioningWrites(settings domain.Settings) []domain.RegisterWrite {
	writes := []domain.RegisterWrite{
		{Name: goodwe_modbus.RegManufacturerCode, Value: 2},
		{Name: goodwe_modbus.RegFeedPowerEnable, Value: 1},
		{Name: goodwe_modbus.RegExportPowerCap, Value: settings.ExportCapW},
	}
	if settings.ExternalMeter {
		writes = append(writes, domain.RegisterWrite{Name: goodwe_modbus.RegExternalMeterEnable, Value: 1})
	}
	if settings.RemoteCommLossS > 0 {
		writes = append(writes, domain.RegisterWrite{Name: goodwe_modbus.RegRemoteCommLossTime, Value: settings.RemoteCommLossS})
	}
	writes = append(writes, domain.RegisterWrite{Name: goodwe_modbus.RegMeterBias, Value: settings.MeterBiasW})
	return writes
}

// biasWrite computes the tick's bias register write: either the regime bias
// (day/night split when enabled) or one auto-trim step toward the target
// residual. At most one trim step per tick.
func (m *EMSManager) biasWrite(input TickInput) (domain.RegisterWrite, bool) {
	trim := input.Settings.AutoBiasTrim

	if !trim.Enable {
		bias := m.regimeBias(input)
		if m.biasKnown && bias == m.currentBiasW {
			return domain.RegisterWrite{}, false
		}
		m.pendingBias = &biasCheckpoint{value: m.currentBiasW, known: m.biasKnown}
		m.currentBiasW = bias
		m.biasKnown = true
		return domain.RegisterWrite{Name: goodwe_modbus.RegMeterBias, Value: bias}, true
	}

	residual := input.GridW - trim.TargetW
	if math.Abs(residual) <= trim.DeadbandW {
		return domain.RegisterWrite{}, false
	}
	adjusted := m.currentBiasW - math.Copysign(trim.StepW, residual)
	lo, hi := trim.BiasBounds()
	adjusted = math.Min(math.Max(adjusted, lo), hi)
	if adjusted == m.currentBiasW {
		return domain.RegisterWrite{}, false
	}
	m.logger.Info("bias trim",
		zap.Float64("from", m.currentBiasW), zap.Float64("to", adjusted),
		zap.Float64("residual", residual))
	m.pendingBias = &biasCheckpoint{value: m.currentBiasW, known: m.biasKnown}
	m.currentBiasW = adjusted
	return domain.RegisterWrite{Name: goodwe_modbus.RegMeterBias, Value: adjusted}, true
}

// regimeBias resolves the Auto-mode bias: single meter_bias_w until the
// day/night split is enabled.
func (m *EMSManager) regimeBias(input TickInput) float64 {
	if !input.Settings.BiasSplitEnable {
		return input.Settings.MeterBiasW
	}
	if m.inCheapWindow(input) {
		return input.Settings.BiasNightW
	}
	return input.Settings.BiasDayW
}
