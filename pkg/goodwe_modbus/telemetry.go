package goodwe_modbus

import "errors"

// ErrAllReadsFailed marks a sweep in which no register could be read; the
// tick is treated as a transport failure rather than a partial sample.
var ErrAllReadsFailed = errors.New("goodwe: all register reads failed")

// Telemetry is one full register sweep of a battery unit, in physical units.
// A nil field means the register could not be read this sweep; CommsFaults
// counts those.
type Telemetry struct {
	SOCPercent      *float64
	BMSSOCPercent   *float64
	GridPowerW      *float64
	BatteryVoltageV *float64
	BatteryCurrentA *float64
	BatteryPowerW   *float64
	PVStringsW      []float64
	MPPTsW          []float64
	CT2PowerW       *float64
	PVTotalW        float64
	EMSMode         *float64
	AppMode         *float64
	CommsFaults     int
}

// HealthSnapshot is one sweep of the health registers.
type HealthSnapshot struct {
	EMSCheckStatus     *float64
	BMSWarningBits     *float64
	BMSAlarmBits       *float64
	BMSSOCPercent      *float64
	BMSSOHPercent      *float64
	ArcFault           *float64
	ParallelCommStatus *float64
	MeterIntExt        *float64
	IntMeterComm       *float64
	ExtMeterComm       *float64
	RemoteCommLossTime *float64
	CommsFaults        int
}

var pvStringRegisters = []string{RegPV1Power, RegPV2Power, RegPV3Power, RegPV4Power}
var mpptRegisters = []string{RegMPPT1Power, RegMPPT2Power, RegMPPT3Power}

// ReadTelemetry performs a full telemetry sweep. PV registers are skipped
// entirely when pv is false to keep bus time down; PVTotalW is then zero.
// A sweep only fails as a whole when every register read fails.
func ReadTelemetry(dev Device, pv bool) (*Telemetry, error) {
	t := &Telemetry{}
	reads := 0

	read := func(name string) *float64 {
		reads++
		v, err := dev.ReadByName(name)
		if err != nil {
			t.CommsFaults++
			return nil
		}
		return &v
	}

	t.GridPowerW = read(RegMeterActivePower)
	t.SOCPercent = read(RegBatterySOC)
	t.BMSSOCPercent = read(RegBMSSOC)
	t.BatteryVoltageV = read(RegBatteryVoltage)
	t.BatteryCurrentA = read(RegBatteryCurrent)
	t.BatteryPowerW = read(RegBatteryPower)
	t.EMSMode = read(RegEMSModeDisplay)
	t.AppMode = read(RegAppModeDisplay)

	if pv {
		for _, name := range pvStringRegisters {
			if v := read(name); v != nil {
				t.PVStringsW = append(t.PVStringsW, *v)
				t.PVTotalW += *v
			}
		}
		for _, name := range mpptRegisters {
			if v := read(name); v != nil {
				t.MPPTsW = append(t.MPPTsW, *v)
				t.PVTotalW += *v
			}
		}
		if t.CT2PowerW = read(RegCT2ActivePower); t.CT2PowerW != nil {
			t.PVTotalW += *t.CT2PowerW
		}
	}

	if t.CommsFaults >= reads {
		return nil, ErrAllReadsFailed
	}
	return t, nil
}

// ReadHealth performs a sweep of the health registers.
func ReadHealth(dev Device) (*HealthSnapshot, error) {
	h := &HealthSnapshot{}
	reads := 0

	read := func(name string) *float64 {
		reads++
		v, err := dev.ReadByName(name)
		if err != nil {
			h.CommsFaults++
			return nil
		}
		return &v
	}

	h.EMSCheckStatus = read(RegEMSCheckStatus)
	h.BMSWarningBits = read(RegBMSWarningBits)
	h.BMSAlarmBits = read(RegBMSAlarmBits)
	h.BMSSOCPercent = read(RegBMSSOC)
	h.BMSSOHPercent = read(RegBMSSOHPercent)
	h.ArcFault = read(RegArcFault)
	h.ParallelCommStatus = read(RegParallelCommStatus)
	h.MeterIntExt = read(RegMeterIntExt)
	h.IntMeterComm = read(RegIntMeterComm)
	h.ExtMeterComm = read(RegExtMeterComm)
	h.RemoteCommLossTime = read(RegRemoteCommLossTime)

	if h.CommsFaults >= reads {
		return nil, ErrAllReadsFailed
	}
	return h, nil
}
