package goodwe_modbus

import (
	"sync"
)

// TestDevice is an in-memory Device used by actor and service tests. Values
// are keyed by register name; writes are recorded in order and reflected back
// into the value map so subsequent reads observe them.
type TestDevice struct {
	mu      sync.Mutex
	values  map[string]float64
	missing map[string]bool
	failAll bool
	writes  []TestWrite
	guard   *WriteGuard
	regs    *RegisterMap
	openErr error
	OpenedN int
	ClosedN int
}

// TestWrite is one recorded accepted write.
type TestWrite struct {
	Name  string
	Value float64
}

// CreateTestDevice builds a fake battery with sane defaults: 50% SOC, small
// grid import, some PV, EMS healthy.
func CreateTestDevice() *TestDevice {
	return &TestDevice{
		values: map[string]float64{
			RegBatterySOC:         50,
			RegBMSSOC:             50,
			RegMeterActivePower:   150,
			RegBatteryVoltage:     52.1,
			RegBatteryCurrent:     -3.5,
			RegBatteryPower:       -180,
			RegPV1Power:           200,
			RegPV2Power:           200,
			RegMPPT1Power:         0,
			RegCT2ActivePower:     0,
			RegEMSModeDisplay:     1,
			RegAppModeDisplay:     0,
			RegEMSCheckStatus:     1,
			RegBMSWarningBits:     0,
			RegBMSAlarmBits:       0,
			RegBMSSOHPercent:      99,
			RegArcFault:           0,
			RegParallelCommStatus: 0,
			RegMeterIntExt:        1,
			RegIntMeterComm:       1,
			RegExtMeterComm:       1,
			RegRemoteCommLossTime: 60,
			RegMeterBias:          -50,
		},
		missing: map[string]bool{},
		guard:   NewWriteGuard(DefaultGuardConfig()),
		regs:    DefaultRegisterMap(),
	}
}

// WithGuard swaps the guard (e.g. a tighter test config).
func (d *TestDevice) WithGuard(g *WriteGuard) *TestDevice {
	d.guard = g
	return d
}

func (d *TestDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenedN++
	return d.openErr
}

func (d *TestDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ClosedN++
	return nil
}

// SetRegister sets a register value for subsequent reads.
func (d *TestDevice) SetRegister(name string, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[name] = value
}

// SetMissing makes reads of a register fail, simulating a comms fault.
func (d *TestDevice) SetMissing(name string, missing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.missing[name] = missing
}

// SetFailAll makes every read fail, simulating a dead transport.
func (d *TestDevice) SetFailAll(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = fail
}

// SetOpenError makes Open fail.
func (d *TestDevice) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

func (d *TestDevice) ReadByName(name string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.regs.Lookup(name); err != nil {
		return 0, err
	}
	if d.failAll || d.missing[name] {
		return 0, DeviceException{Register: name, Err: ErrAllReadsFailed}
	}
	return d.values[name], nil
}

func (d *TestDevice) WriteByName(name string, value float64) (WriteOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, err := d.regs.Lookup(name)
	if err != nil {
		return WriteFailed, err
	}
	word, err := desc.FromPhysical(value)
	if err != nil {
		return WriteFailed, err
	}
	outcome := d.guard.Attempt(desc.Address, word)
	if !outcome.Accepted() {
		return outcome, nil
	}
	d.writes = append(d.writes, TestWrite{Name: name, Value: value})
	d.values[name] = value
	return WriteAccepted, nil
}

func (d *TestDevice) GuardCounters() GuardCounters {
	return d.guard.Counters()
}

// Writes returns the accepted writes recorded so far.
func (d *TestDevice) Writes() []TestWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TestWrite, len(d.writes))
	copy(out, d.writes)
	return out
}

// WritesTo returns the accepted writes for one register, in order.
func (d *TestDevice) WritesTo(name string) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []float64
	for _, w := range d.writes {
		if w.Name == name {
			out = append(out, w.Value)
		}
	}
	return out
}

// ensure interface compliance
var _ Device = (*TestDevice)(nil)
