package goodwe_modbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/simonvetter/modbus"
	log "github.com/sirupsen/logrus"
)

// Device is the typed, name-addressed view of one battery/inverter unit.
// Implemented by Client (real bus) and TestDevice (tests).
type Device interface {
	Open() error
	Close() error
	ReadByName(name string) (float64, error)
	WriteByName(name string, value float64) (WriteOutcome, error)
	GuardCounters() GuardCounters
}

// DeviceException wraps a Modbus exception response from the device, as
// opposed to a transport failure.
type DeviceException struct {
	Register string
	Err      error
}

func (e DeviceException) Error() string {
	return fmt.Sprintf("goodwe: device exception on %s: %v", e.Register, e.Err)
}

func (e DeviceException) Unwrap() error {
	return e.Err
}

const reconnectBackoff = 250 * time.Millisecond

// Client talks Modbus/TCP to one GoodWe unit. All access is by register name;
// raw words never leave this package. Every write goes through the WriteGuard
// before it reaches the bus.
type Client struct {
	client     *modbus.ModbusClient
	regs       *RegisterMap
	guard      *WriteGuard
	logger     *log.Logger
	instrument []ModbusInstrument
	opened     bool
}

// ModbusInstrument receives per-operation timing, mirroring what the trace
// logger records.
type ModbusInstrument struct {
	RecordTime func(fnName string, readTime time.Duration)
}

func traceLoggerInstrumentation(logger *log.Entry) *ModbusInstrument {
	return &ModbusInstrument{
		RecordTime: func(fnName string, readTime time.Duration) {
			logger.Tracef("modbus [%s]: %d millis", fnName, readTime.Milliseconds())
		},
	}
}

// CreateClient builds a Client for one unit.
func CreateClient(host string, port uint, unitID uint8, timeout time.Duration,
	regs *RegisterMap, guard *WriteGuard, logger *log.Logger, instrumentation *ModbusInstrument) (*Client, error) {

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", host, port),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	var inst []ModbusInstrument
	logInst := traceLoggerInstrumentation(logger.WithField("target", "battery").WithField("unit", unitID))
	if logInst != nil {
		inst = append(inst, *logInst)
	}
	if instrumentation != nil {
		inst = append(inst, *instrumentation)
	}

	if unitID > 0 {
		if err := client.SetUnitId(unitID); err != nil {
			return nil, err
		}
	}

	if guard == nil {
		guard = NewWriteGuard(DefaultGuardConfig())
	}

	return &Client{
		client:     client,
		regs:       regs,
		guard:      guard,
		logger:     logger,
		instrument: inst,
	}, nil
}

func (c *Client) Open() error {
	if c.opened {
		return nil
	}
	if err := c.client.Open(); err != nil {
		return err
	}
	c.opened = true
	return nil
}

func (c *Client) Close() error {
	if !c.opened {
		return nil
	}
	c.opened = false
	return c.client.Close()
}

// ReadByName fetches a register and returns its physical value.
func (c *Client) ReadByName(name string) (float64, error) {
	d, err := c.regs.Lookup(name)
	if err != nil {
		return 0, err
	}
	raw, err := c.readWords(d)
	if err != nil {
		return 0, err
	}
	return d.ToPhysical(raw)
}

// WriteByName scales a physical value and submits it through the WriteGuard.
// The returned outcome tells the caller whether the value reached the bus or
// why it was suppressed; a non-nil error (with WriteFailed) means the write
// could not be encoded (unknown or read-only register, value out of range)
// or an accepted write failed on the bus.
func (c *Client) WriteByName(name string, value float64) (WriteOutcome, error) {
	d, err := c.regs.Lookup(name)
	if err != nil {
		return WriteFailed, err
	}
	if !d.Writable {
		return WriteFailed, fmt.Errorf("goodwe: register %s is read-only", name)
	}
	word, err := d.FromPhysical(value)
	if err != nil {
		return WriteFailed, err
	}

	outcome := c.guard.Attempt(d.Address, word)
	if !outcome.Accepted() {
		c.logger.WithField("register", name).Debugf("write suppressed: %s", outcome)
		return outcome, nil
	}

	// Bus I/O happens outside the guard lock.
	if err := c.writeWord(d, word); err != nil {
		c.guard.RecordError(d.Address)
		return WriteFailed, err
	}
	return WriteAccepted, nil
}

// GuardCounters exposes the guard decision counters for telemetry.
func (c *Client) GuardCounters() GuardCounters {
	return c.guard.Counters()
}

func (c *Client) readWords(d RegisterDescriptor) ([]uint16, error) {
	defer recordTimer("ReadRegisters", c.instrument)()
	raw, err := c.client.ReadRegisters(d.Address, uint16(d.Words), modbus.HOLDING_REGISTER)
	if err == nil {
		return raw, nil
	}
	if !c.retryable(err) {
		return nil, DeviceException{Register: d.Name, Err: err}
	}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	raw, err = c.client.ReadRegisters(d.Address, uint16(d.Words), modbus.HOLDING_REGISTER)
	if err != nil {
		return nil, fmt.Errorf("goodwe: read %s: %w", d.Name, err)
	}
	return raw, nil
}

func (c *Client) writeWord(d RegisterDescriptor, word uint16) error {
	defer recordTimer("WriteRegister", c.instrument)()
	err := c.client.WriteRegister(d.Address, word)
	if err == nil {
		return nil
	}
	if !c.retryable(err) {
		return DeviceException{Register: d.Name, Err: err}
	}
	if err := c.reconnect(); err != nil {
		return err
	}
	if err := c.client.WriteRegister(d.Address, word); err != nil {
		return fmt.Errorf("goodwe: write %s: %w", d.Name, err)
	}
	return nil
}

// retryable reports whether an error looks like a transport failure worth a
// single reconnect, as opposed to a device exception response.
func (c *Client) retryable(err error) bool {
	switch {
	case errors.Is(err, modbus.ErrIllegalFunction),
		errors.Is(err, modbus.ErrIllegalDataAddress),
		errors.Is(err, modbus.ErrIllegalDataValue),
		errors.Is(err, modbus.ErrServerDeviceFailure),
		errors.Is(err, modbus.ErrMemoryParityError),
		errors.Is(err, modbus.ErrServerDeviceBusy),
		errors.Is(err, modbus.ErrGWPathUnavailable),
		errors.Is(err, modbus.ErrGWTargetFailedToRespond),
		errors.Is(err, modbus.ErrAcknowledge):
		return false
	}
	return true
}

func (c *Client) reconnect() error {
	c.logger.Debug("modbus transport error, reconnecting")
	_ = c.client.Close()
	c.opened = false
	time.Sleep(reconnectBackoff)
	if err := c.client.Open(); err != nil {
		return fmt.Errorf("goodwe: reconnect failed: %w", err)
	}
	c.opened = true
	return nil
}

// ensure interface compliance
var _ Device = (*Client)(nil)

func recordTimer(name string, instrument []ModbusInstrument) func() {
	if instrument == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		duration := time.Since(start)
		for i := range instrument {
			instrument[i].RecordTime(name, duration)
		}
	}
}
