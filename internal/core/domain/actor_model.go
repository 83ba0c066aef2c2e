package domain

import (
	"github.com/consus-energy/lanzone-edge/pkg/goodwe_modbus"
)

const (
	ACTOR_ID_MASTER     = "master"
	ACTOR_ID_CONFIG_BUS = "configbus"
	ACTOR_ID_POSTER     = "poster"

	// Per-battery children are named "<prefix>-<consus_id>".
	ACTOR_PREFIX_MODBUS     = "modbus"
	ACTOR_PREFIX_CONTROLLER = "controller"
	ACTOR_PREFIX_HEALTH     = "health"
)

// ActorResponseMixIn carries an error through actor response messages.
type ActorResponseMixIn struct {
	ResponseError error
}

func (r ActorResponseMixIn) GetResponseError() error {
	return r.ResponseError
}

func (r ActorResponseMixIn) HasResponseError() bool {
	return r.ResponseError != nil
}

// ActorResponse is implemented by every response message.
type ActorResponse interface {
	GetResponseError() error
	HasResponseError() bool
}

// ActorHealthRequest asks an actor for its liveness and current state name.
type ActorHealthRequest struct{}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}

// ReadTelemetryRequest asks the modbus actor for a full telemetry sweep.
type ReadTelemetryRequest struct {
	PVEnabled bool
}

type ReadTelemetryResponse struct {
	ActorResponseMixIn
	Telemetry *goodwe_modbus.Telemetry
	Counters  goodwe_modbus.GuardCounters
}

// ReadHealthRequest asks the modbus actor for a health register sweep.
type ReadHealthRequest struct{}

type ReadHealthResponse struct {
	ActorResponseMixIn
	Health *goodwe_modbus.HealthSnapshot
}

// RegisterWrite is one intended register write, in physical units.
type RegisterWrite struct {
	Name  string
	Value float64
}

// WriteResult is the write-guard/bus outcome of one RegisterWrite. Every
// intended write yields exactly one result; nothing is dropped silently.
type WriteResult struct {
	Name    string
	Value   float64
	Outcome goodwe_modbus.WriteOutcome
	Err     error
}

// ApplyWritesRequest submits a tick's writes, in order, through the write
// guard to the bus.
type ApplyWritesRequest struct {
	Writes []RegisterWrite
}

type ApplyWritesResponse struct {
	ActorResponseMixIn
	Results []WriteResult
}

// Accepted reports whether the write to a named register was accepted.
func (r ApplyWritesResponse) Accepted(name string) bool {
	for _, res := range r.Results {
		if res.Name == name {
			return res.Outcome == goodwe_modbus.WriteAccepted && res.Err == nil
		}
	}
	return false
}

// ReconfigureGuardRequest retunes the modbus actor's write guard after a
// settings update.
type ReconfigureGuardRequest struct {
	Settings WriteGuardSettings
}

// ValidateModbusRequest triggers an operator-initiated connectivity check
// and re-commissioning for one battery (or all when ConsusID is empty).
type ValidateModbusRequest struct {
	ConsusID string
}

type ValidateModbusResponse struct {
	ActorResponseMixIn
	OK     bool
	Errors []string
}

// BatteryAdded and BatteryRemoved are pushed by the config bus when the
// battery set changes at runtime.
type BatteryAdded struct {
	Config EdgeBatteryConfig
}

type BatteryRemoved struct {
	ConsusID string
}
