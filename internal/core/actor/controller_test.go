package actor

import (
	"errors"
	"sync"
	"testing"
	"time"

	adactor "github.com/consus-energy/lanzone-edge/internal/adapter/actor"
	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/internal/core/edgestate"
	"github.com/consus-energy/lanzone-edge/internal/core/events"
	"github.com/consus-energy/lanzone-edge/internal/util/actorutil"
	"github.com/consus-energy/lanzone-edge/pkg/goodwe_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sampleCollector gathers published telemetry samples across goroutines.
type sampleCollector struct {
	mu      sync.Mutex
	samples []domain.TelemetrySample
}

func (c *sampleCollector) subscribe(es *eventstream.EventStream) *eventstream.Subscription {
	return es.Subscribe(func(evt any) {
		if e, ok := evt.(events.TelemetryRecordedEvent); ok {
			c.mu.Lock()
			c.samples = append(c.samples, e.Sample)
			c.mu.Unlock()
		}
	})
}

func (c *sampleCollector) all() []domain.TelemetrySample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TelemetrySample, len(c.samples))
	copy(out, c.samples)
	return out
}

func controllerTestSettings() domain.Settings {
	return domain.Settings{
		EdgeStatus:         domain.EdgeStatusActive,
		CheapWindow:        domain.CheapWindow{Start: "00:00", End: "23:59"},
		TargetSOCPercent:   80,
		ImportChargePowerW: 3000,
		MinImportW:         200,
		MeterBiasW:         -50,
		MaxChargeW:         5000,
		MaxRampRateWPerS:   100000,
		PVEnabled:          true,
		ExternalMeter:      true,
	}
}

func controllerTestStore(t *testing.T, settings domain.Settings) *edgestate.Store {
	t.Helper()
	store := edgestate.NewStore(time.UTC, zap.NewNop())
	require.NoError(t, store.Seed(settings, map[string]domain.EdgeBatteryConfig{
		"bat-1": {
			ConsusID:         "bat-1",
			ModbusHost:       "192.168.1.20",
			MaxChargeW:       5000,
			MaxRampRateWPerS: 100000,
			PVEnabled:        true,
		},
	}, nil))
	return store
}

func spawnController(t *testing.T, settings domain.Settings, dev *goodwe_modbus.TestDevice,
	box *domain.IntentBox, es *eventstream.EventStream) (*actor.ActorSystem, *actor.PID) {
	t.Helper()

	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	store := controllerTestStore(t, settings)

	modbusProps := actor.PropsFromProducer(func() actor.Actor {
		return adactor.NewModbusActor("bat-1", dev, nil, logger)
	})
	modbusPID := context.Spawn(modbusProps)

	controllerProps := actor.PropsFromProducer(func() actor.Actor {
		return NewControllerActor("bat-1", store, modbusPID, box, es, 100*time.Millisecond, logger)
	})
	controllerPID := context.Spawn(controllerProps)

	return as, controllerPID
}

// Night-charge flow end to end: the controller reads telemetry, drives the
// device into Import-AC and publishes telemetry samples for the poster.
func TestControllerDrivesImportAC(t *testing.T) {
	dev := goodwe_modbus.CreateTestDevice()
	box := &domain.IntentBox{}
	es := &eventstream.EventStream{}

	collector := &sampleCollector{}
	sub := collector.subscribe(es)
	defer es.Unsubscribe(sub)

	as, pid := spawnController(t, controllerTestSettings(), dev, box, es)
	defer as.Shutdown()

	time.Sleep(1 * time.Second)

	// mode register commanded to Import-AC
	modeWrites := dev.WritesTo(goodwe_modbus.RegEMSPowerMode)
	require.NotEmpty(t, modeWrites)
	assert.InDelta(t, float64(domain.EMSModeImportAC), modeWrites[0], 0.001)

	// setpoint = import_charge_power_w - pv_total (3000 - 400)
	setWrites := dev.WritesTo(goodwe_modbus.RegEMSPowerSet)
	require.NotEmpty(t, setWrites)
	assert.InDelta(t, 2600, setWrites[0], 0.001)

	// commissioning happened once
	assert.Equal(t, []float64{2}, dev.WritesTo(goodwe_modbus.RegManufacturerCode))

	// telemetry samples flow with the right mode and SOC
	samples := collector.all()
	require.NotEmpty(t, samples)
	last := samples[len(samples)-1]
	assert.Equal(t, "import_ac", last.Mode)
	require.NotNil(t, last.Payload.SOC)
	assert.InDelta(t, 50, *last.Payload.SOC, 0.001)
	// commissioning wrote the bias, so samples carry it for alert context
	require.NotNil(t, last.Payload.BiasW)
	assert.InDelta(t, -50, *last.Payload.BiasW, 0.001)

	hcr, err := controllerHealthCheck(as.Root, pid)
	require.NoError(t, err)
	assert.True(t, hcr.Healthy)
}

// Reaching the target runs the two-tick exit sequence: setpoint to zero,
// then Auto mode.
func TestControllerExitSequenceOnTargetReached(t *testing.T) {
	dev := goodwe_modbus.CreateTestDevice()
	box := &domain.IntentBox{}
	es := &eventstream.EventStream{}

	as, _ := spawnController(t, controllerTestSettings(), dev, box, es)
	defer as.Shutdown()

	time.Sleep(500 * time.Millisecond)
	dev.SetRegister(goodwe_modbus.RegBatterySOC, 85)
	dev.SetRegister(goodwe_modbus.RegBMSSOC, 85)
	time.Sleep(1 * time.Second)

	setWrites := dev.WritesTo(goodwe_modbus.RegEMSPowerSet)
	require.NotEmpty(t, setWrites)
	assert.InDelta(t, 0, setWrites[len(setWrites)-1], 0.001)

	modeWrites := dev.WritesTo(goodwe_modbus.RegEMSPowerMode)
	require.GreaterOrEqual(t, len(modeWrites), 2)
	assert.InDelta(t, float64(domain.EMSModeAuto), modeWrites[len(modeWrites)-1], 0.001)
}

// An active fault-safe intent forces Auto: no Import-AC mode writes and no
// positive setpoints are emitted while it holds.
func TestControllerHonorsFaultSafeIntent(t *testing.T) {
	dev := goodwe_modbus.CreateTestDevice()
	box := &domain.IntentBox{}
	box.Publish(domain.FaultSafeIntent{
		SourceCode: "BMS_ALARM",
		Active:     true,
		SinceTS:    time.Now(),
		Reason:     "critical alert BMS_ALARM active",
	})
	es := &eventstream.EventStream{}

	collector := &sampleCollector{}
	sub := collector.subscribe(es)
	defer es.Unsubscribe(sub)

	as, _ := spawnController(t, controllerTestSettings(), dev, box, es)
	defer as.Shutdown()

	time.Sleep(1 * time.Second)

	for _, v := range dev.WritesTo(goodwe_modbus.RegEMSPowerMode) {
		assert.NotEqual(t, float64(domain.EMSModeImportAC), v)
	}
	for _, v := range dev.WritesTo(goodwe_modbus.RegEMSPowerSet) {
		assert.LessOrEqual(t, v, 0.0)
	}

	samples := collector.all()
	require.NotEmpty(t, samples)
	assert.Equal(t, "fault_safe", samples[len(samples)-1].Mode)
}

// A dead transport produces error-marked samples and no writes.
func TestControllerFailedReadEmitsErrorSample(t *testing.T) {
	dev := goodwe_modbus.CreateTestDevice()
	dev.SetFailAll(true)
	box := &domain.IntentBox{}
	es := &eventstream.EventStream{}

	collector := &sampleCollector{}
	sub := collector.subscribe(es)
	defer es.Unsubscribe(sub)

	as, _ := spawnController(t, controllerTestSettings(), dev, box, es)
	defer as.Shutdown()

	time.Sleep(600 * time.Millisecond)

	samples := collector.all()
	require.NotEmpty(t, samples)
	assert.Equal(t, "error", samples[0].Mode)
	assert.NotEmpty(t, samples[0].Payload.Error)
	assert.Empty(t, dev.WritesTo(goodwe_modbus.RegEMSPowerSet))
}

// A paused edge ticks without touching the device.
func TestControllerIdleWhenEdgePaused(t *testing.T) {
	settings := controllerTestSettings()
	settings.EdgeStatus = domain.EdgeStatusPaused

	dev := goodwe_modbus.CreateTestDevice()
	as, _ := spawnController(t, settings, dev, &domain.IntentBox{}, &eventstream.EventStream{})
	defer as.Shutdown()

	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, dev.Writes())
}

func controllerHealthCheck(ctx *actor.RootContext, pid *actor.PID) (*domain.ActorHealthResponse, error) {
	resp, err := ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	if err != nil {
		return nil, err
	}
	hcr, ok := resp.(domain.ActorHealthResponse)
	if !ok {
		return nil, errors.New("unexpected response type")
	}
	return &hcr, nil
}
