package actor

import (
	"fmt"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/internal/core/edgestate"
	"github.com/consus-energy/lanzone-edge/internal/core/events"
	"github.com/consus-energy/lanzone-edge/internal/core/port"
	"github.com/consus-energy/lanzone-edge/internal/core/service"
	. "github.com/consus-energy/lanzone-edge/internal/util/actorutil"
	"github.com/consus-energy/lanzone-edge/pkg/goodwe_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// ControllerActor runs one battery's control loop: snapshot the edge state,
// read telemetry, consult the fault-safe intent box, ask the EMS manager for
// the tick's writes and submit them through the modbus actor. Ticks that
// arrive while a previous one is still in flight are dropped (latest wins)
// and replayed at most once.
type ControllerActor struct {
	behavior  actor.Behavior
	scheduler *scheduler.TimerScheduler

	consusID    string
	store       *edgestate.Store
	modbusActor *actor.PID
	intentBox   *domain.IntentBox
	ems         port.EMSControlLogic
	eventStream *eventstream.EventStream
	tickPeriod  time.Duration

	tickMissed    bool
	lastGoodRead  time.Time
	lastGuardCfg  domain.WriteGuardSettings
	guardCfgKnown bool

	// in-flight tick context
	curInput    service.TickInput
	curDecision service.TickDecision
	curSample   domain.TelemetrySample

	logger *zap.Logger
}

type controllerTick struct{}

func NewControllerActor(consusID string, store *edgestate.Store, modbusActor *actor.PID, intentBox *domain.IntentBox,
	eventStream *eventstream.EventStream, tickPeriod time.Duration, logger *zap.Logger) *ControllerActor {
	if tickPeriod <= 0 {
		tickPeriod = time.Second
	}
	act := &ControllerActor{
		behavior:    actor.NewBehavior(),
		consusID:    consusID,
		store:       store,
		modbusActor: modbusActor,
		intentBox:   intentBox,
		ems:         service.NewEMSManager(consusID, logger),
		eventStream: eventStream,
		tickPeriod:  tickPeriod,
		logger:      ActorLogger(fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_CONTROLLER, consusID), logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *ControllerActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *ControllerActor) StartingReceive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("controller@starting started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.scheduler.RequestOnce(state.tickPeriod, ctx.Self(), controllerTick{})
		state.behavior.Become(state.DefaultReceive)
	case *actor.Restarting:
	default:
	}
}

func (state *ControllerActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_CONTROLLER, state.consusID),
			Healthy: true,
			State:   "idle",
		})
	case controllerTick:
		state.runTick(ctx)
	case domain.ValidateModbusRequest:
		state.logger.Info("re-commissioning requested")
		state.ems.RequestCommission()
		if ctx.Sender() != nil {
			ctx.Respond(domain.ValidateModbusResponse{OK: true})
		}
	case *actor.Stopping:
		state.exitOnShutdown(ctx)
	default:
		state.logger.Debug("controller@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// runTick is step 1-2 of the loop: snapshot, then request telemetry.
func (state *ControllerActor) runTick(ctx actor.Context) {
	// fixed cadence regardless of tick outcome
	state.scheduler.RequestOnce(state.tickPeriod, ctx.Self(), controllerTick{})

	snapshot := state.store.Snapshot()
	cfg, ok := snapshot.BatteryConfigs[state.consusID]
	if !ok || snapshot.Settings.EdgeStatus != domain.EdgeStatusActive {
		state.logger.Debug("tick skipped",
			zap.Bool("configured", ok), zap.String("edge_status", snapshot.Settings.EdgeStatus))
		return
	}

	state.reconfigureGuardIfChanged(ctx, snapshot.Settings.WriteGuard)

	now := snapshot.TakenAt
	state.curInput = service.TickInput{
		Now:        now,
		TickPeriod: state.tickPeriod,
		Settings:   snapshot.Settings,
		Config:     cfg,
		Task:       state.store.TaskFor(state.consusID, now),
	}
	state.curSample = domain.TelemetrySample{
		ConsusID:  state.consusID,
		Timestamp: now,
	}

	pv := cfg.PVEnabled || snapshot.Settings.PVEnabled
	PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.modbusActor, domain.ReadTelemetryRequest{PVEnabled: pv}, 2*time.Second),
		func(err error) any {
			return domain.ReadTelemetryResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
			}
		})
	state.behavior.BecomeStacked(state.WaitingTelemetry)
}

func (state *ControllerActor) WaitingTelemetry(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ReadTelemetryResponse:
		if msg.HasResponseError() {
			state.logger.Warn("telemetry read failed", zap.Error(msg.GetResponseError()))
			state.curSample.Mode = "error"
			state.curSample.Payload.Error = msg.GetResponseError().Error()
			state.publishSample(ctx)
			state.finishTick(ctx)
			return
		}
		state.handleTelemetry(ctx, msg)
	case controllerTick:
		// drop-oldest: remember at most one missed tick
		state.tickMissed = true
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_CONTROLLER, state.consusID),
			Healthy: true,
			State:   "ticking",
		})
	case *actor.Stopping:
		state.exitOnShutdown(ctx)
	default:
		state.logger.Debug("controller@waitingTelemetry drop", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// handleTelemetry is step 3-4: consult the intent box and apply the EMS
// decision.
func (state *ControllerActor) handleTelemetry(ctx actor.Context, msg domain.ReadTelemetryResponse) {
	tel := msg.Telemetry
	now := state.curInput.Now
	// If the bus was dark for a while, run one more conservative tick before
	// resuming Import-AC.
	stale := !state.lastGoodRead.IsZero() && now.Sub(state.lastGoodRead) > 3*time.Second
	state.lastGoodRead = now

	input := state.curInput
	if tel.SOCPercent != nil {
		input.SOCPercent = *tel.SOCPercent
	}
	if tel.GridPowerW != nil {
		input.GridW = *tel.GridPowerW
	}
	input.PVTotalW = tel.PVTotalW

	intent := state.intentBox.Load()
	input.FaultSafe = intent.Active
	input.StaleTelemetry = stale
	state.curInput = input

	decision := state.ems.Plan(input)
	state.curDecision = decision

	state.curSample.Mode = modeString(decision, intent)
	state.curSample.Payload = samplePayload(tel, msg.Counters)
	state.curSample.Payload.BiasW = state.ems.CurrentBiasW()

	if len(decision.Writes) == 0 {
		state.publishSample(ctx)
		state.finishTick(ctx)
		return
	}

	PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.modbusActor, domain.ApplyWritesRequest{Writes: decision.Writes}, 6*time.Second),
		func(err error) any {
			return domain.ApplyWritesResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
			}
		})
	state.behavior.BecomeStacked(state.WaitingWrites)
}

func (state *ControllerActor) WaitingWrites(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ApplyWritesResponse:
		state.handleWriteResults(ctx, msg)
		// unwind both stacked states (writes, then telemetry)
		state.behavior.UnbecomeStacked()
		state.finishTick(ctx)
	case controllerTick:
		state.tickMissed = true
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_CONTROLLER, state.consusID),
			Healthy: true,
			State:   "ticking",
		})
	case *actor.Stopping:
		state.exitOnShutdown(ctx)
	default:
		state.logger.Debug("controller@waitingWrites drop", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// handleWriteResults is step 5: advance the ramp baseline only when the
// setpoint write was accepted (or deduped), then report commissioning
// outcomes.
func (state *ControllerActor) handleWriteResults(ctx actor.Context, msg domain.ApplyWritesResponse) {
	if msg.HasResponseError() {
		state.logger.Warn("write batch failed", zap.Error(msg.GetResponseError()))
		state.ems.Commit(state.curInput, state.curDecision, nil)
		state.publishSample(ctx)
		return
	}

	state.ems.Commit(state.curInput, state.curDecision, msg.Results)

	if state.curDecision.Commission {
		var failed []string
		for _, r := range msg.Results {
			if r.Err != nil {
				failed = append(failed, r.Name)
			}
		}
		state.eventStream.Publish(events.CommissioningResultEvent{
			ConsusID: state.consusID,
			OK:       len(failed) == 0,
			Failed:   failed,
		})
	}

	state.publishSample(ctx)
}

// finishTick unwinds to the default state and replays a missed tick once.
func (state *ControllerActor) finishTick(ctx actor.Context) {
	state.behavior.UnbecomeStacked()
	if state.tickMissed {
		state.tickMissed = false
		ctx.Send(ctx.Self(), controllerTick{})
	}
}

func (state *ControllerActor) publishSample(ctx actor.Context) {
	state.eventStream.Publish(events.TelemetryRecordedEvent{Sample: state.curSample})
}

// reconfigureGuardIfChanged pushes write-guard settings updates down to the
// modbus actor when they change.
func (state *ControllerActor) reconfigureGuardIfChanged(ctx actor.Context, cfg domain.WriteGuardSettings) {
	if state.guardCfgKnown && cfg == state.lastGuardCfg {
		return
	}
	if cfg.PerRegMinS > 0 || cfg.GlobalWritesPerS > 0 {
		ctx.Send(state.modbusActor, domain.ReconfigureGuardRequest{Settings: cfg})
	}
	state.lastGuardCfg = cfg
	state.guardCfgKnown = true
}

// exitOnShutdown issues the Import-AC exit sequence best-effort when the loop
// stops while charging.
func (state *ControllerActor) exitOnShutdown(ctx actor.Context) {
	if state.ems.LastMode() != domain.EMSModeImportAC {
		return
	}
	state.logger.Info("shutdown during Import-AC, issuing exit sequence")
	ctx.Send(state.modbusActor, domain.ApplyWritesRequest{Writes: []domain.RegisterWrite{
		{Name: goodwe_modbus.RegEMSPowerSet, Value: 0},
	}})
	ctx.Send(state.modbusActor, domain.ApplyWritesRequest{Writes: []domain.RegisterWrite{
		{Name: goodwe_modbus.RegEMSPowerMode, Value: float64(domain.EMSModeAuto)},
	}})
}

func modeString(decision service.TickDecision, intent domain.FaultSafeIntent) string {
	if intent.Active {
		return "fault_safe"
	}
	switch decision.Mode {
	case domain.EMSModeImportAC:
		return "import_ac"
	default:
		return "auto"
	}
}

func samplePayload(tel *goodwe_modbus.Telemetry, counters goodwe_modbus.GuardCounters) domain.TelemetryPayload {
	return domain.TelemetryPayload{
		SOC:          tel.SOCPercent,
		GridW:        tel.GridPowerW,
		PVTotalW:     tel.PVTotalW,
		PVStringsW:   tel.PVStringsW,
		MPPTsW:       tel.MPPTsW,
		CT2W:         tel.CT2PowerW,
		BatteryV:     tel.BatteryVoltageV,
		BatteryI:     tel.BatteryCurrentA,
		BatteryW:     tel.BatteryPowerW,
		EMSMode:      tel.EMSMode,
		AppMode:      tel.AppMode,
		CommsFaults:  tel.CommsFaults,
		WritesOK:     counters.Ok,
		WritesDedup:  counters.Dedup,
		WritesPerReg: counters.ThrottlePerReg,
		WritesGlobal: counters.ThrottleGlobal,
		WritesError:  counters.Error,
	}
}
