package actor

import (
	"fmt"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/internal/core/events"
	"github.com/consus-energy/lanzone-edge/internal/core/service"
	. "github.com/consus-energy/lanzone-edge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// HealthActor polls one battery's health registers, drives the per-alert
// state machines and publishes transitions. The fault-safe reduction goes to
// the intent box the controller consumes.
type HealthActor struct {
	behavior  actor.Behavior
	scheduler *scheduler.TimerScheduler

	consusID    string
	modbusActor *actor.PID
	monitor     *service.HealthMonitor
	eventStream *eventstream.EventStream
	pollPeriod  time.Duration

	subscription    *eventstream.Subscription
	commissionDrift bool

	// latest telemetry values, attached as context to every alert
	lastSOC   *float64
	lastGridW *float64
	lastPVW   *float64
	lastMode  *float64
	lastBiasW *float64

	logger *zap.Logger
}

type healthTick struct{}

func NewHealthActor(consusID string, modbusActor *actor.PID, intentBox *domain.IntentBox,
	eventStream *eventstream.EventStream, pollPeriod time.Duration, logger *zap.Logger) *HealthActor {
	if pollPeriod <= 0 {
		pollPeriod = time.Second
	}
	act := &HealthActor{
		behavior:    actor.NewBehavior(),
		consusID:    consusID,
		modbusActor: modbusActor,
		monitor:     service.NewHealthMonitor(consusID, intentBox, logger),
		eventStream: eventStream,
		pollPeriod:  pollPeriod,
		logger:      ActorLogger(fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_HEALTH, consusID), logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HealthActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *HealthActor) StartingReceive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("health@starting started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.scheduler.RequestOnce(state.pollPeriod, ctx.Self(), healthTick{})

		// Track this battery's telemetry freshness and commissioning results
		// from the event stream.
		self := ctx.Self()
		system := ctx.ActorSystem()
		consusID := state.consusID
		state.subscription = state.eventStream.Subscribe(func(evt any) {
			switch e := evt.(type) {
			case events.TelemetryRecordedEvent:
				if e.Sample.ConsusID == consusID && e.Sample.Mode != "error" {
					system.Root.Send(self, e)
				}
			case events.CommissioningResultEvent:
				if e.ConsusID == consusID {
					system.Root.Send(self, e)
				}
			}
		})

		state.behavior.Become(state.DefaultReceive)
	case *actor.Restarting:
		state.unsubscribe()
	default:
	}
}

func (state *HealthActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_HEALTH, state.consusID),
			Healthy: true,
			State:   "polling",
		})
	case healthTick:
		state.scheduler.RequestOnce(state.pollPeriod, ctx.Self(), healthTick{})
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.modbusActor, domain.ReadHealthRequest{}, 2*time.Second),
			func(err error) any {
				return domain.ReadHealthResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
				}
			})
	case domain.ReadHealthResponse:
		if msg.HasResponseError() {
			// A transport failure alone neither raises nor clears intents;
			// telemetry staleness keeps aging via RecordTelemetry.
			state.logger.Debug("health sweep failed", zap.Error(msg.GetResponseError()))
			return
		}
		state.evaluate(ctx, msg)
	case events.TelemetryRecordedEvent:
		state.monitor.RecordTelemetry(msg.Sample.Timestamp)
		payload := msg.Sample.Payload
		if payload.SOC != nil {
			state.lastSOC = payload.SOC
		}
		if payload.GridW != nil {
			state.lastGridW = payload.GridW
		}
		pv := payload.PVTotalW
		state.lastPVW = &pv
		if payload.EMSMode != nil {
			state.lastMode = payload.EMSMode
		}
		if payload.BiasW != nil {
			state.lastBiasW = payload.BiasW
		}
	case events.CommissioningResultEvent:
		state.commissionDrift = !msg.OK
	case *actor.Stopping:
		state.unsubscribe()
	default:
		state.logger.Debug("health@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HealthActor) evaluate(ctx actor.Context, msg domain.ReadHealthResponse) {
	now := time.Now()
	alertCtx := domain.AlertContext{
		Mode:  state.lastMode,
		SOC:   state.lastSOC,
		GridW: state.lastGridW,
		PVW:   state.lastPVW,
		BiasW: state.lastBiasW,
	}
	transitions := state.monitor.Evaluate(msg.Health, alertCtx, state.commissionDrift, now)
	for _, ev := range transitions {
		state.eventStream.Publish(events.AlertTransitionEvent{Event: ev})
	}
}

func (state *HealthActor) unsubscribe() {
	if state.subscription != nil {
		state.eventStream.Unsubscribe(state.subscription)
		state.subscription = nil
	}
}
