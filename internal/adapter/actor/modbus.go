package actor

import (
	"fmt"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/internal/util/actorutil"
	"github.com/consus-energy/lanzone-edge/pkg/goodwe_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// ModbusActor owns the field-bus transport to one battery unit. All bus I/O
// runs as background tasks so the actor stays responsive; requests are
// serialized through the WaitingModbus state, which keeps the transport
// single-user as the device requires.
type ModbusActor struct {
	behavior actor.Behavior
	stash    *actorutil.Stash
	device   goodwe_modbus.Device
	guard    *goodwe_modbus.WriteGuard
	consusID string
	logger   *zap.Logger
}

type backgroundTaskResult struct {
	message any
	replyTo *actor.PID
}

func NewModbusActor(consusID string, device goodwe_modbus.Device, guard *goodwe_modbus.WriteGuard, logger *zap.Logger) *ModbusActor {
	act := &ModbusActor{
		device:   device,
		guard:    guard,
		consusID: consusID,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger(fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_MODBUS, consusID), logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *ModbusActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *ModbusActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("modbus@starting started")
		if err := state.device.Open(); err != nil {
			panic(err)
		}
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.device.Close()
	default:
		state.logger.Debug("modbus@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *ModbusActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("modbus@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_MODBUS, state.consusID),
			Healthy: true,
			State:   "idle",
		})
	case domain.ReadTelemetryRequest:
		state.logger.Debug("modbus@default: ReadTelemetryRequest")
		sender := ctx.Sender()
		pv := msg.PVEnabled
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.ReadTelemetryResponse, error) {
			return state.readTelemetry(pv)
		}), mapTaskResult[domain.ReadTelemetryResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.ReadTelemetryResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
				},
				replyTo: sender,
			}
		}).WithTimeout(2 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingModbus)
	case domain.ReadHealthRequest:
		state.logger.Debug("modbus@default: ReadHealthRequest")
		sender := ctx.Sender()
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, state.readHealth),
			mapTaskResult[domain.ReadHealthResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.ReadHealthResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
				},
				replyTo: sender,
			}
		}).WithTimeout(2 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingModbus)
	case domain.ApplyWritesRequest:
		state.logger.Debug("modbus@default: ApplyWritesRequest", zap.Int("writes", len(msg.Writes)))
		sender := ctx.Sender()
		writes := msg.Writes
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTaskNoError(ctx, func() *domain.ApplyWritesResponse {
			r := state.applyWrites(writes)
			return &r
		}), mapTaskResult[domain.ApplyWritesResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.ApplyWritesResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
				},
				replyTo: sender,
			}
		}).WithTimeout(5 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingModbus)
	case domain.ReconfigureGuardRequest:
		if state.guard != nil {
			state.guard.Reconfigure(goodwe_modbus.GuardConfig{
				PerRegisterMinInterval: time.Duration(msg.Settings.PerRegMinS * float64(time.Second)),
				GlobalWritesPerSecond:  msg.Settings.GlobalWritesPerS,
			})
			state.logger.Info("write guard reconfigured",
				zap.Float64("per_reg_min_s", msg.Settings.PerRegMinS),
				zap.Float64("global_writes_per_s", msg.Settings.GlobalWritesPerS))
		}
	case *actor.Stopping:
		state.device.Close()
	default:
		state.logger.Debug("modbus@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *ModbusActor) WaitingModbus(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backgroundTaskResult:
		state.logger.Debug("modbus@waiting backgroundTaskResult", zap.String("type", fmt.Sprintf("%T", msg.message)))
		ctx.Send(msg.replyTo, msg.message)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case *actor.Stopping:
		state.device.Close()
	default:
		state.logger.Debug("modbus@waiting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (a *ModbusActor) readTelemetry(pv bool) (*domain.ReadTelemetryResponse, error) {
	tel, err := goodwe_modbus.ReadTelemetry(a.device, pv)
	if err != nil {
		return nil, err
	}
	return &domain.ReadTelemetryResponse{
		Telemetry: tel,
		Counters:  a.device.GuardCounters(),
	}, nil
}

func (a *ModbusActor) readHealth() (*domain.ReadHealthResponse, error) {
	health, err := goodwe_modbus.ReadHealth(a.device)
	if err != nil {
		return nil, err
	}
	return &domain.ReadHealthResponse{Health: health}, nil
}

// applyWrites submits each write through the guard in order. Every write gets
// an explicit result; a bus error is recorded and does not abort the batch.
func (a *ModbusActor) applyWrites(writes []domain.RegisterWrite) domain.ApplyWritesResponse {
	results := make([]domain.WriteResult, 0, len(writes))
	for _, w := range writes {
		outcome, err := a.device.WriteByName(w.Name, w.Value)
		if err != nil {
			a.logger.Warn("register write failed", zap.String("register", w.Name), zap.Error(err))
		}
		results = append(results, domain.WriteResult{
			Name:    w.Name,
			Value:   w.Value,
			Outcome: outcome,
			Err:     err,
		})
	}
	return domain.ApplyWritesResponse{Results: results}
}

func mapTaskResult[T any](sender *actor.PID) func(t *T) *backgroundTaskResult {
	return func(t *T) *backgroundTaskResult {
		return &backgroundTaskResult{
			message: *t,
			replyTo: sender,
		}
	}
}
