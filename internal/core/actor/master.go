package actor

import (
	"fmt"
	"log"
	"time"

	adactor "github.com/consus-energy/lanzone-edge/internal/adapter/actor"
	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/internal/core/edgestate"
	. "github.com/consus-energy/lanzone-edge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type ModbusActorProvider func(cfg domain.EdgeBatteryConfig) (*adactor.ModbusActor, error)

type PosterActorProvider func(es *eventstream.EventStream) *adactor.PosterActor

type ConfigBusActorProvider func(master *actor.PID) *adactor.ConfigBusActor

// batteryRefs are the three children run per battery unit.
type batteryRefs struct {
	modbus     *actor.PID
	controller *actor.PID
	health     *actor.PID
	intentBox  *domain.IntentBox
}

// MasterOfPuppetsActor supervises the whole edge: the config-bus listener,
// the backend poster and a modbus/controller/health trio per battery.
type MasterOfPuppetsActor struct {
	behavior actor.Behavior
	stash    *Stash

	store       *edgestate.Store
	eventStream *eventstream.EventStream
	tickPeriod  time.Duration

	modbusProvider    ModbusActorProvider
	posterProvider    PosterActorProvider
	configBusProvider ConfigBusActorProvider

	posterActor    *actor.PID
	configBusActor *actor.PID
	batteries      map[string]*batteryRefs

	currentHealthCheck healthCheckResult
	logger             *zap.Logger
}

type healthCheckResult struct {
	expected  int
	received  int
	unhealthy int
	respondTo *actor.PID
}

func NewMasterOfPuppetsActor(store *edgestate.Store, tickPeriod time.Duration,
	modbusProvider ModbusActorProvider, posterProvider PosterActorProvider,
	configBusProvider ConfigBusActorProvider, logger *zap.Logger) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		behavior:          actor.NewBehavior(),
		stash:             &Stash{},
		store:             store,
		eventStream:       &eventstream.EventStream{},
		tickPeriod:        tickPeriod,
		modbusProvider:    modbusProvider,
		posterProvider:    posterProvider,
		configBusProvider: configBusProvider,
		batteries:         map[string]*batteryRefs{},
		logger:            ActorLogger(domain.ACTOR_ID_MASTER, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		posterPID, err := state.startPosterActor(ctx)
		if err != nil {
			panic(err)
		}
		state.posterActor = posterPID

		configBusPID, err := state.startConfigBusActor(ctx)
		if err != nil {
			panic(err)
		}
		state.configBusActor = configBusPID

		// one modbus/controller/health trio per configured battery
		for id, cfg := range state.store.Snapshot().BatteryConfigs {
			if err := state.startBattery(ctx, cfg); err != nil {
				state.logger.Error("failed to start battery", zap.String("consus_id", id), zap.Error(err))
			}
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.beginHealthCheck(ctx)
	case domain.BatteryAdded:
		state.logger.Info("battery added", zap.String("consus_id", msg.Config.ConsusID))
		if _, exists := state.batteries[msg.Config.ConsusID]; exists {
			return
		}
		if err := state.startBattery(ctx, msg.Config); err != nil {
			state.logger.Error("failed to start battery",
				zap.String("consus_id", msg.Config.ConsusID), zap.Error(err))
		}
	case domain.BatteryRemoved:
		state.logger.Info("battery removed", zap.String("consus_id", msg.ConsusID))
		state.stopBattery(ctx, msg.ConsusID)
	case domain.ValidateModbusRequest:
		state.logger.Info("validate-modbus requested", zap.String("consus_id", msg.ConsusID))
		for id, refs := range state.batteries {
			if msg.ConsusID == "" || msg.ConsusID == id {
				ctx.Send(refs.controller, msg)
			}
		}
		if ctx.Sender() != nil {
			ctx.Respond(domain.ValidateModbusResponse{OK: true})
		}
	case *actor.Terminated:
		state.logger.Warn("child terminated", zap.String("who", msg.Who.GetId()))
	default:
		state.logger.Debug("master@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// beginHealthCheck fans an ActorHealthRequest out to the poster, the
// config-bus actor and every battery's controller, and aggregates the
// responses with a timeout.
func (state *MasterOfPuppetsActor) beginHealthCheck(ctx actor.Context) {
	state.currentHealthCheck = healthCheckResult{
		expected:  2 + len(state.batteries),
		respondTo: ctx.Sender(),
	}

	targets := []*actor.PID{state.posterActor, state.configBusActor}
	for _, refs := range state.batteries {
		targets = append(targets, refs.controller)
	}
	for _, pid := range targets {
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{Healthy: false}
		})
	}

	ctx.SetReceiveTimeout(1 * time.Second)
	state.behavior.BecomeStacked(state.HealthCheckReceive)
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		ctx.SetReceiveTimeout(0)
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse",
			zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.received++
		if !msg.Healthy {
			state.currentHealthCheck.unhealthy++
		}
		if state.currentHealthCheck.received >= state.currentHealthCheck.expected {
			ctx.SetReceiveTimeout(0)
			state.currentHealthCheck.respond(ctx)
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) startBattery(ctx actor.Context, cfg domain.EdgeBatteryConfig) error {
	consusID := cfg.ConsusID

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)
	modbusProps := actor.PropsFromProducer(func() actor.Actor {
		act, err := state.modbusProvider(cfg)
		if err != nil {
			panic(err)
		}
		return act
	}, actor.WithSupervisor(supervisor))
	modbusPID, err := ctx.SpawnNamed(modbusProps, fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_MODBUS, consusID))
	if err != nil {
		return err
	}

	intentBox := &domain.IntentBox{}

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	oneForOne := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	controllerProps := actor.PropsFromProducer(func() actor.Actor {
		return NewControllerActor(consusID, state.store, modbusPID, intentBox, state.eventStream, state.tickPeriod, state.logger)
	}, actor.WithSupervisor(oneForOne))
	controllerPID, err := ctx.SpawnNamed(controllerProps, fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_CONTROLLER, consusID))
	if err != nil {
		return err
	}

	healthProps := actor.PropsFromProducer(func() actor.Actor {
		return NewHealthActor(consusID, modbusPID, intentBox, state.eventStream, state.tickPeriod, state.logger)
	}, actor.WithSupervisor(oneForOne))
	healthPID, err := ctx.SpawnNamed(healthProps, fmt.Sprintf("%s-%s", domain.ACTOR_PREFIX_HEALTH, consusID))
	if err != nil {
		return err
	}

	state.batteries[consusID] = &batteryRefs{
		modbus:     modbusPID,
		controller: controllerPID,
		health:     healthPID,
		intentBox:  intentBox,
	}
	return nil
}

func (state *MasterOfPuppetsActor) stopBattery(ctx actor.Context, consusID string) {
	refs, ok := state.batteries[consusID]
	if !ok {
		return
	}
	ctx.Stop(refs.controller)
	ctx.Stop(refs.health)
	ctx.Stop(refs.modbus)
	delete(state.batteries, consusID)
}

func (state *MasterOfPuppetsActor) startPosterActor(ctx actor.Context) (*actor.PID, error) {
	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)
	props := actor.PropsFromProducer(func() actor.Actor {
		return state.posterProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_POSTER)
}

func (state *MasterOfPuppetsActor) startConfigBusActor(ctx actor.Context) (*actor.PID, error) {
	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)
	self := ctx.Self()
	props := actor.PropsFromProducer(func() actor.Actor {
		return state.configBusProvider(self)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_CONFIG_BUS)
}

func (r *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: r.received >= r.expected && r.unhealthy == 0,
	}
	if r.respondTo != nil {
		ctx.Send(r.respondTo, resp)
	}
}
