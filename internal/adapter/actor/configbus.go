package actor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/internal/core/edgestate"
	"github.com/consus-energy/lanzone-edge/internal/mqtt"
	"github.com/consus-energy/lanzone-edge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ConfigBusActor subscribes to the lanzone updates topic and is the single
// writer of the edge state store. Operational messages (battery add/remove,
// modbus validation) are forwarded to the master actor.
type ConfigBusActor struct {
	comms    domain.CommsSettings
	store    *edgestate.Store
	master   *actor.PID
	behavior actor.Behavior
	stash    *actorutil.Stash
	client   *mqtt.Client
	logger   *zap.Logger
}

type busConnected struct{}

type busSubscribed struct{}

type busConnectionLost struct {
	Error error
}

type rawUpdate struct {
	topic   string
	payload []byte
}

// operationalMessage is the original push-command shape carried on the same
// topic: {"type": ..., "consus_id": ..., "data": ...}.
type operationalMessage struct {
	Type     string          `json:"type"`
	ConsusID string          `json:"consus_id"`
	Data     json.RawMessage `json:"data"`
}

func NewConfigBusActor(comms domain.CommsSettings, store *edgestate.Store, master *actor.PID, logger *zap.Logger) *ConfigBusActor {
	act := &ConfigBusActor{
		comms:    comms,
		store:    store,
		master:   master,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_CONFIG_BUS, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *ConfigBusActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *ConfigBusActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("configbus@starting started")

		state.client = mqtt.CreateClient(state.comms, mqtt.OptsFromComms(state.comms), nil,
			func(_ pahomqtt.Client, err error) {
				ctx.Send(ctx.Self(), busConnectionLost{Error: err})
			})

		state.client.Connect(func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), busConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), busConnected{})
			}
		}, 10*time.Second)

	case busConnected:
		state.logger.Debug("configbus@starting connected")
		state.client.SubscribeToUpdates(func(_ pahomqtt.Client, m pahomqtt.Message) {
			payload := make([]byte, len(m.Payload()))
			copy(payload, m.Payload())
			ctx.Send(ctx.Self(), rawUpdate{topic: m.Topic(), payload: payload})
		}, func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), busConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), busSubscribed{})
			}
		}, 1*time.Second)

	case busSubscribed:
		state.logger.Info("configbus subscribed", zap.String("topic", state.client.UpdatesTopic()))
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)

	case busConnectionLost:
		state.logger.Error("configbus@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)

	case *actor.Restarting:
		state.stop()

	default:
		state.logger.Debug("configbus@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *ConfigBusActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_CONFIG_BUS,
			Healthy: state.client != nil && state.client.Connected(),
			State:   "subscribed",
		})
	case rawUpdate:
		state.handleUpdate(ctx, msg)
	case busConnectionLost:
		state.logger.Error("configbus connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("configbus@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// handleUpdate applies one bus document. Documents with a "type" field are
// operational commands; everything else is a whole-document state update.
func (state *ConfigBusActor) handleUpdate(ctx actor.Context, msg rawUpdate) {
	var op operationalMessage
	if err := json.Unmarshal(msg.payload, &op); err == nil && op.Type != "" {
		state.handleOperational(ctx, op)
		return
	}

	if err := state.store.ApplyUpdate(msg.payload); err != nil {
		state.logger.Warn("rejected config update", zap.Error(err))
		return
	}
	state.logger.Debug("applied config update", zap.Int("bytes", len(msg.payload)))
}

func (state *ConfigBusActor) handleOperational(ctx actor.Context, op operationalMessage) {
	switch op.Type {
	case "task":
		var task *domain.EdgeTask
		if len(op.Data) > 0 && string(op.Data) != "null" {
			task = &domain.EdgeTask{}
			if err := json.Unmarshal(op.Data, task); err != nil {
				state.logger.Warn("rejected task push", zap.Error(err))
				return
			}
		}
		state.store.ApplyTask(op.ConsusID, task)

	case "battery_config", "battery_add":
		var cfg domain.EdgeBatteryConfig
		if err := json.Unmarshal(op.Data, &cfg); err != nil {
			state.logger.Warn("rejected battery config push", zap.Error(err))
			return
		}
		if cfg.ConsusID == "" {
			cfg.ConsusID = op.ConsusID
		}
		if err := state.store.UpdateBattery(cfg); err != nil {
			state.logger.Warn("rejected battery config push", zap.Error(err))
			return
		}
		if op.Type == "battery_add" {
			ctx.Send(state.master, domain.BatteryAdded{Config: cfg})
		}

	case "battery_remove":
		state.store.RemoveBattery(op.ConsusID)
		ctx.Send(state.master, domain.BatteryRemoved{ConsusID: op.ConsusID})

	case "test_modbus":
		ctx.Send(state.master, domain.ValidateModbusRequest{ConsusID: op.ConsusID})

	case "settings":
		var settings domain.Settings
		if err := json.Unmarshal(op.Data, &settings); err != nil {
			state.logger.Warn("rejected settings push", zap.Error(err))
			return
		}
		if err := state.store.Apply(edgestate.UpdateDocument{Settings: &settings}); err != nil {
			state.logger.Warn("rejected settings push", zap.Error(err))
		}

	default:
		state.logger.Warn("unknown bus message type", zap.String("type", op.Type))
	}
}

func (state *ConfigBusActor) stop() {
	if state.client != nil {
		state.client.Disconnect(500 * time.Millisecond)
	}
}
