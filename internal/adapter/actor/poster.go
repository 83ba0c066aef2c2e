package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/internal/core/edgestate"
	"github.com/consus-energy/lanzone-edge/internal/core/events"
	"github.com/consus-energy/lanzone-edge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

const (
	telemetryFlushInterval = 10 * time.Second
	alertFlushInterval     = 45 * time.Second
	telemetryFlushSize     = 32
	telemetryRetainCap     = 1024
	alertRetainCap         = 256
	recentRingSpan         = 10 * time.Second
	recentRingCap          = 64
	postTimeout            = 5 * time.Second
)

// PosterActor drains telemetry and alert queues toward the backend.
// Telemetry and WARNING/INFO alerts batch on quartz-scheduled flush ticks;
// CRITICAL alerts post immediately with the recent-telemetry ring attached.
// Failed posts are retained in-memory up to a cap with oldest-first eviction.
type PosterActor struct {
	comms       domain.CommsSettings
	store       *edgestate.Store
	eventStream *eventstream.EventStream
	behavior    actor.Behavior
	stash       *actorutil.Stash
	logger      *zap.Logger

	httpClient   *http.Client
	scheduler    quartz.Scheduler
	cancelSched  context.CancelFunc
	subscription *eventstream.Subscription

	telemetry []domain.TelemetrySample
	alerts    []domain.AlertEvent
	recent    []domain.TelemetrySample

	evictedTelemetry uint64
	evictedAlerts    uint64
}

type telemetryFlushTick struct{}

type alertFlushTick struct{}

type postResult struct {
	kind    string
	batch   int
	err     error
	retainT []domain.TelemetrySample
	retainA []domain.AlertEvent
}

func NewPosterActor(comms domain.CommsSettings, store *edgestate.Store, eventStream *eventstream.EventStream, logger *zap.Logger) *PosterActor {
	act := &PosterActor{
		comms:       comms,
		store:       store,
		eventStream: eventStream,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_POSTER, logger),
		httpClient:  &http.Client{Timeout: postTimeout},
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *PosterActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *PosterActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("poster@starting started")

		self := ctx.Self()
		system := ctx.ActorSystem()
		state.subscription = state.eventStream.Subscribe(func(evt any) {
			switch evt.(type) {
			case events.TelemetryRecordedEvent, events.AlertTransitionEvent, events.CommissioningResultEvent:
				system.Root.Send(self, evt)
			}
		})

		if err := state.startScheduler(system, self); err != nil {
			panic(err)
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.stop()
	default:
		state.stash.Stash(ctx, msg)
	}
}

// startScheduler installs the two quartz flush jobs that drive the queues.
func (state *PosterActor) startScheduler(system *actor.ActorSystem, self *actor.PID) error {
	schedCtx, cancel := context.WithCancel(context.Background())
	state.cancelSched = cancel
	state.scheduler = quartz.NewStdScheduler()
	state.scheduler.Start(schedCtx)

	telemetryJob := job.NewFunctionJob(func(context.Context) (bool, error) {
		system.Root.Send(self, telemetryFlushTick{})
		return true, nil
	})
	alertJob := job.NewFunctionJob(func(context.Context) (bool, error) {
		system.Root.Send(self, alertFlushTick{})
		return true, nil
	})

	if err := state.scheduler.ScheduleJob(
		quartz.NewJobDetail(telemetryJob, quartz.NewJobKey("telemetry_flush")),
		quartz.NewSimpleTrigger(telemetryFlushInterval)); err != nil {
		return err
	}
	return state.scheduler.ScheduleJob(
		quartz.NewJobDetail(alertJob, quartz.NewJobKey("alert_flush")),
		quartz.NewSimpleTrigger(alertFlushInterval))
}

func (state *PosterActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_POSTER,
			Healthy: true,
			State:   "idle",
		})
	case events.TelemetryRecordedEvent:
		state.enqueueTelemetry(msg.Sample)
		if len(state.telemetry) >= telemetryFlushSize {
			state.flushTelemetry(ctx)
		}
	case events.AlertTransitionEvent:
		if msg.Critical() {
			state.postCritical(ctx, msg.Event)
		} else {
			state.enqueueAlert(msg.Event)
		}
	case events.CommissioningResultEvent:
		if !msg.OK {
			state.logger.Warn("commissioning incomplete",
				zap.String("consus_id", msg.ConsusID), zap.Strings("failed", msg.Failed))
		}
	case telemetryFlushTick:
		state.flushTelemetry(ctx)
	case alertFlushTick:
		state.flushAlerts(ctx)
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("poster@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// WaitingPost serializes HTTP posts so per-battery sample order is preserved
// end to end. Everything else queues up in the stash meanwhile.
func (state *PosterActor) WaitingPost(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case postResult:
		if msg.err != nil {
			state.logger.Warn("backend post failed, retaining batch",
				zap.String("kind", msg.kind), zap.Int("batch", msg.batch), zap.Error(msg.err))
			state.retain(msg)
		} else {
			state.logger.Debug("backend post ok",
				zap.String("kind", msg.kind), zap.Int("batch", msg.batch))
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case *actor.Stopping:
		state.stop()
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *PosterActor) enqueueTelemetry(sample domain.TelemetrySample) {
	state.telemetry = append(state.telemetry, sample)
	if len(state.telemetry) > telemetryRetainCap {
		drop := len(state.telemetry) - telemetryRetainCap
		state.telemetry = state.telemetry[drop:]
		state.evictedTelemetry += uint64(drop)
	}

	// recent ring for CRITICAL context: keep ~10 s of samples
	state.recent = append(state.recent, sample)
	cutoff := sample.Timestamp.Add(-recentRingSpan)
	for len(state.recent) > 0 && (state.recent[0].Timestamp.Before(cutoff) || len(state.recent) > recentRingCap) {
		state.recent = state.recent[1:]
	}
}

func (state *PosterActor) enqueueAlert(event domain.AlertEvent) {
	state.alerts = append(state.alerts, event)
	if len(state.alerts) > alertRetainCap {
		drop := len(state.alerts) - alertRetainCap
		state.alerts = state.alerts[drop:]
		state.evictedAlerts += uint64(drop)
	}
}

func (state *PosterActor) flushTelemetry(ctx actor.Context) {
	if len(state.telemetry) == 0 {
		return
	}
	batch := state.telemetry
	state.telemetry = nil
	url := state.ingestURL()
	state.post(ctx, "telemetry", url, batch, len(batch), postResult{
		kind: "telemetry", batch: len(batch), retainT: batch,
	})
}

func (state *PosterActor) flushAlerts(ctx actor.Context) {
	if len(state.alerts) == 0 {
		return
	}
	batch := state.alerts
	state.alerts = nil
	url := state.healthURL()
	state.post(ctx, "alerts", url, batch, len(batch), postResult{
		kind: "alerts", batch: len(batch), retainA: batch,
	})
}

// postCritical delivers one CRITICAL alert immediately with the recent
// telemetry ring attached.
func (state *PosterActor) postCritical(ctx actor.Context, event domain.AlertEvent) {
	ring := make([]domain.RecentTelemetry, 0, len(state.recent))
	for _, s := range state.recent {
		ring = append(ring, domain.RecentTelemetry{
			TS:    s.Timestamp,
			SOC:   s.Payload.SOC,
			GridW: s.Payload.GridW,
			PVW:   &s.Payload.PVTotalW,
			Mode:  s.Mode,
			BiasW: s.Payload.BiasW,
		})
	}
	event.RecentTelemetry = ring
	url := state.healthURL()
	state.post(ctx, "critical", url, []domain.AlertEvent{event}, 1, postResult{
		kind: "critical", batch: 1, retainA: []domain.AlertEvent{event},
	})
}

// post runs one HTTP POST as a background task and parks the actor in
// WaitingPost until the result arrives.
func (state *PosterActor) post(ctx actor.Context, kind, url string, body any, batch int, onFail postResult) {
	httpClient := state.httpClient
	actorutil.NewBackgroundTaskNoError(ctx, func() *postResult {
		err := postJSON(httpClient, url, body)
		if err == nil {
			return &postResult{kind: kind, batch: batch}
		}
		r := onFail
		r.err = err
		return &r
	}).WithTimeout(postTimeout + time.Second).PipeTo(ctx.Self())
	state.behavior.BecomeStacked(state.WaitingPost)
}

// retain puts a failed batch back at the head of its queue, bounded by the
// retention caps.
func (state *PosterActor) retain(r postResult) {
	if len(r.retainT) > 0 {
		state.telemetry = append(r.retainT, state.telemetry...)
		if len(state.telemetry) > telemetryRetainCap {
			drop := len(state.telemetry) - telemetryRetainCap
			state.telemetry = state.telemetry[drop:]
			state.evictedTelemetry += uint64(drop)
		}
	}
	if len(r.retainA) > 0 {
		state.alerts = append(r.retainA, state.alerts...)
		if len(state.alerts) > alertRetainCap {
			drop := len(state.alerts) - alertRetainCap
			state.alerts = state.alerts[drop:]
			state.evictedAlerts += uint64(drop)
		}
	}
}

// ingestURL prefers hot settings endpoints, falling back to bootstrap comms.
func (state *PosterActor) ingestURL() string {
	if state.store != nil {
		if url := state.store.Snapshot().Settings.Endpoints.IngestURL; url != "" {
			return url
		}
	}
	return state.comms.IngestURL()
}

func (state *PosterActor) healthURL() string {
	if state.store != nil {
		if url := state.store.Snapshot().Settings.Endpoints.HealthURL; url != "" {
			return url
		}
	}
	return state.comms.HealthURL()
}

func (state *PosterActor) stop() {
	if state.subscription != nil {
		state.eventStream.Unsubscribe(state.subscription)
		state.subscription = nil
	}
	if state.cancelSched != nil {
		state.cancelSched()
		state.cancelSched = nil
	}
}

func postJSON(client *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return nil
}
