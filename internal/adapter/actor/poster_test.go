package actor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/internal/core/events"
	"github.com/consus-energy/lanzone-edge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedPost struct {
	path string
	body []byte
}

type captureServer struct {
	mu    sync.Mutex
	posts []capturedPost
	fail  bool
	srv   *httptest.Server
}

func newCaptureServer() *captureServer {
	cs := &captureServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if cs.fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		cs.posts = append(cs.posts, capturedPost{path: r.URL.Path, body: body})
		w.WriteHeader(http.StatusOK)
	}))
	return cs
}

func (cs *captureServer) setFail(fail bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.fail = fail
}

func (cs *captureServer) postsTo(path string) []capturedPost {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []capturedPost
	for _, p := range cs.posts {
		if p.path == path {
			out = append(out, p)
		}
	}
	return out
}

func spawnPoster(t *testing.T, cs *captureServer) (*actor.ActorSystem, *eventstream.EventStream, *actor.PID) {
	t.Helper()
	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	es := &eventstream.EventStream{}
	comms := domain.CommsSettings{
		APIBaseURL: cs.srv.URL,
		BrokerHost: "localhost",
		GroupID:    "lanzone-1",
	}
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewPosterActor(comms, nil, es, logger)
	})
	pid := as.Root.Spawn(props)
	// let the actor subscribe before tests publish
	time.Sleep(100 * time.Millisecond)
	return as, es, pid
}

func sampleFor(consusID string, soc float64, ts time.Time) domain.TelemetrySample {
	return domain.TelemetrySample{
		ConsusID:  consusID,
		Timestamp: ts,
		Mode:      "auto",
		Payload:   domain.TelemetryPayload{SOC: &soc},
	}
}

// CRITICAL alerts are posted immediately with the recent telemetry ring.
func TestPosterCriticalAlertImmediateWithRing(t *testing.T) {
	cs := newCaptureServer()
	defer cs.srv.Close()
	as, es, _ := spawnPoster(t, cs)
	defer as.Shutdown()

	now := time.Now()
	es.Publish(events.TelemetryRecordedEvent{Sample: sampleFor("bat-1", 50, now.Add(-2*time.Second))})
	es.Publish(events.TelemetryRecordedEvent{Sample: sampleFor("bat-1", 51, now.Add(-time.Second))})
	es.Publish(events.AlertTransitionEvent{Event: domain.AlertEvent{
		SiteID:   "bat-1",
		ConsusID: "bat-1",
		TS:       now,
		Severity: domain.SeverityCritical,
		Code:     "BMS_ALARM",
		State:    domain.AlertStateActive,
		EventID:  "evt-1",
		Count:    1,
	}})

	require.Eventually(t, func() bool {
		return len(cs.postsTo("/blob/health")) == 1
	}, 3*time.Second, 50*time.Millisecond)

	var posted []domain.AlertEvent
	require.NoError(t, json.Unmarshal(cs.postsTo("/blob/health")[0].body, &posted))
	require.Len(t, posted, 1)
	assert.Equal(t, "BMS_ALARM", posted[0].Code)
	assert.Len(t, posted[0].RecentTelemetry, 2)

	// telemetry is still batched, not posted per sample
	assert.Empty(t, cs.postsTo("/blob/ingest"))
}

// WARNING alerts wait for the batch flush rather than posting immediately.
func TestPosterWarningAlertsAreBatched(t *testing.T) {
	cs := newCaptureServer()
	defer cs.srv.Close()
	as, es, pid := spawnPoster(t, cs)
	defer as.Shutdown()

	es.Publish(events.AlertTransitionEvent{Event: domain.AlertEvent{
		ConsusID: "bat-1",
		Severity: domain.SeverityWarning,
		Code:     "BMS_WARNING",
		State:    domain.AlertStateActive,
	}})
	es.Publish(events.AlertTransitionEvent{Event: domain.AlertEvent{
		ConsusID: "bat-1",
		Severity: domain.SeverityInfo,
		Code:     "SOC_CROSSCHECK_DRIFT",
		State:    domain.AlertStateActive,
	}})

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, cs.postsTo("/blob/health"))

	// drive the flush directly instead of waiting 45 s
	as.Root.Send(pid, alertFlushTick{})

	require.Eventually(t, func() bool {
		return len(cs.postsTo("/blob/health")) == 1
	}, 3*time.Second, 50*time.Millisecond)

	var posted []domain.AlertEvent
	require.NoError(t, json.Unmarshal(cs.postsTo("/blob/health")[0].body, &posted))
	assert.Len(t, posted, 2)
}

// Telemetry accumulates until a flush tick posts the whole batch in order.
func TestPosterTelemetryBatchFlush(t *testing.T) {
	cs := newCaptureServer()
	defer cs.srv.Close()
	as, es, pid := spawnPoster(t, cs)
	defer as.Shutdown()

	now := time.Now()
	for i := 0; i < 5; i++ {
		es.Publish(events.TelemetryRecordedEvent{Sample: sampleFor("bat-1", float64(50+i), now.Add(time.Duration(i)*time.Second))})
	}
	time.Sleep(200 * time.Millisecond)
	as.Root.Send(pid, telemetryFlushTick{})

	require.Eventually(t, func() bool {
		return len(cs.postsTo("/blob/ingest")) == 1
	}, 3*time.Second, 50*time.Millisecond)

	var posted []domain.TelemetrySample
	require.NoError(t, json.Unmarshal(cs.postsTo("/blob/ingest")[0].body, &posted))
	require.Len(t, posted, 5)
	for i := 1; i < len(posted); i++ {
		assert.True(t, posted[i].Timestamp.After(posted[i-1].Timestamp), "per-battery order preserved")
	}
}

// Failed posts retain the batch in memory; the next flush delivers it.
func TestPosterRetainsBatchOnFailure(t *testing.T) {
	cs := newCaptureServer()
	defer cs.srv.Close()
	as, es, pid := spawnPoster(t, cs)
	defer as.Shutdown()

	cs.setFail(true)
	es.Publish(events.TelemetryRecordedEvent{Sample: sampleFor("bat-1", 50, time.Now())})
	time.Sleep(200 * time.Millisecond)
	as.Root.Send(pid, telemetryFlushTick{})
	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, cs.postsTo("/blob/ingest"))

	cs.setFail(false)
	as.Root.Send(pid, telemetryFlushTick{})

	require.Eventually(t, func() bool {
		return len(cs.postsTo("/blob/ingest")) == 1
	}, 3*time.Second, 50*time.Millisecond)

	var posted []domain.TelemetrySample
	require.NoError(t, json.Unmarshal(cs.postsTo("/blob/ingest")[0].body, &posted))
	assert.Len(t, posted, 1)
}
