package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	adactor "github.com/berfenger/furi/internal/adapter/actor"
	"github.com/berfenger/furi/internal/adapter/store"
	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/mqtt"
	"github.com/berfenger/furi/internal/util"
	"github.com/berfenger/furi/internal/util/actorutil"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPresser struct {
	mu      sync.Mutex
	presses []domain.PressControlCommand
}

func (p *recordingPresser) PressControl(_ context.Context, deviceID, controlID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presses = append(p.presses, domain.PressControlCommand{DeviceID: deviceID, ControlID: controlID})
	return nil
}

func (p *recordingPresser) snapshot() []domain.PressControlCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.PressControlCommand(nil), p.presses...)
}

type countingWriter struct {
	mu     sync.Mutex
	values []string
}

func (w *countingWriter) WriteSensorValue(_, _ int64, value string, _ time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values = append(w.values, value)
}

func (w *countingWriter) Flush() {}

func (w *countingWriter) Close() error { return nil }

func (w *countingWriter) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.values...)
}

func TestMasterActor(t *testing.T) {

	cfg := util.LoadTestConfig()
	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	es := &eventstream.EventStream{}
	presser := &recordingPresser{}
	writer := &countingWriter{}
	memStore := store.NewMemoryStore()
	offline := &countingScheduler{}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterOfPuppetsActor(MasterConfig{
			EventStream: es,
			Presser:     presser,
			PresenceProvider: func() *PresenceActor {
				return NewPresenceActor(memStore, offline, 0, logger)
			},
			MQTTProvider: func() *adactor.MQTTActor {
				return adactor.NewTestMQTTActor(&cfg, logger)
			},
			TSDBProvider: func() *adactor.TSDBActor {
				return adactor.NewTSDBActor(writer, logger)
			},
		}, logger)
	})
	pid, err := context.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	require.NoError(t, err)

	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	healthResp, ok := res.(domain.ActorHealthResponse)
	require.True(t, ok)
	assert.True(t, healthResp.Healthy, "healthy is true")
	assert.Equal(t, domain.ACTOR_ID_MASTER, healthResp.Id)

	// sensor values reach the time series writer through the event stream
	es.Publish(domain.DeviceEvent{DeviceID: 42, Envelope: furitype.SensorValueEvent{SensorID: 1, Value: "21.5"}})
	es.Publish(domain.DeviceEvent{DeviceID: 42, Envelope: furitype.ControlPressEvent{ControlID: 7, Press: true}})
	assert.Eventually(t, func() bool {
		return len(writer.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"21.5"}, writer.snapshot())

	// press commands parsed by the MQTT bridge end up at the presser
	context.Send(pid, adactor.ParsedCommand{Command: &mqtt.ParsedMQTTCommand{DeviceId: 42, ControlId: 7, Command: "press"}})
	assert.Eventually(t, func() bool {
		return len(presser.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.PressControlCommand{{DeviceID: 42, ControlID: 7}}, presser.snapshot())

	_ = context.StopFuture(pid).Wait()

	as.Shutdown()
}

func TestMasterActorReportsUnresponsiveChild(t *testing.T) {
	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	// an actor that never answers health requests
	silent := context.Spawn(actor.PropsFromFunc(func(actor.Context) {}))

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterOfPuppetsActor(MasterConfig{OfflineActor: silent}, logger)
	})
	pid := context.Spawn(props)

	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	healthResp := res.(domain.ActorHealthResponse)
	assert.False(t, healthResp.Healthy)
	assert.Equal(t, "unhealthy: "+domain.ACTOR_ID_OFFLINE, healthResp.State)

	as.Shutdown()
}
