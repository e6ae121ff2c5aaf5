package actor

import (
	"testing"
	"time"

	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/mqtt"
	"github.com/berfenger/furi/internal/util"
	"github.com/berfenger/furi/internal/util/actorutil"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMQTTActor(t *testing.T) {

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, logger) })
	pid := context.Spawn(props)

	result, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, resp.Healthy)
	assert.Equal(t, domain.ACTOR_ID_MQTT, resp.Id)

	context.Send(pid, domain.PublishDeviceEventRequest{Event: domain.DeviceEvent{
		DeviceID: 42,
		Envelope: furitype.SensorValueEvent{SensorID: 1, Value: "21.5"},
	}})

	result, err = context.RequestFuture(pid, domain.PublishMessageRequest{Topic: "furi/test", Payload: "x"}, 2*time.Second).Result()
	require.NoError(t, err)
	_, ok = result.(domain.PublishMessageResponse)
	assert.True(t, ok)

	_ = context.StopFuture(pid).Wait()

	as.Shutdown()
}

func TestDeviceEventToMQTTMessages(t *testing.T) {
	cfg := util.LoadTestConfig()
	act := NewTestMQTTActor(&cfg, zap.NewNop())
	act.client = mqtt.CreateMQTTClient(&cfg, mqtt.OptsFromConfig(&cfg), nil, nil)

	msgs := act.event2MQTTMessages(domain.DeviceEvent{
		DeviceID: 42,
		Envelope: furitype.ControlPressEvent{ControlID: 7, Press: true},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, "furi/device/42/event", msgs[0].topic)
	assert.Equal(t, `{"type":"control","subtype":"press","cid":7,"press":true}`, msgs[0].message)
	assert.Equal(t, "furi/device/42/control/7/state", msgs[1].topic)
	assert.Equal(t, mqtt.MQTT_PAYLOAD_ON, msgs[1].message)
	assert.True(t, msgs[1].retain)

	msgs = act.event2MQTTMessages(domain.DeviceEvent{DeviceID: 42, Envelope: furitype.OfflineEvent{}})
	require.Len(t, msgs, 2)
	assert.Equal(t, "furi/device/42/availability", msgs[1].topic)
	assert.Equal(t, mqtt.MQTT_PAYLOAD_OFFLINE, msgs[1].message)

	msgs = act.event2MQTTMessages(domain.DeviceEvent{DeviceID: 42, Envelope: furitype.ControlClearLastUnpressEvent{ControlID: 7}})
	assert.Len(t, msgs, 1)
}
