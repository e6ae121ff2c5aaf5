package actor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/util/actorutil"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const pressFrame = "data: {\"type\":\"control\",\"subtype\":\"press\",\"cid\":7,\"press\":true}\n\n"

func newTestRegistry(t *testing.T, heartbeat time.Duration) *Registry {
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	registry := NewRegistry(as.Root, RegistryConfig{HeartbeatInterval: heartbeat, RequestTimeout: 2 * time.Second}, logger)
	t.Cleanup(func() {
		registry.Shutdown()
		as.Shutdown()
	})
	return registry
}

func TestChannelFanOutToAllSubscribers(t *testing.T) {
	registry := newTestRegistry(t, time.Minute)

	a := newTestStream("a")
	b := newTestStream("b")
	require.NoError(t, registry.Subscribe(42, domain.SUBSCRIBER_ROLE_VIEWER, a, nil))
	require.NoError(t, registry.Subscribe(42, domain.SUBSCRIBER_ROLE_VIEWER, b, nil))

	delivered, err := registry.Publish(42, furitype.ControlPressEvent{ControlID: 7, Press: true})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	expected := []string{"data: open\n\n", pressFrame}
	assert.Equal(t, expected, a.Frames())
	assert.Equal(t, expected, b.Frames())
}

func TestChannelDeadSubscriberIsFinalizedOnce(t *testing.T) {
	registry := newTestRegistry(t, time.Minute)

	var closedA, closedB atomic.Int32
	a := newTestStream("a")
	b := newTestStream("b")
	require.NoError(t, registry.Subscribe(42, domain.SUBSCRIBER_ROLE_DEVICE, a, func() { closedA.Add(1) }))
	require.NoError(t, registry.Subscribe(42, domain.SUBSCRIBER_ROLE_VIEWER, b, func() { closedB.Add(1) }))

	a.breakWrites()

	delivered, err := registry.Publish(42, furitype.ControlPressEvent{ControlID: 7, Press: true})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, b.count(pressFrame))
	assert.Equal(t, int32(1), closedA.Load())
	assert.True(t, a.Closed())

	delivered, err = registry.Publish(42, furitype.OfflineEvent{})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	registry.Unsubscribe(42, "a")
	count, err := registry.SubscriberCount(42, domain.SUBSCRIBER_ROLE_ANY)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int32(1), closedA.Load())
	assert.Equal(t, int32(0), closedB.Load())
}

func TestChannelRemovalDoesNotSkipNeighbours(t *testing.T) {
	registry := newTestRegistry(t, time.Minute)

	streams := []*testStream{newTestStream("s0"), newTestStream("s1"), newTestStream("s2"), newTestStream("s3")}
	for _, s := range streams {
		require.NoError(t, registry.Subscribe(1, domain.SUBSCRIBER_ROLE_VIEWER, s, nil))
	}
	streams[1].breakWrites()
	streams[2].breakWrites()

	delivered, err := registry.Publish(1, furitype.ControlPressEvent{ControlID: 7, Press: true})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, streams[0].count(pressFrame))
	assert.Equal(t, 1, streams[3].count(pressFrame))
}

func TestChannelHeartbeat(t *testing.T) {
	registry := newTestRegistry(t, 20*time.Millisecond)

	var closed atomic.Int32
	s := newTestStream("hb")
	require.NoError(t, registry.Subscribe(5, domain.SUBSCRIBER_ROLE_DEVICE, s, func() { closed.Add(1) }))

	assert.Eventually(t, func() bool {
		return s.count(":\n\n") >= 2
	}, 2*time.Second, 10*time.Millisecond)

	s.Close()
	assert.Eventually(t, func() bool {
		return closed.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), closed.Load())
	count, err := registry.SubscriberCount(5, domain.SUBSCRIBER_ROLE_ANY)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestChannelPublishToUnknownTopic(t *testing.T) {
	registry := newTestRegistry(t, time.Minute)

	delivered, err := registry.Publish(999, furitype.OfflineEvent{})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	count, err := registry.SubscriberCount(999, domain.SUBSCRIBER_ROLE_DEVICE)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestChannelCountsByRole(t *testing.T) {
	registry := newTestRegistry(t, time.Minute)

	require.NoError(t, registry.Subscribe(3, domain.SUBSCRIBER_ROLE_DEVICE, newTestStream("d1"), nil))
	require.NoError(t, registry.Subscribe(3, domain.SUBSCRIBER_ROLE_VIEWER, newTestStream("v1"), nil))
	require.NoError(t, registry.Subscribe(3, domain.SUBSCRIBER_ROLE_VIEWER, newTestStream("v2"), nil))
	assert.ErrorIs(t, registry.Subscribe(3, domain.SUBSCRIBER_ROLE_VIEWER, newTestStream("v2"), nil), ErrDuplicateSubscriber)

	devices, err := registry.SubscriberCount(3, domain.SUBSCRIBER_ROLE_DEVICE)
	require.NoError(t, err)
	viewers, err := registry.SubscriberCount(3, domain.SUBSCRIBER_ROLE_VIEWER)
	require.NoError(t, err)
	assert.Equal(t, 1, devices)
	assert.Equal(t, 2, viewers)
	assert.ElementsMatch(t, []int64{3}, registry.Topics())
}
