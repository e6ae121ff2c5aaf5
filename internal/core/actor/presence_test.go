package actor

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/berfenger/furi/internal/adapter/store"
	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/core/port"
	"github.com/berfenger/furi/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingScheduler struct {
	mu     sync.Mutex
	topics []int64
}

func (s *countingScheduler) ScheduleOffline(topic int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
}

func (s *countingScheduler) snapshot() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]int64(nil), s.topics...)
	slices.Sort(out)
	return out
}

func TestPresenceActorSchedulesOnlineDevices(t *testing.T) {
	memStore := store.NewMemoryStore()
	var online, idle int64
	require.NoError(t, memStore.Transaction(context.Background(), func(tx port.Tx) error {
		a, err := tx.CreateDevice(1, "a", "hash")
		if err != nil {
			return err
		}
		b, err := tx.CreateDevice(1, "b", "hash")
		if err != nil {
			return err
		}
		online, idle = a.ID, b.ID
		return tx.SetDeviceOnline(online, true)
	}))

	as := actorutil.NewActorSystemWithZapLogger(zap.NewNop())
	defer as.Shutdown()
	offline := &countingScheduler{}

	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewPresenceActor(memStore, offline, 0, zap.NewNop())
	}))

	// the startup sweep already ran once
	assert.Eventually(t, func() bool {
		return len(offline.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	res, err := as.Root.RequestFuture(pid, domain.ReconcilePresenceRequest{}, time.Second).Result()
	require.NoError(t, err)
	resp := res.(domain.ReconcilePresenceResponse)
	require.NoError(t, resp.ResponseError)
	assert.Equal(t, 1, resp.Scheduled)
	assert.Equal(t, []int64{online, online}, offline.snapshot())
	assert.NotContains(t, offline.snapshot(), idle)
}
