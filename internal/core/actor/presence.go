package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/core/port"
	. "github.com/berfenger/furi/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

type OfflineScheduler interface {
	ScheduleOffline(topic int64)
}

// PresenceActor repairs stale online flags, e.g. after a restart left devices
// marked online with no stream attached. Every device stored as online gets an
// offline job; the job itself decides whether the device really is idle.
type PresenceActor struct {
	behavior  actor.Behavior
	scheduler *scheduler.TimerScheduler
	store     port.Store
	offline   OfflineScheduler
	interval  time.Duration
	lastSweep int
	logger    *zap.Logger
}

type presenceTick struct{}

func NewPresenceActor(store port.Store, offline OfflineScheduler, interval time.Duration, logger *zap.Logger) *PresenceActor {
	act := &PresenceActor{
		behavior: actor.NewBehavior(),
		store:    store,
		offline:  offline,
		interval: interval,
		logger:   ActorLogger(domain.ACTOR_ID_PRESENCE, logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *PresenceActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *PresenceActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("presence@default started", zap.Duration("interval", state.interval))
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		ctx.Send(ctx.Self(), presenceTick{})
	case presenceTick:
		if _, err := state.sweep(); err != nil {
			state.logger.Error("presence@default sweep failed", zap.Error(err))
		}
		if state.interval > 0 {
			state.scheduler.SendOnce(state.interval, ctx.Self(), presenceTick{})
		}
	case domain.ReconcilePresenceRequest:
		state.logger.Debug("presence@default ReconcilePresenceRequest")
		n, err := state.sweep()
		ForRequest(msg).Respond(ctx, domain.ReconcilePresenceResponse{
			ActorResponseMixIn: domain.ResponseFrom(err),
			Scheduled:          n,
		})
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_PRESENCE,
			Healthy: true,
			State:   fmt.Sprintf("last_sweep=%d", state.lastSweep),
		})
	}
}

func (state *PresenceActor) sweep() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var online []int64
	err := state.store.Transaction(ctx, func(tx port.Tx) error {
		devices, err := tx.ListDevices()
		if err != nil {
			return err
		}
		for _, d := range devices {
			if d.IsOnline {
				online = append(online, d.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range online {
		state.offline.ScheduleOffline(id)
	}
	state.lastSweep = len(online)
	state.logger.Debug("presence@default sweep", zap.Int("scheduled", len(online)))
	return len(online), nil
}
