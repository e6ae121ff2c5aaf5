package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/berfenger/furi/internal/core/domain"
	. "github.com/berfenger/furi/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

type OfflineTransitioner interface {
	MarkOfflineIfIdle(ctx context.Context, topic int64) (bool, error)
}

// OfflineActor is the global offline queue. Jobs for all topics run one at a
// time; each job re-checks the topic when it executes, not when it was queued.
type OfflineActor struct {
	transitions OfflineTransitioner
	delay       time.Duration
	behavior    actor.Behavior
	scheduler   *scheduler.TimerScheduler
	pending     map[int64]scheduler.CancelFunc
	jobTimeout  time.Duration
	processed   int
	logger      *zap.Logger
}

type offlineJobDue struct {
	topic int64
}

func NewOfflineActor(transitions OfflineTransitioner, delay time.Duration, logger *zap.Logger) *OfflineActor {
	act := &OfflineActor{
		transitions: transitions,
		delay:       delay,
		behavior:    actor.NewBehavior(),
		pending:     map[int64]scheduler.CancelFunc{},
		jobTimeout:  10 * time.Second,
		logger:      ActorLogger(domain.ACTOR_ID_OFFLINE, logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *OfflineActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *OfflineActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("offline@default started", zap.Duration("delay", state.delay))
		state.scheduler = scheduler.NewTimerScheduler(ctx)
	case domain.OfflineJobRequest:
		state.logger.Debug("offline@default OfflineJobRequest", zap.Int64("topic", msg.Topic))
		if state.delay <= 0 {
			state.run(ctx, msg.Topic)
			return
		}
		// a pending job re-checks on execution, so one is enough
		if _, ok := state.pending[msg.Topic]; ok {
			return
		}
		state.pending[msg.Topic] = state.scheduler.SendOnce(state.delay, ctx.Self(), offlineJobDue{topic: msg.Topic})
	case offlineJobDue:
		delete(state.pending, msg.topic)
		state.run(ctx, msg.topic)
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_OFFLINE,
			Healthy: true,
			State:   fmt.Sprintf("pending=%d processed=%d", len(state.pending), state.processed),
		})
	case *actor.Stopping:
		for topic, cancel := range state.pending {
			cancel()
			delete(state.pending, topic)
		}
	}
}

func (state *OfflineActor) run(ctx actor.Context, topic int64) {
	jobCtx, cancel := context.WithTimeout(context.Background(), state.jobTimeout)
	defer cancel()

	state.processed++
	wentOffline, err := state.transitions.MarkOfflineIfIdle(jobCtx, topic)
	if err != nil {
		state.logger.Error("offline@default job failed", zap.Int64("topic", topic), zap.Error(err))
	} else if wentOffline {
		state.logger.Info("device offline", zap.Int64("device", topic))
	}
	if ctx.Parent() != nil {
		ctx.Send(ctx.Parent(), domain.OfflineJobResult{Topic: topic, WentOffline: wentOffline, Error: err})
	}
}
