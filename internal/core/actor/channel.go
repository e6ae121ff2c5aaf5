package actor

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/core/events"
	"github.com/berfenger/furi/internal/core/port"
	. "github.com/berfenger/furi/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

const DEFAULT_HEARTBEAT_INTERVAL = 32 * time.Second

var ErrDuplicateSubscriber = errors.New("stream already subscribed")

// ChannelActor owns the subscribers of one topic. Every subscriber mutation
// (subscribe, publish failure, heartbeat failure, unsubscribe) happens inside
// this actor, so finalization runs at most once per subscriber.
type ChannelActor struct {
	topic     int64
	heartbeat time.Duration
	behavior  actor.Behavior
	scheduler *scheduler.TimerScheduler

	subscribers []*subscriber
	logger      *zap.Logger
}

type subscriber struct {
	stream          port.Stream
	role            domain.SubscriberRole
	onClose         func()
	cancelHeartbeat scheduler.CancelFunc
}

type heartbeatTick struct {
	streamID string
}

func NewChannelActor(topic int64, heartbeat time.Duration, logger *zap.Logger) *ChannelActor {
	if heartbeat <= 0 {
		heartbeat = DEFAULT_HEARTBEAT_INTERVAL
	}
	act := &ChannelActor{
		topic:     topic,
		heartbeat: heartbeat,
		behavior:  actor.NewBehavior(),
		logger:    ActorLogger(fmt.Sprintf("%s-%d", domain.ACTOR_ID_CHANNEL, topic), logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *ChannelActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *ChannelActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("channel@default started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
	case domain.SubscribeRequest:
		err := state.subscribe(ctx, msg)
		ForRequest(msg).Respond(ctx, domain.SubscribeResponse{
			ActorResponseMixIn: domain.ResponseFrom(err),
			Subscribers:        len(state.subscribers),
		})
	case domain.UnsubscribeRequest:
		state.logger.Debug("channel@default UnsubscribeRequest", zap.String("stream", msg.StreamID))
		state.finalizeByID(msg.StreamID)
	case domain.PublishFrameRequest:
		delivered, dropped := state.publish(msg.Frame)
		ForRequest(msg).Respond(ctx, domain.PublishFrameResponse{
			Delivered: delivered,
			Dropped:   dropped,
		})
	case heartbeatTick:
		state.heartbeatStream(msg.streamID)
	case domain.SubscriberCountRequest:
		ForRequest(msg).Respond(ctx, domain.SubscriberCountResponse{
			Count: state.count(msg.Role),
		})
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_CHANNEL,
			Healthy: true,
			State:   fmt.Sprintf("subscribers=%d", len(state.subscribers)),
		})
	case *actor.Stopping:
		state.logger.Debug("channel@default stopping", zap.Int("subscribers", len(state.subscribers)))
		for len(state.subscribers) > 0 {
			state.finalize(0)
		}
	}
}

func (state *ChannelActor) subscribe(ctx actor.Context, msg domain.SubscribeRequest) error {
	if msg.Stream == nil {
		return errors.New("nil stream")
	}
	if state.indexOf(msg.Stream.ID()) >= 0 {
		return ErrDuplicateSubscriber
	}
	sub := &subscriber{
		stream:  msg.Stream,
		role:    msg.Role,
		onClose: msg.OnClose,
	}
	sub.cancelHeartbeat = state.scheduler.SendRepeatedly(state.heartbeat, state.heartbeat, ctx.Self(), heartbeatTick{streamID: msg.Stream.ID()})
	state.subscribers = append(state.subscribers, sub)
	state.logger.Debug("channel@default subscribed", zap.String("stream", msg.Stream.ID()), zap.String("role", string(msg.Role)))

	if err := sub.stream.WriteFrame(events.OpenFrame); err != nil {
		state.logger.Debug("channel@default open frame failed", zap.String("stream", msg.Stream.ID()), zap.Error(err))
		state.finalize(len(state.subscribers) - 1)
	}
	return nil
}

// publish writes frame to every live subscriber in registration order. A
// finalized subscriber is removed in place, so the loop index only advances
// on a successful write.
func (state *ChannelActor) publish(frame []byte) (delivered int, dropped int) {
	for i := 0; i < len(state.subscribers); {
		sub := state.subscribers[i]
		if sub.stream.Closed() {
			state.finalize(i)
			dropped++
			continue
		}
		if err := sub.stream.WriteFrame(frame); err != nil {
			state.logger.Debug("channel@default write failed", zap.String("stream", sub.stream.ID()), zap.Error(err))
			state.finalize(i)
			dropped++
			continue
		}
		delivered++
		i++
	}
	return delivered, dropped
}

func (state *ChannelActor) heartbeatStream(streamID string) {
	i := state.indexOf(streamID)
	if i < 0 {
		return
	}
	sub := state.subscribers[i]
	if sub.stream.Closed() {
		state.finalize(i)
		return
	}
	if err := sub.stream.WriteFrame(events.KeepAliveFrame); err != nil {
		state.logger.Debug("channel@default heartbeat failed", zap.String("stream", streamID), zap.Error(err))
		state.finalize(i)
	}
}

func (state *ChannelActor) finalizeByID(streamID string) {
	if i := state.indexOf(streamID); i >= 0 {
		state.finalize(i)
	}
}

func (state *ChannelActor) finalize(i int) {
	sub := state.subscribers[i]
	state.subscribers = slices.Delete(state.subscribers, i, i+1)
	if sub.cancelHeartbeat != nil {
		sub.cancelHeartbeat()
	}
	_ = sub.stream.Close()
	state.logger.Debug("channel@default finalized", zap.String("stream", sub.stream.ID()), zap.Int("remaining", len(state.subscribers)))
	if sub.onClose != nil {
		state.runOnClose(sub)
	}
}

func (state *ChannelActor) runOnClose(sub *subscriber) {
	defer func() {
		if r := recover(); r != nil {
			state.logger.Error("channel@default onClose panic", zap.String("stream", sub.stream.ID()), zap.Any("panic", r))
		}
	}()
	sub.onClose()
}

func (state *ChannelActor) indexOf(streamID string) int {
	return slices.IndexFunc(state.subscribers, func(s *subscriber) bool {
		return s.stream.ID() == streamID
	})
}

func (state *ChannelActor) count(role domain.SubscriberRole) int {
	if role == domain.SUBSCRIBER_ROLE_ANY {
		return len(state.subscribers)
	}
	n := 0
	for _, s := range state.subscribers {
		if s.role == role {
			n++
		}
	}
	return n
}
