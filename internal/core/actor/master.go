package actor

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	adactor "github.com/berfenger/furi/internal/adapter/actor"
	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/core/port"
	. "github.com/berfenger/furi/internal/util/actorutil"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type PresenceActorProvider func() *PresenceActor

type MQTTActorProvider func() *adactor.MQTTActor

type TSDBActorProvider func() *adactor.TSDBActor

// MasterOfPuppetsActor supervises the bridge actors and feeds them from the
// device event stream. Providers left nil disable the matching child.
type MasterOfPuppetsActor struct {
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck healthCheckResult
	eventStream        *eventstream.EventStream
	subscription       *eventstream.Subscription
	presser            port.ControlPresser
	offlineActor       *actor.PID
	presenceActor      *actor.PID
	mqttActor          *actor.PID
	tsdbActor          *actor.PID
	presenceProvider   PresenceActorProvider
	mqttProvider       MQTTActorProvider
	tsdbProvider       TSDBActorProvider
	logger             *zap.Logger
}

type healthCheckResult struct {
	expected  []string
	healthy   map[string]bool
	respondTo *actor.PID
}

type MasterConfig struct {
	EventStream      *eventstream.EventStream
	Presser          port.ControlPresser
	OfflineActor     *actor.PID
	PresenceProvider PresenceActorProvider
	MQTTProvider     MQTTActorProvider
	TSDBProvider     TSDBActorProvider
}

func NewMasterOfPuppetsActor(cfg MasterConfig, logger *zap.Logger) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		behavior:         actor.NewBehavior(),
		stash:            &Stash{},
		logger:           ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:      cfg.EventStream,
		presser:          cfg.Presser,
		offlineActor:     cfg.OfflineActor,
		presenceProvider: cfg.PresenceProvider,
		mqttProvider:     cfg.MQTTProvider,
		tsdbProvider:     cfg.TSDBProvider,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		if state.presenceProvider != nil {
			pid, err := state.startPresenceActor(ctx)
			if err != nil {
				panic(err)
			}
			state.presenceActor = pid
		}

		if state.mqttProvider != nil {
			pid, err := state.startMQTTActor(ctx)
			if err != nil {
				panic(err)
			}
			state.mqttActor = pid
		}

		if state.tsdbProvider != nil {
			pid, err := state.startTSDBActor(ctx)
			if err != nil {
				panic(err)
			}
			state.tsdbActor = pid
		}

		// route device events into the mailbox
		if state.eventStream != nil {
			root := ctx.ActorSystem().Root
			self := ctx.Self()
			state.subscription = state.eventStream.Subscribe(func(evt any) {
				switch evt.(type) {
				case domain.DeviceEvent, domain.DeviceSnapshotEvent:
					root.Send(self, evt)
				}
			})
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck = healthCheckResult{
			healthy:   map[string]bool{},
			respondTo: ctx.Sender(),
		}
		for id, pid := range state.healthTargets() {
			state.currentHealthCheck.expected = append(state.currentHealthCheck.expected, id)
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
				return domain.ActorHealthResponse{
					Id:      id,
					Healthy: false,
					State:   err.Error(),
				}
			})
		}
		if len(state.currentHealthCheck.expected) == 0 {
			state.currentHealthCheck.respond(ctx)
			return
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case domain.DeviceEvent:
		state.logger.Debug("master@default DeviceEvent",
			zap.Int64("device", msg.DeviceID), zap.String("type", msg.Envelope.EnvelopeType()))
		if state.mqttActor != nil {
			ctx.Send(state.mqttActor, domain.PublishDeviceEventRequest{Event: msg})
		}
		if value, ok := msg.Envelope.(furitype.SensorValueEvent); ok && state.tsdbActor != nil {
			ctx.Send(state.tsdbActor, domain.RecordSensorValueRequest{
				DeviceID: msg.DeviceID,
				SensorID: value.SensorID,
				Value:    value.Value,
			})
		}
	case domain.DeviceSnapshotEvent:
		state.logger.Debug("master@default DeviceSnapshotEvent", zap.Int64("device", msg.Descriptor.ID))
		if state.mqttActor != nil {
			ctx.Send(state.mqttActor, msg)
		}
	case adactor.ParsedCommand:
		// press commands from the MQTT bridge go through the same path as the operator API
		state.logger.Debug("master@default parsedCommand", zap.Any("command", msg.Command))
		if msg.Command != nil && state.presser != nil {
			state.pressControl(ctx, domain.PressControlCommand{
				DeviceID:  msg.Command.DeviceId,
				ControlID: msg.Command.ControlId,
			})
		}
	case domain.PressControlResult:
		if msg.Error != nil {
			state.logger.Warn("master@default press failed",
				zap.Int64("device", msg.Command.DeviceID), zap.Int64("control", msg.Command.ControlID), zap.Error(msg.Error))
		} else {
			state.logger.Debug("master@default press done",
				zap.Int64("device", msg.Command.DeviceID), zap.Int64("control", msg.Command.ControlID))
		}
	case *actor.Terminated:
		state.logger.Warn("master@default child terminated", zap.String("who", msg.Who.Id))
	case *actor.Stopping:
		if state.subscription != nil {
			state.eventStream.Unsubscribe(state.subscription)
			state.subscription = nil
		}
	default:
		state.logger.Debug("master@default ignore", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// missing answers count as unhealthy
		ctx.CancelReceiveTimeout()
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.healthy[msg.Id] = msg.Healthy
		if state.currentHealthCheck.allReceived() {
			ctx.CancelReceiveTimeout()

			state.currentHealthCheck.respond(ctx)

			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		}
	case *actor.Stopping:
		if state.subscription != nil {
			state.eventStream.Unsubscribe(state.subscription)
			state.subscription = nil
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) healthTargets() map[string]*actor.PID {
	targets := map[string]*actor.PID{}
	if state.offlineActor != nil {
		targets[domain.ACTOR_ID_OFFLINE] = state.offlineActor
	}
	if state.presenceActor != nil {
		targets[domain.ACTOR_ID_PRESENCE] = state.presenceActor
	}
	if state.mqttActor != nil {
		targets[domain.ACTOR_ID_MQTT] = state.mqttActor
	}
	if state.tsdbActor != nil {
		targets[domain.ACTOR_ID_TSDB] = state.tsdbActor
	}
	return targets
}

func (state *MasterOfPuppetsActor) pressControl(ctx actor.Context, cmd domain.PressControlCommand) {
	presser := state.presser
	NewBackgroundTaskNoError(ctx, func() *domain.PressControlResult {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return &domain.PressControlResult{
			Command: cmd,
			Error:   presser.PressControl(pctx, cmd.DeviceID, cmd.ControlID),
		}
	}).Recover(func(err error) domain.PressControlResult {
		return domain.PressControlResult{Command: cmd, Error: err}
	}).WithTimeout(6 * time.Second).PipeTo(ctx.Self())
}

func (state *MasterOfPuppetsActor) startPresenceActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(3, 10*time.Second, decider)

	props := actor.PropsFromProducer(func() actor.Actor {
		return state.presenceProvider()
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_PRESENCE)
}

func (state *MasterOfPuppetsActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	props := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttProvider()
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_MQTT)
}

func (state *MasterOfPuppetsActor) startTSDBActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(3, 10*time.Second, decider)

	props := actor.PropsFromProducer(func() actor.Actor {
		return state.tsdbProvider()
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_TSDB)
}

func (state *healthCheckResult) allReceived() bool {
	return len(state.healthy) >= len(state.expected)
}

func (state *healthCheckResult) unhealthy() []string {
	var ids []string
	for _, id := range state.expected {
		if !state.healthy[id] {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	unhealthy := state.unhealthy()
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: len(unhealthy) == 0,
		State:   "idle",
	}
	if len(unhealthy) > 0 {
		resp.State = "unhealthy: " + strings.Join(unhealthy, ",")
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
