package actor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/berfenger/furi/internal/config"
	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/mqtt"
	"github.com/berfenger/furi/internal/util/actorutil"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/carlmjohnson/versioninfo"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type MQTTActor struct {
	config   *config.Config
	behavior actor.Behavior
	stash    *actorutil.Stash
	client   *mqtt.MQTTClient
	logger   *zap.Logger
	// descriptors seen per device, used to answer rename and delete events
	devices map[int64]furitype.DeviceDescriptor
}

type MQTTConnected struct {
}

type MQTTSubscribed struct {
}

type MQTTConnectionLost struct {
	Error error
}

type publishResult struct {
	ReplyTo *actor.PID
	Error   error
}

type ParsedCommand struct {
	Command *mqtt.ParsedMQTTCommand
}

type rawMessage struct {
	topic   string
	message string
	retain  bool
}

func NewMQTTActor(config *config.Config, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:   config,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
		devices:  map[int64]furitype.DeviceDescriptor{},
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MQTTActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MQTTActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("mqtt@starting started")

		// create MQTT client
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), func(_ pahomqtt.Client) {
		}, func(_ pahomqtt.Client, err error) {
			ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
		})

		// connect to MQTT server
		state.client.Connect(func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTConnected{})
			}
		}, 10*time.Second)

	case MQTTConnected:
		state.logger.Debug("mqtt@starting connected")

		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)

		// subscribe to control press topics
		state.client.SubscribeToCommandTopic(func(c pahomqtt.Client, m pahomqtt.Message) {
			cmd, err := state.client.ParseMQTTCommand(m)
			if err == nil && cmd != nil {
				ctx.Send(ctx.Self(), ParsedCommand{Command: cmd})
			}
		}, func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTSubscribed{})
			}
		}, 1*time.Second)
	case MQTTSubscribed:
		state.logger.Debug("mqtt@starting subscribed")
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case MQTTConnectionLost:
		// let the supervisor decide
		state.logger.Error("mqtt@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("mqtt@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@default ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case ParsedCommand:
		// route command to parent
		state.logger.Debug("mqtt@default parsedCommand", zap.Any("command", msg.Command))
		ctx.Send(ctx.Parent(), msg)
	case domain.PublishMessageRequest:
		state.logger.Debug("mqtt@default PublishMessageRequest", zap.String("topic", msg.Topic))
		state.publishMessage(ctx, msg.Topic, msg.Payload, msg.Retain, actorutil.ForRequest(msg).ReplyTo(ctx))
	case domain.DeviceSnapshotEvent:
		state.logger.Debug("mqtt@default DeviceSnapshotEvent", zap.Int64("device", msg.Descriptor.ID))
		state.devices[msg.Descriptor.ID] = msg.Descriptor.Clone()
		state.publishSnapshot(msg.Descriptor)
	case domain.PublishDeviceEventRequest:
		state.logger.Debug("mqtt@default PublishDeviceEventRequest",
			zap.Int64("device", msg.Event.DeviceID),
			zap.String("type", msg.Event.Envelope.EnvelopeType()))
		state.publishDeviceEvent(ctx, msg.Event)
	case domain.PublishDiscoveryRequest:
		state.logger.Debug("mqtt@default PublishHADiscovery")
		err := state.PublishHomeAssistantDiscovery(msg.Sensors, msg.Buttons)
		if err != nil {
			state.logger.Error("mqtt@default PublishHADiscovery error", zap.Error(err))
		}
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishDiscoveryResponse{
			ActorResponseMixIn: domain.ResponseFrom(err),
		})
	case MQTTConnectionLost:
		state.logger.Error("mqtt@default connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("mqtt@default ignore", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// event2MQTTMessages maps a committed envelope to the retained state topics
// it affects. The raw envelope is always mirrored to the device event topic.
func (state *MQTTActor) event2MQTTMessages(event domain.DeviceEvent) []rawMessage {
	msgs := make([]rawMessage, 0, 2)
	if payload, err := furitype.Encode(event.Envelope); err == nil {
		msgs = append(msgs, rawMessage{
			topic:   state.client.DeviceEventTopic(event.DeviceID),
			message: string(payload),
		})
	} else {
		state.logger.Error("mqtt@publish could not encode envelope", zap.Error(err))
	}

	switch msg := event.Envelope.(type) {
	case furitype.StartEvent:
		msgs = append(msgs, rawMessage{
			topic:   state.client.DeviceAvailabilityTopic(event.DeviceID),
			message: mqtt.MQTT_PAYLOAD_ONLINE,
			retain:  true,
		})
	case furitype.OfflineEvent:
		msgs = append(msgs, rawMessage{
			topic:   state.client.DeviceAvailabilityTopic(event.DeviceID),
			message: mqtt.MQTT_PAYLOAD_OFFLINE,
			retain:  true,
		})
	case furitype.SensorValueEvent:
		msgs = append(msgs, rawMessage{
			topic:   state.client.SensorStateTopic(event.DeviceID, msg.SensorID),
			message: msg.Value,
			retain:  true,
		})
	case furitype.ControlPressEvent:
		msgs = append(msgs, rawMessage{
			topic:   state.client.ControlStateTopic(event.DeviceID, msg.ControlID),
			message: bool2MQTTPayload(msg.Press),
			retain:  true,
		})
	}
	return msgs
}

func (state *MQTTActor) publishDeviceEvent(ctx actor.Context, event domain.DeviceEvent) {
	for _, msg := range state.event2MQTTMessages(event) {
		state.logger.Sugar().Debugf("mqtt@publish: device publish %s => %s", msg.topic, msg.message)
		state.client.Publish(msg.topic, msg.message, 1, msg.retain, func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), publishResult{Error: err})
			}
		}, 5*time.Second)
	}
	state.trackDescriptor(event)
}

// trackDescriptor keeps the cached descriptor in line with entity lifecycle
// events and refreshes the matching discovery configs.
func (state *MQTTActor) trackDescriptor(event domain.DeviceEvent) {
	desc, ok := state.devices[event.DeviceID]
	if !ok {
		return
	}
	dev := mqtt.DiscoveryDevice(desc.DeviceInfo, versioninfo.Short())
	switch msg := event.Envelope.(type) {
	case furitype.SensorCreateEvent:
		desc.Sensors = append(desc.Sensors, msg.Info)
		state.publishDiscovery([]domain.GenericSensor{mqtt.SensorEntity(dev, msg.Info)}, nil)
	case furitype.SensorRenameEvent:
		for i := range desc.Sensors {
			if desc.Sensors[i].ID == msg.SensorID {
				desc.Sensors[i].Name = msg.Name
				state.publishDiscovery([]domain.GenericSensor{mqtt.SensorEntity(dev, desc.Sensors[i])}, nil)
			}
		}
	case furitype.SensorDeleteEvent:
		for i := range desc.Sensors {
			if desc.Sensors[i].ID == msg.SensorID {
				state.retractDiscovery(state.client.HADiscoverySensorTopic(mqtt.SensorEntity(dev, desc.Sensors[i])))
				desc.Sensors = append(desc.Sensors[:i], desc.Sensors[i+1:]...)
				break
			}
		}
	case furitype.ControlCreateEvent:
		desc.Controls = append(desc.Controls, msg.Info)
		state.publishDiscovery(nil, []domain.GenericButton{mqtt.ButtonEntity(dev, msg.Info)})
	case furitype.ControlRenameEvent:
		for i := range desc.Controls {
			if desc.Controls[i].ID == msg.ControlID {
				desc.Controls[i].Name = msg.Name
				state.publishDiscovery(nil, []domain.GenericButton{mqtt.ButtonEntity(dev, desc.Controls[i])})
			}
		}
	case furitype.ControlDeleteEvent:
		for i := range desc.Controls {
			if desc.Controls[i].ID == msg.ControlID {
				state.retractDiscovery(state.client.HADiscoveryButtonTopic(mqtt.ButtonEntity(dev, desc.Controls[i])))
				desc.Controls = append(desc.Controls[:i], desc.Controls[i+1:]...)
				break
			}
		}
	}
	state.devices[event.DeviceID] = desc
}

func (state *MQTTActor) publishSnapshot(desc furitype.DeviceDescriptor) {
	state.client.Publish(state.client.DeviceAvailabilityTopic(desc.ID), mqtt.MQTT_PAYLOAD_ONLINE, 1, true, func(error) {}, 1*time.Second)
	for _, s := range desc.Sensors {
		state.client.Publish(state.client.SensorStateTopic(desc.ID, s.ID), s.Value, 1, true, func(error) {}, 1*time.Second)
	}
	for _, c := range desc.Controls {
		state.client.Publish(state.client.ControlStateTopic(desc.ID, c.ID), bool2MQTTPayload(c.Pressed), 1, true, func(error) {}, 1*time.Second)
	}
	sensors, buttons := mqtt.DeviceEntities(desc, versioninfo.Short())
	state.publishDiscovery(sensors, buttons)
}

func (state *MQTTActor) publishDiscovery(sensors []domain.GenericSensor, buttons []domain.GenericButton) {
	if !state.config.MQTT.HADiscoveryEnable {
		return
	}
	if err := state.PublishHomeAssistantDiscovery(sensors, buttons); err != nil {
		state.logger.Error("mqtt@publish discovery error", zap.Error(err))
	}
}

func (state *MQTTActor) retractDiscovery(topic string) {
	if !state.config.MQTT.HADiscoveryEnable {
		return
	}
	state.client.Publish(topic, "", 0, true, func(error) {}, 1*time.Second)
}

func (state *MQTTActor) publishMessage(ctx actor.Context, topic, payload string, retain bool, replyTo *actor.PID) {
	state.logger.Sugar().Debugf("mqtt@publish: message publish %s => %s", topic, payload)
	state.client.Publish(topic, payload, 1, retain, func(err error) {
		ctx.Send(ctx.Self(), publishResult{ReplyTo: replyTo, Error: err})
	}, 5*time.Second)
	state.behavior.BecomeStacked(state.MessagePublishResultReceive)
}

func (state *MQTTActor) MessagePublishResultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case publishResult:
		if msg.Error != nil {
			state.logger.Error("mqtt@publishing could not publish a message", zap.Error(msg.Error))
		}
		if msg.ReplyTo != nil {
			ctx.Send(msg.ReplyTo, domain.PublishMessageResponse{
				ActorResponseMixIn: domain.ResponseFrom(msg.Error),
			})
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashOldest(ctx)
	default:
		state.logger.Debug("mqtt@publishing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) PublishHomeAssistantDiscovery(sensors []domain.GenericSensor, buttons []domain.GenericButton) error {
	for i := range sensors {
		msg := mqtt.GenericSensorToHADiscoveryMessage(state.client, sensors[i])
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		state.client.Publish(state.client.HADiscoverySensorTopic(sensors[i]), payload, 0, true, func(error) {}, 1*time.Second)
	}
	for i := range buttons {
		msg := mqtt.GenericButtonToHADiscoveryMessage(state.client, buttons[i])
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		state.client.Publish(state.client.HADiscoveryButtonTopic(buttons[i]), payload, 0, true, func(error) {}, 1*time.Second)
	}
	return nil
}

func (state *MQTTActor) stop() {
	state.logger.Debug("mqtt: disconnect")
	if state.client != nil {
		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
		state.client.Disconnect(500 * time.Millisecond)
	}
}

func bool2MQTTPayload(value bool) string {
	if value {
		return mqtt.MQTT_PAYLOAD_ON
	} else {
		return mqtt.MQTT_PAYLOAD_OFF
	}
}

// Dummy actor
func NewTestMQTTActor(config *config.Config, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:   config,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
		devices:  map[int64]furitype.DeviceDescriptor{},
	}
	act.behavior.Become(act.DummyReceive)
	return act
}

func (state *MQTTActor) DummyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), nil, nil)
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@dummy ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case domain.DeviceSnapshotEvent:
		state.devices[msg.Descriptor.ID] = msg.Descriptor.Clone()
	case domain.PublishDeviceEventRequest:
		// offline client: only exercise the message mapping
		state.event2MQTTMessages(msg.Event)
	case ParsedCommand:
		ctx.Send(ctx.Parent(), msg)
	case domain.PublishMessageRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishMessageResponse{})
	case domain.PublishDiscoveryRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishDiscoveryResponse{})
	}
}
