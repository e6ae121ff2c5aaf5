package domain

import (
	"github.com/berfenger/furi/internal/core/port"
	"github.com/berfenger/furi/pkg/furitype"
	"github.com/berfenger/furi/pkg/modbusio"
)

const (
	ACTOR_ID_MASTER   = "master"
	ACTOR_ID_OFFLINE  = "offline"
	ACTOR_ID_PRESENCE = "presence"
	ACTOR_ID_MQTT     = "mqtt"
	ACTOR_ID_TSDB     = "tsdb"
	ACTOR_ID_CHANNEL  = "channel"
	ACTOR_ID_MODBUS   = "modbus"
	ACTOR_ID_SESSION  = "session"
)

type SubscriberRole string

const (
	// SUBSCRIBER_ROLE_ANY matches every subscriber when counting.
	SUBSCRIBER_ROLE_ANY    SubscriberRole = ""
	SUBSCRIBER_ROLE_DEVICE SubscriberRole = "device"
	SUBSCRIBER_ROLE_VIEWER SubscriberRole = "viewer"
)

// topic channel

type SubscribeRequest struct {
	ActorRequestMixIn
	Stream  port.Stream
	Role    SubscriberRole
	OnClose func()
}

type SubscribeResponse struct {
	ActorResponseMixIn
	Subscribers int
}

type UnsubscribeRequest struct {
	StreamID string
}

type PublishFrameRequest struct {
	ActorRequestMixIn
	Frame []byte
}

type PublishFrameResponse struct {
	ActorResponseMixIn
	Delivered int
	Dropped   int
}

type SubscriberCountRequest struct {
	ActorRequestMixIn
	Role SubscriberRole
}

type SubscriberCountResponse struct {
	ActorResponseMixIn
	Count int
}

// offline debounce

type OfflineJobRequest struct {
	Topic int64
}

type OfflineJobResult struct {
	Topic       int64
	WentOffline bool
	Error       error
}

// presence

type ReconcilePresenceRequest struct {
	ActorRequestMixIn
}

type ReconcilePresenceResponse struct {
	ActorResponseMixIn
	Scheduled int
}

// event bus

// DeviceEvent is published on the actor system event stream after an envelope
// has been committed and fanned out to the topic channel.
type DeviceEvent struct {
	DeviceID int64
	Envelope furitype.Envelope
}

// DeviceSnapshotEvent carries a full descriptor whenever a device session
// opens.
type DeviceSnapshotEvent struct {
	Descriptor furitype.DeviceDescriptor
}

// mqtt

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishDeviceEventRequest struct {
	Event DeviceEvent
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors []GenericSensor
	Buttons []GenericButton
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

type PressControlCommand struct {
	DeviceID  int64
	ControlID int64
}

type PressControlResult struct {
	Command PressControlCommand
	Error   error
}

// tsdb

type RecordSensorValueRequest struct {
	DeviceID int64
	SensorID int64
	Value    string
}

// modbus

type ReadPointsRequest struct {
	ActorRequestMixIn
	Points []modbusio.Point
}

// ReadPointsResponse holds one formatted value per sensor name. Points that
// failed to read are reported in Errors and left out of Values.
type ReadPointsResponse struct {
	ActorResponseMixIn
	Values map[string]string
	Errors map[string]error
}

type WriteControlRequest struct {
	ActorRequestMixIn
	Binding modbusio.ControlBinding
}

type WriteControlResponse struct {
	ActorResponseMixIn
}

// health

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}
