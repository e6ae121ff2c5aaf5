package mqtt

import (
	"fmt"

	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/pkg/furitype"
)

type HADiscoveryConfig struct {
	Device           HADiscoveryDevice `json:"device"`
	StateTopic       string            `json:"state_topic,omitempty"`
	CommandTopic     string            `json:"command_topic,omitempty"`
	AvTopic          string            `json:"availability_topic,omitempty"`
	Name             string            `json:"name"`
	UniqueId         string            `json:"unique_id"`
	Platform         string            `json:"platform"`
	PayloadPress     string            `json:"payload_press,omitempty"`
	PayloadAvailable string            `json:"payload_available,omitempty"`
	PayloadNotAvail  string            `json:"payload_not_available,omitempty"`
	Icon             string            `json:"icon,omitempty"`
}

type HADiscoveryDevice struct {
	Id           []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Version      string   `json:"sw_version,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

func (c *MQTTClient) HADiscoverySensorTopic(sensor domain.GenericSensor) string {
	return fmt.Sprintf("%s/sensor/%s/%d/config", c.DiscoveryTopic(), sensor.Device.Id, sensor.Id)
}

func (c *MQTTClient) HADiscoveryButtonTopic(button domain.GenericButton) string {
	return fmt.Sprintf("%s/button/%s/%d/config", c.DiscoveryTopic(), button.Device.Id, button.Id)
}

func GenericSensorToHADiscoveryMessage(client *MQTTClient, sensor domain.GenericSensor) HADiscoveryConfig {
	return HADiscoveryConfig{
		Device:           device(sensor.Device),
		StateTopic:       client.SensorStateTopic(sensor.DeviceId, sensor.Id),
		AvTopic:          client.DeviceAvailabilityTopic(sensor.DeviceId),
		PayloadAvailable: MQTT_PAYLOAD_ONLINE,
		PayloadNotAvail:  MQTT_PAYLOAD_OFFLINE,
		Name:             sensor.Name,
		UniqueId:         sensor.UniqueId,
		Icon:             sensor.Icon,
		Platform:         "mqtt",
	}
}

func GenericButtonToHADiscoveryMessage(client *MQTTClient, button domain.GenericButton) HADiscoveryConfig {
	return HADiscoveryConfig{
		Device:           device(button.Device),
		CommandTopic:     client.ControlPressTopic(button.DeviceId, button.Id),
		AvTopic:          client.DeviceAvailabilityTopic(button.DeviceId),
		PayloadAvailable: MQTT_PAYLOAD_ONLINE,
		PayloadNotAvail:  MQTT_PAYLOAD_OFFLINE,
		PayloadPress:     MQTT_PAYLOAD_PRESS,
		Name:             button.Name,
		UniqueId:         button.UniqueId,
		Icon:             button.Icon,
		Platform:         "mqtt",
	}
}

// DeviceEntities describes every sensor and control of a device as Home
// Assistant entities.
func DeviceEntities(desc furitype.DeviceDescriptor, version string) ([]domain.GenericSensor, []domain.GenericButton) {
	dev := DiscoveryDevice(desc.DeviceInfo, version)
	sensors := make([]domain.GenericSensor, 0, len(desc.Sensors))
	for _, s := range desc.Sensors {
		sensors = append(sensors, SensorEntity(dev, s))
	}
	buttons := make([]domain.GenericButton, 0, len(desc.Controls))
	for _, c := range desc.Controls {
		buttons = append(buttons, ButtonEntity(dev, c))
	}
	return sensors, buttons
}

func DiscoveryDevice(info furitype.DeviceInfo, version string) domain.Device {
	return domain.Device{
		Id:           fmt.Sprintf("furi_%d", info.ID),
		Name:         info.Name,
		Manufacturer: "furi",
		Model:        "furi device",
		Version:      version,
	}
}

func SensorEntity(dev domain.Device, s furitype.SensorInfo) domain.GenericSensor {
	return domain.GenericSensor{
		Device:   dev,
		DeviceId: s.DeviceID,
		Id:       s.ID,
		Name:     s.Name,
		UniqueId: fmt.Sprintf("%s_sensor_%d", dev.Id, s.ID),
		Icon:     "mdi:gauge",
	}
}

func ButtonEntity(dev domain.Device, c furitype.ControlInfo) domain.GenericButton {
	return domain.GenericButton{
		Device:   dev,
		DeviceId: c.DeviceID,
		Id:       c.ID,
		Name:     c.Name,
		UniqueId: fmt.Sprintf("%s_control_%d", dev.Id, c.ID),
		Icon:     "mdi:gesture-tap-button",
	}
}

func device(d domain.Device) HADiscoveryDevice {
	return HADiscoveryDevice{
		Id:           []string{d.Id},
		Manufacturer: d.Manufacturer,
		Version:      d.Version,
		Model:        d.Model,
		Name:         d.Name,
		ViaDevice:    d.ViaDevice,
	}
}
