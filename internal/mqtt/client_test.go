package mqtt

import (
	"testing"

	"github.com/berfenger/furi/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPressCommandParse(t *testing.T) {
	r := pressCommandExtractor("loremTopic")

	cmd, err := parsePressCommand(r, "loremTopic/device/42/control/7/press", "PRESS")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cmd.DeviceId, "device extract")
	assert.Equal(t, int64(7), cmd.ControlId, "control extract")
	assert.Equal(t, "PRESS", cmd.Payload)
}

func TestPressCommandParseFail(t *testing.T) {
	r := pressCommandExtractor("loremTopic")

	_, err := parsePressCommand(r, "loremTopic/device/42/control/7/state", "on")
	assert.Error(t, err)

	_, err = parsePressCommand(r, "other/device/42/control/7/press", "")
	assert.Error(t, err)

	_, err = parsePressCommand(r, "loremTopic/device/abc/control/7/press", "")
	assert.Error(t, err)
}

func TestTopics(t *testing.T) {
	cfg := util.LoadTestConfig()
	client := CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)

	assert.Equal(t, "furi/bridge/state", client.BridgeStateTopic())
	assert.Equal(t, "furi/device/3/availability", client.DeviceAvailabilityTopic(3))
	assert.Equal(t, "furi/device/3/sensor/9/state", client.SensorStateTopic(3, 9))
	assert.Equal(t, "furi/device/3/control/4/press", client.ControlPressTopic(3, 4))
	assert.Equal(t, "furi/device/+/control/+/press", client.commandTopic())
}
