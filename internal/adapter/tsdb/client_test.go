package tsdb

import (
	"testing"
	"time"

	"github.com/berfenger/furi/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensorPoint(t *testing.T) {
	at := time.Unix(1700000000, 0)
	p := SensorPoint(42, 3, "21.5", at)

	assert.Equal(t, MEASUREMENT_SENSOR_VALUE, p.Name())
	assert.Equal(t, at, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"device_id": "42", "sensor_id": "3"}, tags)

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, "21.5", fields["value"])
	assert.InDelta(t, 21.5, fields["numeric"], 0.0001)
}

func TestSensorPointNonNumeric(t *testing.T) {
	p := SensorPoint(1, 1, "open", time.Now())
	require.Len(t, p.FieldList(), 1)
	assert.Equal(t, "value", p.FieldList()[0].Key)
}

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(config.InfluxConfig{})
	assert.ErrorIs(t, err, ErrDisabled)
}
