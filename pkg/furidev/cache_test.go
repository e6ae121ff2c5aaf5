package furidev

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/berfenger/furi/pkg/furitype"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDescriptor() furitype.DeviceDescriptor {
	return furitype.DeviceDescriptor{
		DeviceInfo: furitype.DeviceInfo{ID: 1, OwnerID: 1, Name: "greenhouse", IsOnline: true},
		Sensors: []furitype.SensorInfo{
			{ID: 1, DeviceID: 1, Name: "temp", Value: "0"},
			{ID: 2, DeviceID: 1, Name: "humidity", Value: "0"},
		},
		Controls: []furitype.ControlInfo{
			{ID: 7, DeviceID: 1, Name: "vent"},
		},
	}
}

func TestCacheBootReplay(t *testing.T) {
	cache := newDescriptorCache(testDescriptor(), zap.NewNop())
	cache.apply(furitype.SensorDeleteEvent{SensorID: 1})
	cache.apply(furitype.ControlRenameEvent{ControlID: 7, Name: "fan"})

	second := testDescriptor()
	second.Name = "greenhouse-2"
	cache.apply(furitype.BootEvent{Descript: second})
	cache.apply(furitype.BootEvent{Descript: second})

	assert.Equal(t, second, cache.snapshot())
}

func TestCacheRepairsDuplicateCreate(t *testing.T) {
	cache := newDescriptorCache(testDescriptor(), zap.NewNop())
	cache.apply(furitype.SensorCreateEvent{Info: furitype.SensorInfo{ID: 1, DeviceID: 1, Name: "temp2"}})

	desc := cache.snapshot()
	require.Len(t, desc.Sensors, 2)
	// the replaced entry moves to the end
	assert.Equal(t, "humidity", desc.Sensors[0].Name)
	assert.Equal(t, "temp2", desc.Sensors[1].Name)

	cache.apply(furitype.ControlCreateEvent{Info: furitype.ControlInfo{ID: 8, DeviceID: 1, Name: "light"}})
	assert.Len(t, cache.snapshot().Controls, 2)
}

func TestCacheMismatchesAreSkipped(t *testing.T) {
	cache := newDescriptorCache(testDescriptor(), zap.NewNop())
	cache.apply(furitype.SensorDeleteEvent{SensorID: 99})
	cache.apply(furitype.SensorRenameEvent{SensorID: 99, Name: "x"})
	cache.apply(furitype.ControlDeleteEvent{ControlID: 99})
	_, dispatch := cache.apply(furitype.ControlPressEvent{ControlID: 99, Press: true})
	cache.apply(furitype.SensorValueEvent{SensorID: 1, Value: "42"})

	assert.False(t, dispatch)
	assert.Equal(t, testDescriptor(), cache.snapshot())
}

func TestCacheControlPress(t *testing.T) {
	cache := newDescriptorCache(testDescriptor(), zap.NewNop())

	control, dispatch := cache.apply(furitype.ControlPressEvent{ControlID: 7, Press: true})
	assert.True(t, dispatch)
	assert.Equal(t, "vent", control.Name)
	assert.True(t, control.Pressed)
	assert.Len(t, cache.pressed(), 1)

	_, dispatch = cache.apply(furitype.ControlPressEvent{ControlID: 7, Press: false})
	assert.False(t, dispatch)
	assert.Empty(t, cache.pressed())

	last := int64(1700000000)
	cache.desc.Controls[0].LastUnpress = &last
	cache.apply(furitype.ControlClearLastUnpressEvent{ControlID: 7})
	assert.Nil(t, cache.snapshot().Controls[0].LastUnpress)

	cache.apply(furitype.OfflineEvent{})
	assert.False(t, cache.snapshot().IsOnline)
}

func TestListenerRegistry(t *testing.T) {
	registry := newListenerRegistry()
	handler := func(ctx context.Context, control furitype.ControlInfo) error { return nil }
	other := func(ctx context.Context, control furitype.ControlInfo) error { return io.EOF }

	registry.add("vent", handler, false)
	registry.add("vent", handler, false)
	registry.add("vent", other, false)
	registry.add("ghost", handler, false)
	registry.add("maybe", handler, true)

	assert.Len(t, registry.handlers("vent"), 3)
	assert.Equal(t, []string{"ghost"}, registry.unknown(testDescriptor()))

	registry.remove("vent", handler)
	handlers := registry.handlers("vent")
	require.Len(t, handlers, 1)
	assert.ErrorIs(t, handlers[0](context.Background(), furitype.ControlInfo{}), io.EOF)

	registry.remove("ghost", handler)
	assert.Empty(t, registry.unknown(testDescriptor()))
}

func TestEventStreamFrames(t *testing.T) {
	body := ":\n\n" +
		"data: {\"type\":\"offline\"}\n\n" +
		": keep-alive\n" +
		"data: open\r\n\r\n" +
		"event: ignored\n\n" +
		"data: line1\ndata: line2\n\n"
	stream := newEventStream(io.NopCloser(strings.NewReader(body)))

	for _, expected := range []string{`{"type":"offline"}`, "open", "line1\nline2"} {
		data, err := stream.next()
		require.NoError(t, err)
		assert.Equal(t, expected, data)
	}
	_, err := stream.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in  any
		out string
	}{
		{"on", "on"},
		{21.5, "21.5"},
		{true, "true"},
		{map[string]int{"a": 1}, `{"a":1}`},
		{[]int{1, 2}, `[1,2]`},
		{struct {
			V int `json:"v"`
		}{3}, `{"v":3}`},
	}
	for _, c := range cases {
		out, err := formatValue(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.out, out)
	}
	_, err := formatValue(nil)
	assert.Error(t, err)
}
