package furidev

import (
	"fmt"
	"slices"

	"github.com/berfenger/furi/pkg/furitype"

	"go.uber.org/zap"
)

// descriptorCache is the local projection of the device state. It is only
// touched from the session actor.
type descriptorCache struct {
	desc   furitype.DeviceDescriptor
	logger *zap.Logger
}

func newDescriptorCache(boot furitype.DeviceDescriptor, logger *zap.Logger) *descriptorCache {
	return &descriptorCache{
		desc:   boot.Clone(),
		logger: logger,
	}
}

func (c *descriptorCache) snapshot() furitype.DeviceDescriptor {
	return c.desc.Clone()
}

func (c *descriptorCache) mismatch(what string, id int64) {
	c.logger.Warn("descriptor mismatch", zap.String("op", what), zap.Int64("id", id),
		zap.Error(ErrConsistencyMismatch))
}

// apply patches the cache with env. It returns the control to dispatch when
// env asserts a press.
func (c *descriptorCache) apply(env furitype.Envelope) (furitype.ControlInfo, bool) {
	switch e := env.(type) {
	case furitype.BootEvent:
		c.desc = e.Descript.Clone()
	case furitype.StartEvent:
		c.desc.IsOnline = true
	case furitype.OfflineEvent:
		c.desc.IsOnline = false

	case furitype.SensorCreateEvent:
		if i := c.sensorIndex(e.Info.ID); i >= 0 {
			c.mismatch("sensor-create: duplicated id", e.Info.ID)
			c.desc.Sensors = slices.Delete(c.desc.Sensors, i, i+1)
		}
		c.desc.Sensors = append(c.desc.Sensors, e.Info)
	case furitype.SensorDeleteEvent:
		if i := c.sensorIndex(e.SensorID); i >= 0 {
			c.desc.Sensors = slices.Delete(c.desc.Sensors, i, i+1)
		} else {
			c.mismatch("sensor-delete", e.SensorID)
		}
	case furitype.SensorRenameEvent:
		if i := c.sensorIndex(e.SensorID); i >= 0 {
			c.desc.Sensors[i].Name = e.Name
		} else {
			c.mismatch("sensor-rename", e.SensorID)
		}
	case furitype.SensorValueEvent:
		// values are not cached

	case furitype.ControlCreateEvent:
		if i := c.controlIndex(e.Info.ID); i >= 0 {
			c.mismatch("control-create: duplicated id", e.Info.ID)
			c.desc.Controls = slices.Delete(c.desc.Controls, i, i+1)
		}
		c.desc.Controls = append(c.desc.Controls, e.Info)
	case furitype.ControlDeleteEvent:
		if i := c.controlIndex(e.ControlID); i >= 0 {
			c.desc.Controls = slices.Delete(c.desc.Controls, i, i+1)
		} else {
			c.mismatch("control-delete", e.ControlID)
		}
	case furitype.ControlRenameEvent:
		if i := c.controlIndex(e.ControlID); i >= 0 {
			c.desc.Controls[i].Name = e.Name
		} else {
			c.mismatch("control-rename", e.ControlID)
		}
	case furitype.ControlPressEvent:
		i := c.controlIndex(e.ControlID)
		if i < 0 {
			c.mismatch("control-press", e.ControlID)
			break
		}
		c.desc.Controls[i].Pressed = e.Press
		if e.Press {
			return c.desc.Controls[i], true
		}
	case furitype.ControlClearLastUnpressEvent:
		if i := c.controlIndex(e.ControlID); i >= 0 {
			c.desc.Controls[i].LastUnpress = nil
		} else {
			c.mismatch("control-clear-last-unpress", e.ControlID)
		}
	default:
		c.logger.Warn("unhandled envelope", zap.String("type", fmt.Sprintf("%T", env)))
	}
	return furitype.ControlInfo{}, false
}

func (c *descriptorCache) sensorIndex(id int64) int {
	return slices.IndexFunc(c.desc.Sensors, func(s furitype.SensorInfo) bool { return s.ID == id })
}

func (c *descriptorCache) controlIndex(id int64) int {
	return slices.IndexFunc(c.desc.Controls, func(s furitype.ControlInfo) bool { return s.ID == id })
}

// pressed lists the controls asserted in the current snapshot.
func (c *descriptorCache) pressed() []furitype.ControlInfo {
	var out []furitype.ControlInfo
	for _, ctl := range c.desc.Controls {
		if ctl.Pressed {
			out = append(out, ctl)
		}
	}
	return out
}
