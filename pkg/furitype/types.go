// Package furitype holds the wire model shared by the furi server and device
// clients: device descriptors and the event envelopes pushed over the device
// event stream.
package furitype

import "time"

type DeviceInfo struct {
	ID       int64  `json:"id"`
	OwnerID  int64  `json:"ownerId"`
	Name     string `json:"name"`
	IsOnline bool   `json:"isOnline"`
}

type SensorInfo struct {
	ID          int64  `json:"id"`
	DeviceID    int64  `json:"deviceId"`
	Name        string `json:"name"`
	Value       string `json:"value"`
	LastUpdated *int64 `json:"lastUpdated"`
}

// ControlInfo describes a remotely triggerable action. Pressed is true while an
// operator command is asserted and the device has not acknowledged it yet.
type ControlInfo struct {
	ID          int64  `json:"id"`
	DeviceID    int64  `json:"deviceId"`
	Name        string `json:"name"`
	Pressed     bool   `json:"pressed"`
	LastUnpress *int64 `json:"lastUnpress"`
}

// DeviceDescriptor is the full state snapshot of a device.
type DeviceDescriptor struct {
	DeviceInfo
	Sensors  []SensorInfo  `json:"sensors"`
	Controls []ControlInfo `json:"controls"`
}

func UnixTime(t time.Time) *int64 {
	ts := t.Unix()
	return &ts
}

func (d DeviceDescriptor) SensorByName(name string) (SensorInfo, bool) {
	for _, s := range d.Sensors {
		if s.Name == name {
			return s, true
		}
	}
	return SensorInfo{}, false
}

func (d DeviceDescriptor) ControlByName(name string) (ControlInfo, bool) {
	for _, c := range d.Controls {
		if c.Name == name {
			return c, true
		}
	}
	return ControlInfo{}, false
}

// Clone returns a deep copy of the descriptor.
func (d DeviceDescriptor) Clone() DeviceDescriptor {
	out := DeviceDescriptor{DeviceInfo: d.DeviceInfo}
	if d.Sensors != nil {
		out.Sensors = make([]SensorInfo, len(d.Sensors))
		for i, s := range d.Sensors {
			s.LastUpdated = cloneTime(s.LastUpdated)
			out.Sensors[i] = s
		}
	}
	if d.Controls != nil {
		out.Controls = make([]ControlInfo, len(d.Controls))
		for i, c := range d.Controls {
			c.LastUnpress = cloneTime(c.LastUnpress)
			out.Controls[i] = c
		}
	}
	return out
}

func cloneTime(ts *int64) *int64 {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}
