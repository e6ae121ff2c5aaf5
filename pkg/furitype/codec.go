package furitype

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEnvelope   = errors.New("unknown envelope type")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Encode serializes an envelope into its tagged wire form. Field order is
// fixed: type, subtype, then the variant payload.
func Encode(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case BootEvent:
		return json.Marshal(struct {
			Type     string           `json:"type"`
			Descript DeviceDescriptor `json:"descript"`
		}{TYPE_BOOT, withEmptyLists(e.Descript)})
	case StartEvent:
		return json.Marshal(struct {
			Type string     `json:"type"`
			Info DeviceInfo `json:"info"`
		}{TYPE_START, e.Info})
	case OfflineEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{TYPE_OFFLINE})
	case SensorCreateEvent:
		return json.Marshal(struct {
			Type    string     `json:"type"`
			Subtype string     `json:"subtype"`
			Info    SensorInfo `json:"info"`
		}{TYPE_SENSOR, SUBTYPE_CREATE, e.Info})
	case SensorDeleteEvent:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Subtype string `json:"subtype"`
			Sid     int64  `json:"sid"`
		}{TYPE_SENSOR, SUBTYPE_DELETE, e.SensorID})
	case SensorRenameEvent:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Subtype string `json:"subtype"`
			Sid     int64  `json:"sid"`
			Name    string `json:"name"`
		}{TYPE_SENSOR, SUBTYPE_RENAME, e.SensorID, e.Name})
	case SensorValueEvent:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Subtype string `json:"subtype"`
			Sid     int64  `json:"sid"`
			Value   string `json:"value"`
		}{TYPE_SENSOR, SUBTYPE_VALUE, e.SensorID, e.Value})
	case ControlCreateEvent:
		return json.Marshal(struct {
			Type    string      `json:"type"`
			Subtype string      `json:"subtype"`
			Info    ControlInfo `json:"info"`
		}{TYPE_CONTROL, SUBTYPE_CREATE, e.Info})
	case ControlDeleteEvent:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Subtype string `json:"subtype"`
			Cid     int64  `json:"cid"`
		}{TYPE_CONTROL, SUBTYPE_DELETE, e.ControlID})
	case ControlRenameEvent:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Subtype string `json:"subtype"`
			Cid     int64  `json:"cid"`
			Name    string `json:"name"`
		}{TYPE_CONTROL, SUBTYPE_RENAME, e.ControlID, e.Name})
	case ControlPressEvent:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Subtype string `json:"subtype"`
			Cid     int64  `json:"cid"`
			Press   bool   `json:"press"`
		}{TYPE_CONTROL, SUBTYPE_PRESS, e.ControlID, e.Press})
	case ControlClearLastUnpressEvent:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Subtype string `json:"subtype"`
			Cid     int64  `json:"cid"`
		}{TYPE_CONTROL, SUBTYPE_CLEAR_LAST_UNPRESS, e.ControlID})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEnvelope, env)
	}
}

type wireEnvelope struct {
	Type     string            `json:"type"`
	Subtype  string            `json:"subtype"`
	Info     json.RawMessage   `json:"info"`
	Descript *DeviceDescriptor `json:"descript"`
	Sid      *int64            `json:"sid"`
	Cid      *int64            `json:"cid"`
	Name     *string           `json:"name"`
	Value    *string           `json:"value"`
	Press    *bool             `json:"press"`
}

// Decode parses one wire envelope. Unknown type/subtype pairs yield
// ErrUnknownEnvelope, missing payload fields ErrMalformedEnvelope.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	switch w.Type {
	case TYPE_BOOT:
		if w.Descript == nil {
			return nil, malformed(w, "descript")
		}
		return BootEvent{Descript: *w.Descript}, nil
	case TYPE_START:
		var info DeviceInfo
		if err := unmarshalInfo(w, &info); err != nil {
			return nil, err
		}
		return StartEvent{Info: info}, nil
	case TYPE_OFFLINE:
		return OfflineEvent{}, nil
	case TYPE_SENSOR:
		return decodeSensor(w)
	case TYPE_CONTROL:
		return decodeControl(w)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, w.Type)
}

func decodeSensor(w wireEnvelope) (Envelope, error) {
	switch w.Subtype {
	case SUBTYPE_CREATE:
		var info SensorInfo
		if err := unmarshalInfo(w, &info); err != nil {
			return nil, err
		}
		return SensorCreateEvent{Info: info}, nil
	case SUBTYPE_DELETE:
		if w.Sid == nil {
			return nil, malformed(w, "sid")
		}
		return SensorDeleteEvent{SensorID: *w.Sid}, nil
	case SUBTYPE_RENAME:
		if w.Sid == nil || w.Name == nil {
			return nil, malformed(w, "sid/name")
		}
		return SensorRenameEvent{SensorID: *w.Sid, Name: *w.Name}, nil
	case SUBTYPE_VALUE:
		if w.Sid == nil || w.Value == nil {
			return nil, malformed(w, "sid/value")
		}
		return SensorValueEvent{SensorID: *w.Sid, Value: *w.Value}, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownEnvelope, w.Type, w.Subtype)
}

func decodeControl(w wireEnvelope) (Envelope, error) {
	switch w.Subtype {
	case SUBTYPE_CREATE:
		var info ControlInfo
		if err := unmarshalInfo(w, &info); err != nil {
			return nil, err
		}
		return ControlCreateEvent{Info: info}, nil
	case SUBTYPE_DELETE:
		if w.Cid == nil {
			return nil, malformed(w, "cid")
		}
		return ControlDeleteEvent{ControlID: *w.Cid}, nil
	case SUBTYPE_RENAME:
		if w.Cid == nil || w.Name == nil {
			return nil, malformed(w, "cid/name")
		}
		return ControlRenameEvent{ControlID: *w.Cid, Name: *w.Name}, nil
	case SUBTYPE_PRESS:
		if w.Cid == nil || w.Press == nil {
			return nil, malformed(w, "cid/press")
		}
		return ControlPressEvent{ControlID: *w.Cid, Press: *w.Press}, nil
	case SUBTYPE_CLEAR_LAST_UNPRESS:
		if w.Cid == nil {
			return nil, malformed(w, "cid")
		}
		return ControlClearLastUnpressEvent{ControlID: *w.Cid}, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownEnvelope, w.Type, w.Subtype)
}

func unmarshalInfo(w wireEnvelope, target any) error {
	if len(w.Info) == 0 {
		return malformed(w, "info")
	}
	if err := json.Unmarshal(w.Info, target); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return nil
}

func malformed(w wireEnvelope, field string) error {
	if w.Subtype != "" {
		return fmt.Errorf("%w: %s/%s missing %s", ErrMalformedEnvelope, w.Type, w.Subtype, field)
	}
	return fmt.Errorf("%w: %s missing %s", ErrMalformedEnvelope, w.Type, field)
}

func withEmptyLists(d DeviceDescriptor) DeviceDescriptor {
	if d.Sensors == nil {
		d.Sensors = []SensorInfo{}
	}
	if d.Controls == nil {
		d.Controls = []ControlInfo{}
	}
	return d
}
