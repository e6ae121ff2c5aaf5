package furitype

const (
	TYPE_BOOT    = "boot"
	TYPE_START   = "start"
	TYPE_OFFLINE = "offline"
	TYPE_SENSOR  = "sensor"
	TYPE_CONTROL = "control"

	SUBTYPE_CREATE             = "create"
	SUBTYPE_DELETE             = "delete"
	SUBTYPE_RENAME             = "rename"
	SUBTYPE_VALUE              = "value"
	SUBTYPE_PRESS              = "press"
	SUBTYPE_CLEAR_LAST_UNPRESS = "clearLastUnpress"
)

// Envelope is one event on a device topic. The set of implementations is
// closed; consumers switch over the concrete types.
type Envelope interface {
	EnvelopeType() string
	envelope()
}

type BootEvent struct {
	Descript DeviceDescriptor
}

type StartEvent struct {
	Info DeviceInfo
}

type OfflineEvent struct{}

type SensorCreateEvent struct {
	Info SensorInfo
}

type SensorDeleteEvent struct {
	SensorID int64
}

type SensorRenameEvent struct {
	SensorID int64
	Name     string
}

type SensorValueEvent struct {
	SensorID int64
	Value    string
}

type ControlCreateEvent struct {
	Info ControlInfo
}

type ControlDeleteEvent struct {
	ControlID int64
}

type ControlRenameEvent struct {
	ControlID int64
	Name      string
}

type ControlPressEvent struct {
	ControlID int64
	Press     bool
}

type ControlClearLastUnpressEvent struct {
	ControlID int64
}

func (BootEvent) EnvelopeType() string                    { return TYPE_BOOT }
func (StartEvent) EnvelopeType() string                   { return TYPE_START }
func (OfflineEvent) EnvelopeType() string                 { return TYPE_OFFLINE }
func (SensorCreateEvent) EnvelopeType() string            { return TYPE_SENSOR + "/" + SUBTYPE_CREATE }
func (SensorDeleteEvent) EnvelopeType() string            { return TYPE_SENSOR + "/" + SUBTYPE_DELETE }
func (SensorRenameEvent) EnvelopeType() string            { return TYPE_SENSOR + "/" + SUBTYPE_RENAME }
func (SensorValueEvent) EnvelopeType() string             { return TYPE_SENSOR + "/" + SUBTYPE_VALUE }
func (ControlCreateEvent) EnvelopeType() string           { return TYPE_CONTROL + "/" + SUBTYPE_CREATE }
func (ControlDeleteEvent) EnvelopeType() string           { return TYPE_CONTROL + "/" + SUBTYPE_DELETE }
func (ControlRenameEvent) EnvelopeType() string           { return TYPE_CONTROL + "/" + SUBTYPE_RENAME }
func (ControlPressEvent) EnvelopeType() string            { return TYPE_CONTROL + "/" + SUBTYPE_PRESS }
func (ControlClearLastUnpressEvent) EnvelopeType() string { return TYPE_CONTROL + "/" + SUBTYPE_CLEAR_LAST_UNPRESS }

func (BootEvent) envelope()                    {}
func (StartEvent) envelope()                   {}
func (OfflineEvent) envelope()                 {}
func (SensorCreateEvent) envelope()            {}
func (SensorDeleteEvent) envelope()            {}
func (SensorRenameEvent) envelope()            {}
func (SensorValueEvent) envelope()             {}
func (ControlCreateEvent) envelope()           {}
func (ControlDeleteEvent) envelope()           {}
func (ControlRenameEvent) envelope()           {}
func (ControlPressEvent) envelope()            {}
func (ControlClearLastUnpressEvent) envelope() {}
