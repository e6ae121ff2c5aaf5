package domain

// Device groups Home Assistant entities under one device registry entry.
type Device struct {
	Id           string
	Name         string
	Version      string
	Model        string
	Manufacturer string
	ViaDevice    string
}

type GenericSensor struct {
	Device   Device
	DeviceId int64
	Id       int64
	Name     string
	UniqueId string
	Icon     string
}

type GenericButton struct {
	Device   Device
	DeviceId int64
	Id       int64
	Name     string
	UniqueId string
	Icon     string
}
