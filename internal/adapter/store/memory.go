package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/berfenger/furi/internal/core/port"
	"github.com/berfenger/furi/pkg/furitype"
)

// MemoryStore keeps all data in process. Each transaction works on a copy of
// the data which replaces the original only on commit.
type MemoryStore struct {
	mu   sync.Mutex
	data memoryData
}

type memoryData struct {
	devices  []memoryDevice
	sensors  []furitype.SensorInfo
	controls []furitype.ControlInfo
	nextID   int64
}

type memoryDevice struct {
	info       furitype.DeviceInfo
	secretHash string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memoryData{nextID: 1}}
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx port.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{data: s.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		devices:  slices.Clone(d.devices),
		sensors:  make([]furitype.SensorInfo, len(d.sensors)),
		controls: make([]furitype.ControlInfo, len(d.controls)),
		nextID:   d.nextID,
	}
	for i, sensor := range d.sensors {
		sensor.LastUpdated = copyTime(sensor.LastUpdated)
		out.sensors[i] = sensor
	}
	for i, control := range d.controls {
		control.LastUnpress = copyTime(control.LastUnpress)
		out.controls[i] = control
	}
	return out
}

type memoryTx struct {
	data memoryData
}

func (tx *memoryTx) id() int64 {
	id := tx.data.nextID
	tx.data.nextID++
	return id
}

func (tx *memoryTx) device(id int64) (*memoryDevice, error) {
	for i := range tx.data.devices {
		if tx.data.devices[i].info.ID == id {
			return &tx.data.devices[i], nil
		}
	}
	return nil, fmt.Errorf("device %d: %w", id, port.ErrNotFound)
}

func (tx *memoryTx) sensor(deviceID, sensorID int64) (int, error) {
	i := slices.IndexFunc(tx.data.sensors, func(s furitype.SensorInfo) bool {
		return s.ID == sensorID && s.DeviceID == deviceID
	})
	if i < 0 {
		return -1, fmt.Errorf("sensor %d on device %d: %w", sensorID, deviceID, port.ErrNotFound)
	}
	return i, nil
}

func (tx *memoryTx) control(deviceID, controlID int64) (int, error) {
	i := slices.IndexFunc(tx.data.controls, func(c furitype.ControlInfo) bool {
		return c.ID == controlID && c.DeviceID == deviceID
	})
	if i < 0 {
		return -1, fmt.Errorf("control %d on device %d: %w", controlID, deviceID, port.ErrNotFound)
	}
	return i, nil
}

func (tx *memoryTx) DeviceByID(id int64) (furitype.DeviceInfo, error) {
	d, err := tx.device(id)
	if err != nil {
		return furitype.DeviceInfo{}, err
	}
	return d.info, nil
}

func (tx *memoryTx) DeviceSecretHash(id int64) (string, error) {
	d, err := tx.device(id)
	if err != nil {
		return "", err
	}
	return d.secretHash, nil
}

func (tx *memoryTx) CreateDevice(ownerID int64, name, secretHash string) (furitype.DeviceInfo, error) {
	info := furitype.DeviceInfo{ID: tx.id(), OwnerID: ownerID, Name: name}
	tx.data.devices = append(tx.data.devices, memoryDevice{info: info, secretHash: secretHash})
	return info, nil
}

func (tx *memoryTx) RenameDevice(id int64, name string) error {
	d, err := tx.device(id)
	if err != nil {
		return err
	}
	d.info.Name = name
	return nil
}

func (tx *memoryTx) ListDevices() ([]furitype.DeviceInfo, error) {
	out := make([]furitype.DeviceInfo, 0, len(tx.data.devices))
	for _, d := range tx.data.devices {
		out = append(out, d.info)
	}
	return out, nil
}

func (tx *memoryTx) SetDeviceOnline(id int64, online bool) error {
	d, err := tx.device(id)
	if err != nil {
		return err
	}
	d.info.IsOnline = online
	return nil
}

func (tx *memoryTx) Descriptor(id int64) (furitype.DeviceDescriptor, error) {
	d, err := tx.device(id)
	if err != nil {
		return furitype.DeviceDescriptor{}, err
	}
	desc := furitype.DeviceDescriptor{
		DeviceInfo: d.info,
		Sensors:    []furitype.SensorInfo{},
		Controls:   []furitype.ControlInfo{},
	}
	for _, s := range tx.data.sensors {
		if s.DeviceID == id {
			desc.Sensors = append(desc.Sensors, s)
		}
	}
	for _, c := range tx.data.controls {
		if c.DeviceID == id {
			desc.Controls = append(desc.Controls, c)
		}
	}
	return desc.Clone(), nil
}

func (tx *memoryTx) CreateSensor(deviceID int64, name, value string) (furitype.SensorInfo, error) {
	if _, err := tx.device(deviceID); err != nil {
		return furitype.SensorInfo{}, err
	}
	for _, s := range tx.data.sensors {
		if s.DeviceID == deviceID && s.Name == name {
			return furitype.SensorInfo{}, fmt.Errorf("sensor %q: %w", name, port.ErrConflict)
		}
	}
	sensor := furitype.SensorInfo{ID: tx.id(), DeviceID: deviceID, Name: name, Value: value}
	tx.data.sensors = append(tx.data.sensors, sensor)
	return sensor, nil
}

func (tx *memoryTx) RenameSensor(deviceID, sensorID int64, name string) error {
	i, err := tx.sensor(deviceID, sensorID)
	if err != nil {
		return err
	}
	for _, s := range tx.data.sensors {
		if s.DeviceID == deviceID && s.ID != sensorID && s.Name == name {
			return fmt.Errorf("sensor %q: %w", name, port.ErrConflict)
		}
	}
	tx.data.sensors[i].Name = name
	return nil
}

func (tx *memoryTx) DeleteSensor(deviceID, sensorID int64) error {
	i, err := tx.sensor(deviceID, sensorID)
	if err != nil {
		return err
	}
	tx.data.sensors = slices.Delete(tx.data.sensors, i, i+1)
	return nil
}

func (tx *memoryTx) SetSensorValue(deviceID, sensorID int64, value string, at time.Time) error {
	i, err := tx.sensor(deviceID, sensorID)
	if err != nil {
		return err
	}
	tx.data.sensors[i].Value = value
	tx.data.sensors[i].LastUpdated = furitype.UnixTime(at)
	return nil
}

func (tx *memoryTx) CreateControl(deviceID int64, name string) (furitype.ControlInfo, error) {
	if _, err := tx.device(deviceID); err != nil {
		return furitype.ControlInfo{}, err
	}
	for _, c := range tx.data.controls {
		if c.DeviceID == deviceID && c.Name == name {
			return furitype.ControlInfo{}, fmt.Errorf("control %q: %w", name, port.ErrConflict)
		}
	}
	control := furitype.ControlInfo{ID: tx.id(), DeviceID: deviceID, Name: name}
	tx.data.controls = append(tx.data.controls, control)
	return control, nil
}

func (tx *memoryTx) RenameControl(deviceID, controlID int64, name string) error {
	i, err := tx.control(deviceID, controlID)
	if err != nil {
		return err
	}
	for _, c := range tx.data.controls {
		if c.DeviceID == deviceID && c.ID != controlID && c.Name == name {
			return fmt.Errorf("control %q: %w", name, port.ErrConflict)
		}
	}
	tx.data.controls[i].Name = name
	return nil
}

func (tx *memoryTx) DeleteControl(deviceID, controlID int64) error {
	i, err := tx.control(deviceID, controlID)
	if err != nil {
		return err
	}
	tx.data.controls = slices.Delete(tx.data.controls, i, i+1)
	return nil
}

func (tx *memoryTx) PressControl(deviceID, controlID int64) error {
	i, err := tx.control(deviceID, controlID)
	if err != nil {
		return err
	}
	if tx.data.controls[i].Pressed {
		return fmt.Errorf("control %d already pressed: %w", controlID, port.ErrConflict)
	}
	tx.data.controls[i].Pressed = true
	return nil
}

func (tx *memoryTx) UnpressControl(deviceID, controlID int64, at time.Time) error {
	i, err := tx.control(deviceID, controlID)
	if err != nil {
		return err
	}
	tx.data.controls[i].Pressed = false
	tx.data.controls[i].LastUnpress = furitype.UnixTime(at)
	return nil
}

func (tx *memoryTx) ClearLastUnpress(deviceID, controlID int64) error {
	i, err := tx.control(deviceID, controlID)
	if err != nil {
		return err
	}
	tx.data.controls[i].LastUnpress = nil
	return nil
}

func copyTime(ts *int64) *int64 {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}
