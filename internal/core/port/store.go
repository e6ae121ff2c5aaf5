package port

import (
	"context"
	"errors"
	"time"

	"github.com/berfenger/furi/pkg/furitype"
)

var (
	ErrTransactionFailed = errors.New("transaction failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Tx is the set of persistent operations available inside one transaction.
// Device scoped operations return ErrNotFound when the entity does not belong
// to the given device.
type Tx interface {
	DeviceByID(id int64) (furitype.DeviceInfo, error)
	DeviceSecretHash(id int64) (string, error)
	CreateDevice(ownerID int64, name, secretHash string) (furitype.DeviceInfo, error)
	RenameDevice(id int64, name string) error
	ListDevices() ([]furitype.DeviceInfo, error)
	SetDeviceOnline(id int64, online bool) error
	Descriptor(id int64) (furitype.DeviceDescriptor, error)

	CreateSensor(deviceID int64, name, value string) (furitype.SensorInfo, error)
	RenameSensor(deviceID, sensorID int64, name string) error
	DeleteSensor(deviceID, sensorID int64) error
	SetSensorValue(deviceID, sensorID int64, value string, at time.Time) error

	CreateControl(deviceID int64, name string) (furitype.ControlInfo, error)
	RenameControl(deviceID, controlID int64, name string) error
	DeleteControl(deviceID, controlID int64) error
	PressControl(deviceID, controlID int64) error
	UnpressControl(deviceID, controlID int64, at time.Time) error
	ClearLastUnpress(deviceID, controlID int64) error
}

// Store runs fn inside one transaction. It commits when fn returns nil and
// rolls back otherwise.
type Store interface {
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Mutation is a transactional change whose resulting envelope depends on the
// data it wrote, e.g. ids assigned on create.
type Mutation func(tx Tx) (furitype.Envelope, error)

// EventCoordinator commits mutations and publishes their envelopes in commit
// order.
type EventCoordinator interface {
	ApplyAndPublish(ctx context.Context, topic int64, mutation func(tx Tx) error, envelope furitype.Envelope) error
	ApplyAndPublishResult(ctx context.Context, topic int64, mutation Mutation) error
}

// ControlPresser asserts a control on behalf of an operator.
type ControlPresser interface {
	PressControl(ctx context.Context, deviceID, controlID int64) error
}
