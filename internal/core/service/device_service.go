package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/berfenger/furi/internal/core/port"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// DeviceService holds the operations behind the device and operator APIs.
// Every change that devices or viewers should see goes through the
// coordinator so it is published only after commit.
type DeviceService struct {
	store       port.Store
	coordinator port.EventCoordinator
	logger      *zap.Logger
	now         func() time.Time
	hashCost    int
}

func NewDeviceService(store port.Store, coordinator port.EventCoordinator, logger *zap.Logger) *DeviceService {
	return &DeviceService{
		store:       store,
		coordinator: coordinator,
		logger:      logger.With(zap.String("service", "device")),
		now:         time.Now,
		hashCost:    bcrypt.DefaultCost,
	}
}

// WithHashCost lowers the bcrypt cost, for tests.
func (s *DeviceService) WithHashCost(cost int) *DeviceService {
	s.hashCost = cost
	return s
}

// Authenticate checks a device secret. Unknown devices and wrong secrets both
// yield port.ErrUnauthorized.
func (s *DeviceService) Authenticate(ctx context.Context, deviceID int64, secret string) (furitype.DeviceInfo, error) {
	var info furitype.DeviceInfo
	var hash string
	err := s.store.Transaction(ctx, func(tx port.Tx) error {
		var err error
		if info, err = tx.DeviceByID(deviceID); err != nil {
			return err
		}
		hash, err = tx.DeviceSecretHash(deviceID)
		return err
	})
	if errors.Is(err, port.ErrNotFound) {
		return furitype.DeviceInfo{}, port.ErrUnauthorized
	} else if err != nil {
		return furitype.DeviceInfo{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		s.logger.Debug("device authentication failed", zap.Int64("device", deviceID))
		return furitype.DeviceInfo{}, port.ErrUnauthorized
	}
	return info, nil
}

// CreateDevice registers a device and returns its secret. Only the bcrypt
// hash is stored.
func (s *DeviceService) CreateDevice(ctx context.Context, ownerID int64, name string) (furitype.DeviceInfo, string, error) {
	secret := strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.hashCost)
	if err != nil {
		return furitype.DeviceInfo{}, "", fmt.Errorf("hash secret: %w", err)
	}
	var info furitype.DeviceInfo
	err = s.store.Transaction(ctx, func(tx port.Tx) error {
		info, err = tx.CreateDevice(ownerID, name, string(hash))
		return err
	})
	if err != nil {
		return furitype.DeviceInfo{}, "", err
	}
	s.logger.Info("device created", zap.Int64("device", info.ID), zap.String("name", name))
	return info, secret, nil
}

func (s *DeviceService) RenameDevice(ctx context.Context, deviceID int64, name string) error {
	return s.store.Transaction(ctx, func(tx port.Tx) error {
		return tx.RenameDevice(deviceID, name)
	})
}

func (s *DeviceService) ListDevices(ctx context.Context) ([]furitype.DeviceInfo, error) {
	var devices []furitype.DeviceInfo
	err := s.store.Transaction(ctx, func(tx port.Tx) error {
		var err error
		devices, err = tx.ListDevices()
		return err
	})
	return devices, err
}

func (s *DeviceService) Descriptor(ctx context.Context, deviceID int64) (furitype.DeviceDescriptor, error) {
	var desc furitype.DeviceDescriptor
	err := s.store.Transaction(ctx, func(tx port.Tx) error {
		var err error
		desc, err = tx.Descriptor(deviceID)
		return err
	})
	return desc, err
}

// device originated

func (s *DeviceService) ReportSensorValue(ctx context.Context, deviceID, sensorID int64, value string) error {
	at := s.now()
	return s.coordinator.ApplyAndPublish(ctx, deviceID, func(tx port.Tx) error {
		return tx.SetSensorValue(deviceID, sensorID, value, at)
	}, furitype.SensorValueEvent{SensorID: sensorID, Value: value})
}

// AcknowledgeUnpress clears an asserted control and stamps its last unpress.
func (s *DeviceService) AcknowledgeUnpress(ctx context.Context, deviceID, controlID int64) error {
	at := s.now()
	return s.coordinator.ApplyAndPublish(ctx, deviceID, func(tx port.Tx) error {
		return tx.UnpressControl(deviceID, controlID, at)
	}, furitype.ControlPressEvent{ControlID: controlID, Press: false})
}

// operator originated

func (s *DeviceService) CreateSensor(ctx context.Context, deviceID int64, name, value string) (furitype.SensorInfo, error) {
	var info furitype.SensorInfo
	err := s.coordinator.ApplyAndPublishResult(ctx, deviceID, func(tx port.Tx) (furitype.Envelope, error) {
		var err error
		if info, err = tx.CreateSensor(deviceID, name, value); err != nil {
			return nil, err
		}
		return furitype.SensorCreateEvent{Info: info}, nil
	})
	return info, err
}

func (s *DeviceService) RenameSensor(ctx context.Context, deviceID, sensorID int64, name string) error {
	return s.coordinator.ApplyAndPublish(ctx, deviceID, func(tx port.Tx) error {
		return tx.RenameSensor(deviceID, sensorID, name)
	}, furitype.SensorRenameEvent{SensorID: sensorID, Name: name})
}

func (s *DeviceService) DeleteSensor(ctx context.Context, deviceID, sensorID int64) error {
	return s.coordinator.ApplyAndPublish(ctx, deviceID, func(tx port.Tx) error {
		return tx.DeleteSensor(deviceID, sensorID)
	}, furitype.SensorDeleteEvent{SensorID: sensorID})
}

func (s *DeviceService) CreateControl(ctx context.Context, deviceID int64, name string) (furitype.ControlInfo, error) {
	var info furitype.ControlInfo
	err := s.coordinator.ApplyAndPublishResult(ctx, deviceID, func(tx port.Tx) (furitype.Envelope, error) {
		var err error
		if info, err = tx.CreateControl(deviceID, name); err != nil {
			return nil, err
		}
		return furitype.ControlCreateEvent{Info: info}, nil
	})
	return info, err
}

func (s *DeviceService) RenameControl(ctx context.Context, deviceID, controlID int64, name string) error {
	return s.coordinator.ApplyAndPublish(ctx, deviceID, func(tx port.Tx) error {
		return tx.RenameControl(deviceID, controlID, name)
	}, furitype.ControlRenameEvent{ControlID: controlID, Name: name})
}

func (s *DeviceService) DeleteControl(ctx context.Context, deviceID, controlID int64) error {
	return s.coordinator.ApplyAndPublish(ctx, deviceID, func(tx port.Tx) error {
		return tx.DeleteControl(deviceID, controlID)
	}, furitype.ControlDeleteEvent{ControlID: controlID})
}

// PressControl asserts a control. Pressing an already pressed control fails
// with port.ErrConflict.
func (s *DeviceService) PressControl(ctx context.Context, deviceID, controlID int64) error {
	return s.coordinator.ApplyAndPublish(ctx, deviceID, func(tx port.Tx) error {
		return tx.PressControl(deviceID, controlID)
	}, furitype.ControlPressEvent{ControlID: controlID, Press: true})
}

func (s *DeviceService) ClearLastUnpress(ctx context.Context, deviceID, controlID int64) error {
	return s.coordinator.ApplyAndPublish(ctx, deviceID, func(tx port.Tx) error {
		return tx.ClearLastUnpress(deviceID, controlID)
	}, furitype.ControlClearLastUnpressEvent{ControlID: controlID})
}
