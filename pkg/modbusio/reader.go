package modbusio

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// RegisterBank reads points from and writes controls to a field-bus slave.
type RegisterBank interface {
	Open() error
	Close() error
	ReadPoint(point Point) (string, error)
	WriteControl(binding ControlBinding) error
}

type ModbusClient struct {
	client     *modbus.ModbusClient
	instrument []ModbusInstrument
}

type ModbusInstrument struct {
	RecordTime func(fnName string, readTime time.Duration)
}

func CreateTCPRegisterBank(host string, port uint, unitId uint8, timeout time.Duration,
	logger *zap.Logger, instrumentation *ModbusInstrument) (RegisterBank, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", host, port),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	// instrumentation
	var inst []ModbusInstrument
	logInst := traceLoggerInstrumentation(logger.With(zap.String("target", host)).With(zap.Uint8("unit", unitId)))
	if logInst != nil {
		inst = append(inst, *logInst)
	}
	if instrumentation != nil {
		inst = append(inst, *instrumentation)
	}

	err = client.SetUnitId(unitId)
	if err != nil {
		return nil, err
	}
	return &ModbusClient{
		client:     client,
		instrument: inst,
	}, nil
}

func (reader *ModbusClient) Open() error {
	return reader.client.Open()
}

func (reader *ModbusClient) Close() error {
	return reader.client.Close()
}

func (reader *ModbusClient) ReadPoint(point Point) (string, error) {
	regType := modbus.HOLDING_REGISTER
	if point.Input {
		regType = modbus.INPUT_REGISTER
	}
	switch point.Kind {
	case KIND_UINT16:
		v, err := reader.readRegister(point.Address, regType)
		if err != nil {
			return "", err
		}
		return point.format(applySF(float64(v), point.ScaleFactor)), nil
	case KIND_INT16:
		v, err := reader.readRegister(point.Address, regType)
		if err != nil {
			return "", err
		}
		return point.format(applySF(float64(int16(v)), point.ScaleFactor)), nil
	case KIND_UINT32:
		v, err := reader.readUint32(point.Address, regType)
		if err != nil {
			return "", err
		}
		return point.format(applySF(float64(v), point.ScaleFactor)), nil
	case KIND_FLOAT32:
		v, err := reader.readFloat32(point.Address, regType)
		if err != nil {
			return "", err
		}
		return point.format(applySF(float64(v), point.ScaleFactor)), nil
	case KIND_STRING:
		return reader.readString(point.Address, point.Quantity, regType)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, point.Kind)
	}
}

func (reader *ModbusClient) WriteControl(binding ControlBinding) error {
	if binding.Coil {
		return reader.writeCoil(binding.Address, true)
	}
	return reader.writeRegister(binding.Address, binding.Value)
}

func (reader *ModbusClient) readString(address uint16, size uint16, regType modbus.RegType) (string, error) {
	bytes, err := reader.readRawBytes(address, size, regType)
	if err != nil {
		return "", err
	}
	f := slices.Index(bytes, 0x00)
	if f >= 0 {
		return string(bytes[:f]), nil
	}
	return string(bytes), nil
}

func (reader *ModbusClient) readRegister(addr uint16, regType modbus.RegType) (uint16, error) {
	defer RecordTimer("ReadRegister", reader.instrument)()
	return reader.client.ReadRegister(addr, regType)
}

func (reader *ModbusClient) readUint32(addr uint16, regType modbus.RegType) (uint32, error) {
	defer RecordTimer("ReadUint32", reader.instrument)()
	return reader.client.ReadUint32(addr, regType)
}

func (reader *ModbusClient) readFloat32(addr uint16, regType modbus.RegType) (float32, error) {
	defer RecordTimer("ReadFloat32", reader.instrument)()
	return reader.client.ReadFloat32(addr, regType)
}

func (reader *ModbusClient) readRawBytes(addr uint16, quantity uint16, regType modbus.RegType) ([]byte, error) {
	defer RecordTimer("ReadRawBytes", reader.instrument)()
	return reader.client.ReadRawBytes(addr, quantity, regType)
}

func (reader *ModbusClient) writeRegister(addr uint16, value uint16) error {
	defer RecordTimer("WriteRegister", reader.instrument)()
	return reader.client.WriteRegister(addr, value)
}

func (reader *ModbusClient) writeCoil(addr uint16, value bool) error {
	defer RecordTimer("WriteCoil", reader.instrument)()
	return reader.client.WriteCoil(addr, value)
}

func applySF(number float64, sf int16) float64 {
	return number * math.Pow(10, float64(sf))
}

func (p Point) format(value float64) string {
	return strconv.FormatFloat(value, 'f', int(p.Decimals), 64)
}

func traceLoggerInstrumentation(logger *zap.Logger) *ModbusInstrument {
	if !logger.Core().Enabled(zap.DebugLevel) {
		return nil
	}
	return &ModbusInstrument{
		RecordTime: func(fnName string, readTime time.Duration) {
			logger.Debug("modbus timing", zap.String("fn", fnName), zap.Int64("millis", readTime.Milliseconds()))
		},
	}
}

func RecordTimer(name string, instrument []ModbusInstrument) func() {
	if instrument == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		for i := range instrument {
			instrument[i].RecordTime(name, duration)
		}
	}
}
