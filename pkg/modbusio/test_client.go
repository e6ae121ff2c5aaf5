package modbusio

import (
	"fmt"
	"sync"
)

// TestRegisterBank is an in-memory register bank. Registers hold raw values,
// Strings holds string points by address.
type TestRegisterBank struct {
	mu        sync.Mutex
	Registers map[uint16]uint32
	Strings   map[uint16]string
	Coils     map[uint16]bool
	Writes    []ControlBinding
}

func NewTestRegisterBank() *TestRegisterBank {
	return &TestRegisterBank{
		Registers: map[uint16]uint32{},
		Strings:   map[uint16]string{},
		Coils:     map[uint16]bool{},
	}
}

func (bank *TestRegisterBank) Open() error {
	return nil
}

func (bank *TestRegisterBank) Close() error {
	return nil
}

func (bank *TestRegisterBank) Set(addr uint16, value uint32) {
	bank.mu.Lock()
	defer bank.mu.Unlock()
	bank.Registers[addr] = value
}

func (bank *TestRegisterBank) ReadPoint(point Point) (string, error) {
	bank.mu.Lock()
	defer bank.mu.Unlock()
	if point.Kind == KIND_STRING {
		s, ok := bank.Strings[point.Address]
		if !ok {
			return "", fmt.Errorf("%w: %d", ErrUnknownRegister, point.Address)
		}
		return s, nil
	}
	raw, ok := bank.Registers[point.Address]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownRegister, point.Address)
	}
	switch point.Kind {
	case KIND_UINT16:
		return point.format(applySF(float64(uint16(raw)), point.ScaleFactor)), nil
	case KIND_INT16:
		return point.format(applySF(float64(int16(uint16(raw))), point.ScaleFactor)), nil
	case KIND_UINT32, KIND_FLOAT32:
		return point.format(applySF(float64(raw), point.ScaleFactor)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, point.Kind)
	}
}

func (bank *TestRegisterBank) WriteControl(binding ControlBinding) error {
	bank.mu.Lock()
	defer bank.mu.Unlock()
	if binding.Coil {
		bank.Coils[binding.Address] = true
	} else {
		bank.Registers[binding.Address] = uint32(binding.Value)
	}
	bank.Writes = append(bank.Writes, binding)
	return nil
}

func (bank *TestRegisterBank) WriteCount() int {
	bank.mu.Lock()
	defer bank.mu.Unlock()
	return len(bank.Writes)
}
