package modbusio

import "errors"

var (
	ErrUnknownKind     = errors.New("unknown register kind")
	ErrUnknownRegister = errors.New("unknown register")
)

type RegisterKind string

const (
	KIND_UINT16  RegisterKind = "uint16"
	KIND_INT16   RegisterKind = "int16"
	KIND_UINT32  RegisterKind = "uint32"
	KIND_FLOAT32 RegisterKind = "float32"
	KIND_STRING  RegisterKind = "string"
)

// Point maps a register (or a run of registers for strings) to a sensor name.
type Point struct {
	Sensor      string       `mapstructure:"sensor"`
	Address     uint16       `mapstructure:"address"`
	Kind        RegisterKind `mapstructure:"kind"`
	Input       bool         `mapstructure:"input"`
	Quantity    uint16       `mapstructure:"quantity"`
	ScaleFactor int16        `mapstructure:"scale_factor"`
	Decimals    uint8        `mapstructure:"decimals"`
}

// ControlBinding maps a control name to a coil set or a register write.
type ControlBinding struct {
	Control string `mapstructure:"control"`
	Address uint16 `mapstructure:"address"`
	Coil    bool   `mapstructure:"coil"`
	Value   uint16 `mapstructure:"value"`
}
