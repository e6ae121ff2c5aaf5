package modbusio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestApplySF(t *testing.T) {
	assert.InDelta(t, 23.4, applySF(234, -1), 0.0001)
	assert.InDelta(t, 1200, applySF(12, 2), 0.0001)
	assert.InDelta(t, 7, applySF(7, 0), 0.0001)
}

func TestPointFormat(t *testing.T) {
	assert.Equal(t, "23.40", Point{Decimals: 2}.format(23.4))
	assert.Equal(t, "-3", Point{}.format(-3.2))
}

func TestTestRegisterBank(t *testing.T) {
	bank := NewTestRegisterBank()
	bank.Set(100, 65535)
	bank.Strings[200] = "furi"

	v, err := bank.ReadPoint(Point{Address: 100, Kind: KIND_INT16})
	require.NoError(t, err)
	assert.Equal(t, "-1", v)

	v, err = bank.ReadPoint(Point{Address: 100, Kind: KIND_UINT16, ScaleFactor: -2, Decimals: 2})
	require.NoError(t, err)
	assert.Equal(t, "655.35", v)

	v, err = bank.ReadPoint(Point{Address: 200, Kind: KIND_STRING})
	require.NoError(t, err)
	assert.Equal(t, "furi", v)

	_, err = bank.ReadPoint(Point{Address: 101, Kind: KIND_UINT16})
	assert.ErrorIs(t, err, ErrUnknownRegister)

	require.NoError(t, bank.WriteControl(ControlBinding{Address: 5, Coil: true}))
	require.NoError(t, bank.WriteControl(ControlBinding{Address: 6, Value: 3}))
	assert.True(t, bank.Coils[5])
	assert.Equal(t, uint32(3), bank.Registers[6])
	assert.Equal(t, 2, bank.WriteCount())
}

func TestRecordTimer(t *testing.T) {
	var names []string
	inst := []ModbusInstrument{{RecordTime: func(fnName string, _ time.Duration) {
		names = append(names, fnName)
	}}}
	RecordTimer("ReadRegister", inst)()
	RecordTimer("WriteCoil", nil)()
	assert.Equal(t, []string{"ReadRegister"}, names)
}

func TestCreateTCPRegisterBank(t *testing.T) {
	bank, err := CreateTCPRegisterBank("127.0.0.1", 5020, 1, time.Second, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.NotNil(t, bank)
}
