package sensor

import (
	"fmt"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/boiler/log2"
	"github.com/temoto/boiler/reading"
	"periph.io/x/periph/conn/onewire"
	"periph.io/x/periph/conn/physic"
)

type searchBus struct {
	found []onewire.Address
	err   error
}

func (b *searchBus) String() string { return "test-bus" }
func (b *searchBus) Halt() error    { return nil }
func (b *searchBus) Tx(w, r []byte, power onewire.Pullup) error {
	return fmt.Errorf("tx not scripted")
}
func (b *searchBus) Search(alarmOnly bool) ([]onewire.Address, error) { return b.found, b.err }

func TestOneWireScan(t *testing.T) {
	t.Parallel()

	bus := &searchBus{found: []onewire.Address{
		0xb30000071f2e4a28,
		0x1200000000000010, // DS18S20, other family
		0x0a00000713c8e128,
	}}
	o := New(bus, 0, log2.NewTest(t, log2.LDebug))
	assert.Equal(t, DefaultResolutionBits, o.bits)
	n, err := o.Scan()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	id, err := o.AddressOf(0)
	require.NoError(t, err)
	assert.Equal(t, "0A00000713C8E128", id.String())
	id, err = o.AddressOf(1)
	require.NoError(t, err)
	assert.Equal(t, reading.SensorID(0xb30000071f2e4a28), id)
	_, err = o.AddressOf(2)
	assert.True(t, errors.IsNotFound(err))

	bus.err = fmt.Errorf("bus short")
	_, err = o.Scan()
	assert.Error(t, err)
}

func TestCelsius(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.0, Celsius(physic.ZeroCelsius), 1e-9)
	assert.InDelta(t, 21.5, Celsius(physic.ZeroCelsius+21500*physic.MilliKelvin), 1e-9)
	assert.InDelta(t, -10.25, Celsius(physic.ZeroCelsius-10250*physic.MilliKelvin), 1e-9)
}

func TestMock(t *testing.T) {
	t.Parallel()

	m := NewMock(map[reading.SensorID]float64{3: 30, 1: 10, 2: 20})
	n, err := m.Scan()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for i, expect := range []float64{10, 20, 30} {
		id, err := m.AddressOf(i)
		require.NoError(t, err)
		v, err := m.Read(id)
		require.NoError(t, err)
		assert.Equal(t, expect, v)
	}
	require.NoError(t, m.ConvertAll())
	assert.Equal(t, 1, m.Converts)

	m.Remove(2)
	n, err = m.Scan()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = m.Read(2)
	assert.True(t, errors.IsNotFound(err))
}
