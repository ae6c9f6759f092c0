// Package sensor reads DS18B20 temperature sensors on a 1-Wire bus.
package sensor

import (
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/boiler/log2"
	"github.com/temoto/boiler/reading"
	"periph.io/x/periph/conn/onewire"
	"periph.io/x/periph/conn/onewire/onewirereg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/devices/ds18b20"
	_ "periph.io/x/periph/experimental/host/netlink" // w1 over netlink
	"periph.io/x/periph/host"
)

const (
	FamilyDS18B20         = 0x28
	DefaultResolutionBits = 12
)

// Driver is what acquisition needs from a sensor bus.
// Addresses are valid until next Scan.
type Driver interface {
	Scan() (int, error)
	ConvertAll() error
	AddressOf(index int) (reading.SensorID, error)
	Read(id reading.SensorID) (float64, error)
}

type OneWire struct {
	Log  *log2.Log
	bus  onewire.Bus
	bits int

	mu    sync.Mutex
	addrs []onewire.Address
	devs  map[onewire.Address]*ds18b20.Dev
}

var _ Driver = &OneWire{}

// Open initializes periph host drivers and opens bus by name,
// empty name selects the first registered 1-Wire bus.
func Open(name string, bits int, log *log2.Log) (*OneWire, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := onewirereg.Open(name)
	if err != nil {
		return nil, errors.Annotatef(err, "onewire open bus=%s", name)
	}
	return New(bus, bits, log), nil
}

func New(bus onewire.Bus, bits int, log *log2.Log) *OneWire {
	if bits < 9 || bits > 12 {
		bits = DefaultResolutionBits
	}
	return &OneWire{
		Log:  log,
		bus:  bus,
		bits: bits,
		devs: make(map[onewire.Address]*ds18b20.Dev),
	}
}

// Scan searches the bus and keeps only DS18B20 devices, sorted by address.
func (o *OneWire) Scan() (int, error) {
	found, err := o.bus.Search(false)
	if err != nil {
		return 0, errors.Annotate(err, "onewire search")
	}
	addrs := make([]onewire.Address, 0, len(found))
	for _, a := range found {
		if family(a) != FamilyDS18B20 {
			o.Log.Debugf("sensor skip addr=%016X family=%02x", uint64(a), family(a))
			continue
		}
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	o.mu.Lock()
	o.addrs = addrs
	o.mu.Unlock()
	o.Log.Debugf("sensor scan found=%d ds18b20=%d", len(found), len(addrs))
	return len(addrs), nil
}

// ConvertAll starts temperature conversion on every device at once
// and blocks for conversion time.
func (o *OneWire) ConvertAll() error {
	return errors.Annotate(ds18b20.ConvertAll(o.bus, o.bits), "ds18b20 convert")
}

func (o *OneWire) AddressOf(index int) (reading.SensorID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if index < 0 || index >= len(o.addrs) {
		return 0, errors.NotFoundf("sensor index=%d scanned=%d", index, len(o.addrs))
	}
	return reading.SensorID(o.addrs[index]), nil
}

// Read returns the result of last conversion in Celsius.
func (o *OneWire) Read(id reading.SensorID) (float64, error) {
	addr := onewire.Address(id)
	o.mu.Lock()
	dev, ok := o.devs[addr]
	o.mu.Unlock()
	if !ok {
		var err error
		dev, err = ds18b20.New(o.bus, addr, o.bits)
		if err != nil {
			return 0, errors.Annotatef(err, "ds18b20 addr=%s", id)
		}
		o.mu.Lock()
		o.devs[addr] = dev
		o.mu.Unlock()
	}
	t, err := dev.LastTemp()
	if err != nil {
		return 0, errors.Annotatef(err, "ds18b20 read addr=%s", id)
	}
	return Celsius(t), nil
}

func Celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Kelvin)
}

func family(a onewire.Address) byte { return byte(a & 0xff) }
