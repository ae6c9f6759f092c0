package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/boiler/hardware/led"
	"github.com/temoto/boiler/hardware/power"
	"github.com/temoto/boiler/hardware/sensor"
	"github.com/temoto/boiler/hardware/wifi"
	"github.com/temoto/boiler/reading"
)

type hardware struct {
	LED struct {
		once
		l *led.LED
	}
	Sensors struct {
		once
		Driver sensor.Driver
	}
	Restarter struct {
		once
		r power.Restarter
	}
}

// LED returns nil,nil when disabled in config.
func (g *Global) LED() (*led.LED, error) {
	x := &g.Hardware.LED // short alias
	_ = x.do(func() error {
		if !g.Config.LED.Enable {
			return nil
		}
		l, err := led.Open(g.Config.LEDConfig())
		if err != nil {
			return errors.Annotatef(err, "config: led.chip=%s", g.Config.LED.Chip)
		}
		x.l = l
		return nil
	})
	return x.l, x.err
}

func (g *Global) Sensors() (sensor.Driver, error) {
	x := &g.Hardware.Sensors // short alias
	_ = x.do(func() error {
		if x.Driver != nil { // test mode
			return nil
		}
		cfg := &g.Config.Sensor
		if cfg.Mock {
			x.Driver = NewMockSensors(cfg.Expect)
			g.Log.Infof("sensor mock count=%d", cfg.Expect)
			return nil
		}
		d, err := sensor.Open(cfg.Bus, cfg.ResolutionBits, g.Log)
		if err != nil {
			return errors.Annotatef(err, "config: sensor.bus=%s", cfg.Bus)
		}
		x.Driver = d
		return nil
	})
	return x.Driver, x.err
}

func (g *Global) Restarter() (power.Restarter, error) {
	x := &g.Hardware.Restarter // short alias
	_ = x.do(func() error {
		if x.r != nil { // test mode
			return nil
		}
		var err error
		x.r, err = power.NewRestarter(g.Config.Agent.Restart, g.Log)
		return errors.Annotate(err, "config: agent.restart")
	})
	return x.r, x.err
}

// SetRestarter overrides config choice, must be called before Restarter or Agent.
func (g *Global) SetRestarter(r power.Restarter) {
	g.Hardware.Restarter.r = r
}

func (g *Global) NetworkWaiter() *wifi.Waiter {
	cfg := &g.Config.Network
	return wifi.NewWaiter(cfg.Interface, time.Duration(cfg.TimeoutSec)*time.Second, g.Log)
}

// LowPower returns nil when disabled in config.
func (g *Global) LowPower() *power.LowPower {
	if !g.Config.Power.LowPower {
		return nil
	}
	return power.NewLowPower(g.Config.Power.Governor, g.Log)
}

// NewMockSensors gives plausible values for bench runs without 1-Wire bus.
func NewMockSensors(count int) *sensor.Mock {
	m := make(map[reading.SensorID]float64, count)
	for i := 0; i < count; i++ {
		m[reading.SensorID(0x28AA000000000000+uint64(i+1))] = 20 + float64(i)*5
	}
	return sensor.NewMock(m)
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
