package status

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/boiler/log2"
)

// Lighter is satisfied by *led.LED.
type Lighter interface {
	Set(red, green, blue bool) error
	SetBuiltin(on bool) error
	ToggleBuiltin() error
}

type LEDSignaler struct {
	Log   *log2.Log
	l     Lighter
	sleep func(time.Duration)
}

func NewLED(l Lighter, log *log2.Log) *LEDSignaler {
	return &LEDSignaler{Log: log, l: l, sleep: time.Sleep}
}

// SetSleep replaces time.Sleep, for tests.
func (s *LEDSignaler) SetSleep(f func(time.Duration)) { s.sleep = f }

// Signal first turns off builtin LED left lit by Progress.
func (s *LEDSignaler) Signal(sig Signal) error {
	if err := s.l.SetBuiltin(false); err != nil {
		return errors.Annotatef(err, "led signal=%s", sig.Kind)
	}
	return errors.Annotatef(s.Play(sig.Pattern()), "led signal=%s", sig.Kind)
}

// Play blocks for the whole pattern duration.
func (s *LEDSignaler) Play(ps []Pulse) error {
	for _, p := range ps {
		if err := s.light(p, true); err != nil {
			return err
		}
		s.sleep(p.On)
		if err := s.light(p, false); err != nil {
			return err
		}
		if p.Off > 0 {
			s.sleep(p.Off)
		}
	}
	return nil
}

func (s *LEDSignaler) light(p Pulse, on bool) error {
	if p.Builtin {
		return s.l.SetBuiltin(on)
	}
	if !on {
		return s.l.Set(false, false, false)
	}
	return s.l.Set(p.Color&Red != 0, p.Color&Green != 0, p.Color&Blue != 0)
}

// Lit keeps color on until next signal, used for boot indication.
func (s *LEDSignaler) Lit(c Color) error {
	return s.l.Set(c&Red != 0, c&Green != 0, c&Blue != 0)
}

func (s *LEDSignaler) Progress() {
	if err := s.l.ToggleBuiltin(); err != nil {
		s.Log.Debugf("led progress err=%v", err)
	}
}
