// Package led drives the RGB status LED and the board builtin LED
// over GPIO character device.
package led

import (
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/boiler/helpers"
	gpio "github.com/temoto/gpio-cdev-go"
)

const consumer = "boiler-led"

// Config line numbers, negative disables that line.
// Blue LED is wired to two lines, both are driven together.
type Config struct {
	Chip    string
	Red     int
	Green   int
	Blue1   int
	Blue2   int
	Builtin int
}

type LED struct {
	mu      sync.Mutex
	chip    gpio.Chiper
	lines   gpio.Lineser
	red     gpio.LineSetFunc
	green   gpio.LineSetFunc
	blue    []gpio.LineSetFunc
	builtin gpio.LineSetFunc
	bstate  byte
}

func Open(c Config) (*LED, error) {
	chip, err := gpio.Open(c.Chip, consumer)
	if err != nil {
		return nil, errors.Annotatef(err, "led open chip=%s", c.Chip)
	}
	l, err := New(chip, c)
	if err != nil {
		chip.Close()
		return nil, err
	}
	return l, nil
}

func New(chip gpio.Chiper, c Config) (*LED, error) {
	offsets := make([]uint32, 0, 5)
	for _, n := range []int{c.Red, c.Green, c.Blue1, c.Blue2, c.Builtin} {
		if n >= 0 {
			offsets = append(offsets, uint32(n))
		}
	}
	if len(offsets) == 0 {
		return nil, errors.NotValidf("led no lines configured")
	}
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, consumer, offsets...)
	if err != nil {
		return nil, errors.Annotatef(err, "led open lines=%v", offsets)
	}
	l := &LED{chip: chip, lines: lines}
	nop := func(byte) {}
	setter := func(n int) gpio.LineSetFunc {
		if n < 0 {
			return nop
		}
		return lines.SetFunc(uint32(n))
	}
	l.red = setter(c.Red)
	l.green = setter(c.Green)
	for _, n := range []int{c.Blue1, c.Blue2} {
		if n >= 0 {
			l.blue = append(l.blue, lines.SetFunc(uint32(n)))
		}
	}
	l.builtin = setter(c.Builtin)
	return l, nil
}

func (l *LED) Set(red, green, blue bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.red(b2v(red))
	l.green(b2v(green))
	for _, f := range l.blue {
		f(b2v(blue))
	}
	return errors.Annotate(l.lines.Flush(), "led flush")
}

func (l *LED) SetBuiltin(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bstate = b2v(on)
	l.builtin(l.bstate)
	return errors.Annotate(l.lines.Flush(), "led flush")
}

func (l *LED) ToggleBuiltin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bstate ^= 1
	l.builtin(l.bstate)
	return errors.Annotate(l.lines.Flush(), "led flush")
}

// Close turns everything off and releases lines.
func (l *LED) Close() error {
	_ = l.Set(false, false, false)
	_ = l.SetBuiltin(false)
	return helpers.CloseAll(l.lines, l.chip)
}

func b2v(b bool) byte {
	if b {
		return 1
	}
	return 0
}
