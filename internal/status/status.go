// Package status is the visible outcome vocabulary of the boiler agent.
// Every cycle ends with exactly one Signal. Signalers turn it into
// LED pulses, log lines, metrics or a remote status message.
package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/temoto/boiler/helpers"
	"github.com/temoto/boiler/log2"
)

type Color uint8

const (
	Off   Color = 0
	Red   Color = 1 << 0
	Green Color = 1 << 1
	Blue  Color = 1 << 2

	Yellow  = Red | Green
	Magenta = Red | Blue
	White   = Green | Blue // red line stays off
)

func (c Color) String() string {
	switch c {
	case Off:
		return "off"
	case Yellow:
		return "yellow"
	case Magenta:
		return "magenta"
	case White:
		return "white"
	}
	var parts []string
	if c&Red != 0 {
		parts = append(parts, "red")
	}
	if c&Green != 0 {
		parts = append(parts, "green")
	}
	if c&Blue != 0 {
		parts = append(parts, "blue")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("color(%d)", uint8(c))
	}
	return strings.Join(parts, "+")
}

type Kind uint8

const (
	KindInvalid Kind = iota
	KindBoot
	KindNetworkUp
	KindNetworkFail
	KindSuccess
	KindFailure // session failed, Stage says where
	KindNoSession
	KindSensorFail
	KindRestart
)

var kindNames = [...]string{
	KindInvalid:     "invalid",
	KindBoot:        "boot",
	KindNetworkUp:   "network_up",
	KindNetworkFail: "network_fail",
	KindSuccess:     "success",
	KindFailure:     "failure",
	KindNoSession:   "no_session",
	KindSensorFail:  "sensor_fail",
	KindRestart:     "restart",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Signal struct {
	Kind  Kind
	Stage int
	Err   error
}

func Boot() Signal                 { return Signal{Kind: KindBoot} }
func NetworkUp() Signal            { return Signal{Kind: KindNetworkUp} }
func Success() Signal              { return Signal{Kind: KindSuccess} }
func Failure(stage int) Signal     { return Signal{Kind: KindFailure, Stage: stage} }
func NoSession(err error) Signal   { return Signal{Kind: KindNoSession, Err: err} }
func SensorFail(err error) Signal  { return Signal{Kind: KindSensorFail, Err: err} }
func Restart(stage int) Signal     { return Signal{Kind: KindRestart, Stage: stage} }
func NetworkFail(err error) Signal { return Signal{Kind: KindNetworkFail, Err: err} }

func (s Signal) String() string {
	b := strings.Builder{}
	b.WriteString(s.Kind.String())
	if s.Stage != 0 {
		fmt.Fprintf(&b, " stage=%d", s.Stage)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, " err=%v", s.Err)
	}
	return b.String()
}

// Pulse lights Color (or builtin LED) for On then keeps dark for Off.
type Pulse struct {
	Color   Color
	Builtin bool
	On      time.Duration
	Off     time.Duration
}

const (
	LongPulse    = 1 * time.Second
	ShortPulse   = 200 * time.Millisecond
	RestartPulse = 3 * time.Second
)

// Pattern is the LED rendition of a signal.
// Gap after the last pulse is dropped so the next cycle is not delayed.
func (s Signal) Pattern() []Pulse {
	var ps []Pulse
	switch s.Kind {
	case KindBoot:
		ps = []Pulse{{Color: White, On: LongPulse}}
	case KindNetworkUp:
		for i := 0; i < 3; i++ {
			ps = append(ps, Pulse{Builtin: true, On: ShortPulse, Off: ShortPulse})
		}
	case KindNetworkFail, KindRestart:
		ps = []Pulse{{Color: Magenta, On: RestartPulse}}
	case KindSuccess:
		ps = []Pulse{{Color: Green, On: LongPulse, Off: LongPulse}}
	case KindFailure:
		for i := 0; i < s.Stage; i++ {
			ps = append(ps, Pulse{Color: Red, On: ShortPulse, Off: ShortPulse})
		}
	case KindNoSession:
		ps = []Pulse{{Color: Yellow, On: LongPulse, Off: LongPulse}}
	case KindSensorFail:
		ps = []Pulse{{Color: Blue, On: LongPulse, Off: LongPulse}}
	}
	if n := len(ps); n > 0 {
		ps[n-1].Off = 0
	}
	return ps
}

// Signaler renders cycle outcome.
// Progress is called repeatedly while a session is in flight.
type Signaler interface {
	Signal(Signal) error
	Progress()
}

// Multi fans out to every signaler, errors are folded.
type Multi []Signaler

func (m Multi) Signal(s Signal) error {
	errs := make([]error, 0, len(m))
	for _, x := range m {
		if err := x.Signal(s); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

func (m Multi) Progress() {
	for _, x := range m {
		x.Progress()
	}
}

type logSignaler struct{ log *log2.Log }

func NewLog(log *log2.Log) Signaler { return logSignaler{log} }

func (l logSignaler) Signal(s Signal) error {
	switch s.Kind {
	case KindSuccess, KindBoot, KindNetworkUp:
		l.log.Infof("status %s", s.String())
	default:
		l.log.Errorf("status %s", s.String())
	}
	return nil
}

func (l logSignaler) Progress() {}
