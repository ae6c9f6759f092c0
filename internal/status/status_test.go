package status

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/boiler/log2"
)

func TestPattern(t *testing.T) {
	t.Parallel()

	type Case struct {
		signal Signal
		expect []Pulse
	}
	red := Pulse{Color: Red, On: ShortPulse, Off: ShortPulse}
	redLast := Pulse{Color: Red, On: ShortPulse}
	cases := []Case{
		{Success(), []Pulse{{Color: Green, On: LongPulse}}},
		{Failure(1), []Pulse{redLast}},
		{Failure(5), []Pulse{red, red, red, red, redLast}},
		{Failure(0), nil},
		{NoSession(nil), []Pulse{{Color: Yellow, On: LongPulse}}},
		{SensorFail(nil), []Pulse{{Color: Blue, On: LongPulse}}},
		{NetworkFail(nil), []Pulse{{Color: Magenta, On: RestartPulse}}},
		{Signal{Kind: KindBoot}, []Pulse{{Color: White, On: LongPulse}}},
		{Signal{Kind: KindNetworkUp}, []Pulse{
			{Builtin: true, On: ShortPulse, Off: ShortPulse},
			{Builtin: true, On: ShortPulse, Off: ShortPulse},
			{Builtin: true, On: ShortPulse},
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.signal.String(), func(t *testing.T) {
			assert.Equal(t, c.expect, c.signal.Pattern())
		})
	}
}

func TestColorString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "yellow", Yellow.String())
	assert.Equal(t, "red", Red.String())
	assert.Equal(t, "off", Off.String())
	assert.Equal(t, "white", White.String())
	assert.Equal(t, "red+green+blue", (Red | Green | Blue).String())
	assert.Equal(t, "color(8)", Color(8).String())
	assert.Equal(t, "failure stage=7", Failure(7).String())
	assert.Equal(t, "sensor_fail err=bus", SensorFail(fmt.Errorf("bus")).String())
}

type fakeLighter struct {
	ops     []string
	failSet error
}

func (f *fakeLighter) Set(r, g, b bool) error {
	f.ops = append(f.ops, fmt.Sprintf("set %t %t %t", r, g, b))
	return f.failSet
}
func (f *fakeLighter) SetBuiltin(on bool) error {
	f.ops = append(f.ops, fmt.Sprintf("builtin %t", on))
	return nil
}
func (f *fakeLighter) ToggleBuiltin() error {
	f.ops = append(f.ops, "toggle")
	return nil
}

func TestLEDSignaler(t *testing.T) {
	t.Parallel()

	fl := &fakeLighter{}
	s := NewLED(fl, log2.NewTest(t, log2.LDebug))
	var slept []time.Duration
	s.SetSleep(func(d time.Duration) { slept = append(slept, d) })

	require.NoError(t, s.Signal(Failure(2)))
	assert.Equal(t, []string{
		"builtin false",
		"set true false false", "set false false false",
		"set true false false", "set false false false",
	}, fl.ops)
	assert.Equal(t, []time.Duration{ShortPulse, ShortPulse, ShortPulse}, slept)

	fl.ops, slept = nil, nil
	require.NoError(t, s.Signal(Success()))
	assert.Equal(t, []string{"builtin false", "set false true false", "set false false false"}, fl.ops)
	assert.Equal(t, []time.Duration{LongPulse}, slept)

	fl.ops = nil
	s.Progress()
	s.Progress()
	s.Progress()
	require.NoError(t, s.Signal(NoSession(fmt.Errorf("busy"))))
	assert.Equal(t, []string{"toggle", "toggle", "toggle", "builtin false", "set true true false", "set false false false"}, fl.ops)

	fl.ops = nil
	require.NoError(t, s.Lit(White))
	assert.Equal(t, []string{"set false true true"}, fl.ops)

	fl.failSet = fmt.Errorf("gpio")
	assert.Error(t, s.Signal(Success()))
}

type countSignaler struct {
	signals  []Signal
	progress int
	err      error
}

func (c *countSignaler) Signal(s Signal) error {
	c.signals = append(c.signals, s)
	return c.err
}
func (c *countSignaler) Progress() { c.progress++ }

func TestMulti(t *testing.T) {
	t.Parallel()

	a, b := &countSignaler{}, &countSignaler{err: fmt.Errorf("b broken")}
	m := Multi{a, NewLog(log2.NewTest(t, log2.LDebug)), b}
	err := m.Signal(Failure(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b broken")
	m.Progress()
	assert.Equal(t, []Signal{Failure(3)}, a.signals)
	assert.Equal(t, []Signal{Failure(3)}, b.signals)
	assert.Equal(t, 1, a.progress)

	b.err = nil
	assert.NoError(t, m.Signal(Success()))
}

type fakePublisher struct {
	topic    string
	retained bool
	payload  []byte
	err      error
	closed   bool
}

func (f *fakePublisher) Publish(topic string, retained bool, payload []byte) error {
	f.topic, f.retained, f.payload = topic, retained, payload
	return f.err
}
func (f *fakePublisher) Close() { f.closed = true }

func TestMirror(t *testing.T) {
	t.Parallel()

	fp := &fakePublisher{}
	m := newMirror(fp, DefaultMirrorTopic, log2.NewTest(t, log2.LDebug))
	m.now = func() time.Time { return time.Unix(1700000000, 0) }

	require.NoError(t, m.Signal(Failure(7)))
	assert.Equal(t, "boiler/status", fp.topic)
	assert.True(t, fp.retained)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(fp.payload, &msg))
	assert.Equal(t, map[string]interface{}{"signal": "failure", "stage": 7.0, "time": 1700000000.0}, msg)

	require.NoError(t, m.Signal(SensorFail(fmt.Errorf("count=2 expected=3"))))
	assert.JSONEq(t, `{"signal":"sensor_fail","error":"count=2 expected=3","time":1700000000}`, string(fp.payload))

	fp.err = fmt.Errorf("not connected")
	err := m.Signal(Success())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic=boiler/status")

	m.Close()
	assert.True(t, fp.closed)
}

func TestNewMirrorValidate(t *testing.T) {
	t.Parallel()

	_, err := NewMirror(MirrorConfig{}, nil)
	assert.Error(t, err)
}
