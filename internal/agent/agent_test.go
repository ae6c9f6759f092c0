package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/boiler/hardware/sensor"
	"github.com/temoto/boiler/internal/status"
	"github.com/temoto/boiler/log2"
	"github.com/temoto/boiler/reading"
	"github.com/temoto/boiler/tele/session"
)

type scriptExecutor struct {
	script []*session.Session
	calls  int
	sent   []int
	busy   bool
}

func (e *scriptExecutor) Execute(ctx context.Context, src reading.Source, progress func()) (*session.Session, error) {
	e.sent = append(e.sent, src.Len())
	if e.busy {
		return nil, session.ErrSessionBusy
	}
	progress()
	i := e.calls
	e.calls++
	if i >= len(e.script) {
		return session.NewTestSession(session.StageReceive, 200), nil
	}
	return e.script[i], nil
}

type recordSignaler struct {
	signals  []status.Signal
	progress int
}

func (r *recordSignaler) Signal(s status.Signal) error {
	r.signals = append(r.signals, s)
	return nil
}
func (r *recordSignaler) Progress() { r.progress++ }

func (r *recordSignaler) kinds() []status.Kind {
	ks := make([]status.Kind, len(r.signals))
	for i, s := range r.signals {
		ks[i] = s.Kind
	}
	return ks
}

type countRestarter struct{ reasons []string }

func (c *countRestarter) Restart(reason string) { c.reasons = append(c.reasons, reason) }

type recordObserver struct {
	sessions int
	errCount int
	readings map[string]float64
}

func (o *recordObserver) ObserveSession(stage int, success bool, d time.Duration) {
	o.sessions++
}

func (o *recordObserver) SetConsecutiveErrors(n int) { o.errCount = n }

func (o *recordObserver) SetReading(sensor string, celsius float64) {
	if o.readings == nil {
		o.readings = make(map[string]float64)
	}
	o.readings[sensor] = celsius
}

type env struct {
	a        *Agent
	sensors  *sensor.Mock
	exec     *scriptExecutor
	signals  *recordSignaler
	restart  *countRestarter
	observer *recordObserver
}

func newTestAgent(t testing.TB, script ...*session.Session) *env {
	e := &env{
		sensors: sensor.NewMock(map[reading.SensorID]float64{
			0x28FF000000000001: 21.5,
			0x28FF000000000002: 45,
			0x28FF000000000003: 60.25,
		}),
		exec:     &scriptExecutor{script: script},
		signals:  &recordSignaler{},
		restart:  &countRestarter{},
		observer: &recordObserver{},
	}
	var err error
	e.a, err = New(Config{}, log2.NewTest(t, log2.LDebug), e.sensors, nil, e.exec, e.signals, e.restart, e.observer)
	require.NoError(t, err)
	return e
}

func fail(stage session.Stage) *session.Session { return session.NewTestSession(stage, 0) }

func ok() *session.Session { return session.NewTestSession(session.StageReceive, 200) }

func TestTickSuccessSchedule(t *testing.T) {
	t.Parallel()

	e := newTestAgent(t, ok(), ok())
	ctx := context.Background()
	assert.Equal(t, OutcomeSuccess, e.a.Tick(ctx))
	assert.Equal(t, DefaultSuccessCycles, e.a.Cycles())
	for i := 0; i < DefaultSuccessCycles-1; i++ {
		assert.Equal(t, OutcomeSkip, e.a.Tick(ctx), "tick=%d", i)
	}
	assert.Equal(t, 1, e.exec.calls)
	assert.Equal(t, OutcomeSuccess, e.a.Tick(ctx))
	assert.Equal(t, 2, e.exec.calls)
	assert.Equal(t, []int{3, 3}, e.exec.sent)
	assert.Equal(t, []status.Kind{status.KindSuccess, status.KindSuccess}, e.signals.kinds())
	assert.Equal(t, 2, e.signals.progress)
	assert.Equal(t, 2, e.observer.sessions)
	assert.Equal(t, 21.5, e.observer.readings["28FF000000000001"])
}

func TestTickFailureFastPath(t *testing.T) {
	t.Parallel()

	e := newTestAgent(t, fail(session.StageTimeout), ok())
	ctx := context.Background()
	assert.Equal(t, OutcomeFailure, e.a.Tick(ctx))
	assert.Equal(t, 1, e.a.Cycles(), "failed cycle retries on next tick")
	assert.Equal(t, 1, e.a.ConsecutiveErrors())
	assert.Equal(t, 1, e.observer.errCount)
	assert.Equal(t, OutcomeSuccess, e.a.Tick(ctx))
	assert.Equal(t, 0, e.a.ConsecutiveErrors())
	assert.Equal(t, []status.Signal{status.Failure(7), status.Success()}, e.signals.signals)
}

func TestEscalation(t *testing.T) {
	t.Parallel()

	type Case struct {
		name          string
		script        []*session.Session
		expectRestart int
	}
	f5 := fail(session.StageReceive)
	cases := []Case{
		{"5-failures", []*session.Session{f5, f5, f5, f5, f5}, 1},
		{"4-failures", []*session.Session{f5, f5, f5, f5}, 0},
		{"4-success-4", []*session.Session{f5, f5, f5, f5, ok(), f5, f5, f5, f5}, 0},
		{"4-success-5", []*session.Session{f5, f5, f5, f5, ok(), f5, f5, f5, f5, f5}, 1},
		{"10-failures", []*session.Session{f5, f5, f5, f5, f5, f5, f5, f5, f5, f5}, 2},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			e := newTestAgent(t, c.script...)
			ctx := context.Background()
			for e.exec.calls < len(c.script) {
				e.a.Tick(ctx)
			}
			assert.Equal(t, c.expectRestart, len(e.restart.reasons))
		})
	}
}

func TestRestartSignals(t *testing.T) {
	t.Parallel()

	f := fail(session.StageConnect)
	e := newTestAgent(t, f, f, f, f, f)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		assert.Equal(t, OutcomeFailure, e.a.Tick(ctx))
	}
	assert.Equal(t, OutcomeRestart, e.a.Tick(ctx))
	require.Equal(t, 6, len(e.signals.signals))
	assert.Equal(t, status.Failure(3), e.signals.signals[4])
	assert.Equal(t, status.Restart(3), e.signals.signals[5])
	require.Equal(t, 1, len(e.restart.reasons))
	assert.Contains(t, e.restart.reasons[0], "stage=connect")
}

func TestNoSession(t *testing.T) {
	t.Parallel()

	e := newTestAgent(t)
	e.exec.busy = true
	e.a.failures = 2
	assert.Equal(t, OutcomeNoSession, e.a.Tick(context.Background()))
	assert.Equal(t, 2, e.a.ConsecutiveErrors(), "no session keeps counter")
	require.Equal(t, 1, len(e.signals.signals))
	assert.Equal(t, status.KindNoSession, e.signals.signals[0].Kind)
	assert.Equal(t, session.ErrSessionBusy, errors.Cause(e.signals.signals[0].Err))
	assert.Equal(t, 0, e.observer.sessions)
}

func TestAcquire(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		mutate func(m *sensor.Mock)
		expect error
	}
	cases := []Case{
		{"ok", func(m *sensor.Mock) {}, nil},
		{"missing", func(m *sensor.Mock) { m.Remove(0x28FF000000000002) }, ErrSensorCountMismatch},
		{"extra", func(m *sensor.Mock) { m.Set(0x28FF000000000004, 10) }, ErrSensorCountMismatch},
		{"too-hot", func(m *sensor.Mock) { m.Set(0x28FF000000000002, 100.5) }, ErrSensorValueOutOfRange},
		{"too-cold", func(m *sensor.Mock) { m.Set(0x28FF000000000003, -20.01) }, ErrSensorValueOutOfRange},
		{"edge", func(m *sensor.Mock) {
			m.Set(0x28FF000000000001, -20)
			m.Set(0x28FF000000000002, 100)
		}, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			e := newTestAgent(t)
			c.mutate(e.sensors)
			err := e.a.Acquire()
			if c.expect == nil {
				require.NoError(t, err)
				assert.Equal(t, 3, e.a.Store().Len())
				assert.Equal(t, 1, e.sensors.Converts)
				return
			}
			require.Error(t, err)
			assert.Equal(t, c.expect, errors.Cause(err))
			if c.expect == ErrSensorValueOutOfRange {
				assert.Equal(t, 0, e.a.Store().Len(), "partial acquisition must not reach store")
			}
		})
	}
}

func TestSensorFailSkipsSession(t *testing.T) {
	t.Parallel()

	e := newTestAgent(t)
	e.sensors.ScanErr = fmt.Errorf("bus short")
	assert.Equal(t, OutcomeSensorFail, e.a.Tick(context.Background()))
	assert.Equal(t, 0, e.exec.calls)
	assert.Equal(t, []status.Kind{status.KindSensorFail}, e.signals.kinds())
	assert.Equal(t, 1, e.a.Cycles())
	assert.Equal(t, 0, e.a.ConsecutiveErrors())

	e.sensors.ScanErr = nil
	e.sensors.ConvertErr = fmt.Errorf("no power")
	assert.Equal(t, OutcomeSensorFail, e.a.Tick(context.Background()))
}

func TestRunGrid(t *testing.T) {
	t.Parallel()

	f := fail(session.StageNetwork)
	e := newTestAgent(t, f, f, f)
	base := time.Date(2024, 1, 1, 0, 0, 3, 250e6, time.UTC)
	e.a.now = func() time.Time { return base }
	var delays []time.Duration
	watchdog := 0
	e.a.Watchdog = func() { watchdog++ }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.a.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		if len(delays) == 3 {
			cancel()
			return false
		}
		return true
	}
	require.NoError(t, e.a.Run(ctx))
	assert.Equal(t, []time.Duration{1750 * time.Millisecond, 1750 * time.Millisecond, 1750 * time.Millisecond}, delays)
	assert.Equal(t, 3, watchdog)
	assert.Equal(t, 3, e.exec.calls)
}

func TestRunRestartReturned(t *testing.T) {
	t.Parallel()

	f := fail(session.StageWrite)
	e := newTestAgent(t, f, f, f, f, f)
	e.a.sleep = func(context.Context, time.Duration) bool { return true }
	err := e.a.Run(context.Background())
	assert.Equal(t, ErrRestartReturned, err)
	assert.Equal(t, 1, len(e.restart.reasons))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	c := Config{}
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultTick, c.Tick)
	assert.Equal(t, 12, c.SuccessCycles)
	assert.Equal(t, 5, c.ErrorThreshold)
	assert.Equal(t, 3, c.Expect)
	assert.Equal(t, -20.0, c.MinTemp)
	assert.Equal(t, 100.0, c.MaxTemp)

	bad := Config{SuccessCycles: -1, MinTemp: 50, MaxTemp: 10}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "success_cycles")
	assert.Contains(t, err.Error(), "min_temp")

	_, err = New(Config{}, nil, nil, nil, nil, nil, nil, nil)
	assert.True(t, errors.IsNotValid(err))
}
