// Package agent is the operational loop: sample sensors, deliver readings,
// show the outcome, escalate repeated failures to device restart.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/boiler/hardware/power"
	"github.com/temoto/boiler/hardware/sensor"
	"github.com/temoto/boiler/helpers"
	"github.com/temoto/boiler/internal/status"
	"github.com/temoto/boiler/log2"
	"github.com/temoto/boiler/reading"
	"github.com/temoto/boiler/tele/session"
)

const (
	DefaultTick           = 5 * time.Second
	DefaultSuccessCycles  = 12
	DefaultErrorThreshold = 5
	DefaultExpect         = 3
	DefaultMinTemp        = -20
	DefaultMaxTemp        = 100
)

var (
	ErrSensorCountMismatch   = errors.New("sensor count mismatch")
	ErrSensorValueOutOfRange = errors.New("sensor value out of range")
	ErrRestartReturned       = errors.New("restart returned")
)

type Config struct {
	Tick           time.Duration
	SuccessCycles  int // ticks to skip after success
	ErrorThreshold int // consecutive failed sessions before restart
	Expect         int
	MinTemp        float64
	MaxTemp        float64
}

func (c *Config) Validate() error {
	if c.Tick == 0 {
		c.Tick = DefaultTick
	}
	if c.SuccessCycles == 0 {
		c.SuccessCycles = DefaultSuccessCycles
	}
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.Expect == 0 {
		c.Expect = DefaultExpect
	}
	if c.MinTemp == 0 && c.MaxTemp == 0 {
		c.MinTemp, c.MaxTemp = DefaultMinTemp, DefaultMaxTemp
	}
	errs := make([]error, 0)
	if c.Tick < 0 {
		errs = append(errs, errors.NotValidf("agent tick=%s", c.Tick))
	}
	if c.SuccessCycles < 1 {
		errs = append(errs, errors.NotValidf("agent success_cycles=%d", c.SuccessCycles))
	}
	if c.ErrorThreshold < 1 {
		errs = append(errs, errors.NotValidf("agent error_threshold=%d", c.ErrorThreshold))
	}
	if c.Expect < 1 {
		errs = append(errs, errors.NotValidf("sensor expect=%d", c.Expect))
	}
	if c.MinTemp >= c.MaxTemp {
		errs = append(errs, errors.NotValidf("sensor min_temp=%v >= max_temp=%v", c.MinTemp, c.MaxTemp))
	}
	return helpers.FoldErrors(errs)
}

// Executor is satisfied by *session.Machine.
type Executor interface {
	Execute(ctx context.Context, src reading.Source, progress func()) (*session.Session, error)
}

// Observer receives numbers for metrics, optional.
type Observer interface {
	ObserveSession(stage int, success bool, d time.Duration)
	SetConsecutiveErrors(n int)
	SetReading(sensor string, celsius float64)
}

type Outcome uint8

const (
	OutcomeSkip Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeNoSession
	OutcomeSensorFail
	OutcomeRestart
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkip:
		return "skip"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeNoSession:
		return "no_session"
	case OutcomeSensorFail:
		return "sensor_fail"
	case OutcomeRestart:
		return "restart"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

type Agent struct {
	config   Config
	log      *log2.Log
	sensors  sensor.Driver
	store    *reading.Store
	exec     Executor
	signal   status.Signaler
	restart  power.Restarter
	observer Observer

	// Watchdog is called once per tick, i.e. systemd WATCHDOG=1.
	Watchdog func()

	cycles   int
	failures int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(config Config, log *log2.Log, sensors sensor.Driver, store *reading.Store,
	exec Executor, signal status.Signaler, restart power.Restarter, observer Observer) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "agent config")
	}
	if sensors == nil || exec == nil || signal == nil || restart == nil {
		return nil, errors.NotValidf("code error agent missing collaborator")
	}
	if store == nil {
		store = reading.NewStore()
	}
	return &Agent{
		config:   config,
		log:      log,
		sensors:  sensors,
		store:    store,
		exec:     exec,
		signal:   signal,
		restart:  restart,
		observer: observer,
		cycles:   1,
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

func (a *Agent) Store() *reading.Store  { return a.store }
func (a *Agent) ConsecutiveErrors() int { return a.failures }
func (a *Agent) Cycles() int            { return a.cycles }

// Acquire scans the bus, converts all sensors at once and reads them into the store.
// Store is only updated when every value is plausible.
func (a *Agent) Acquire() error {
	count, err := a.sensors.Scan()
	if err != nil {
		return errors.Annotate(err, "sensor scan")
	}
	if count != a.config.Expect {
		return errors.Annotatef(ErrSensorCountMismatch, "count=%d expected=%d", count, a.config.Expect)
	}
	if err = a.sensors.ConvertAll(); err != nil {
		return errors.Annotate(err, "sensor convert")
	}
	n := count
	if a.config.Expect < n {
		n = a.config.Expect
	}
	rs := make([]reading.Reading, 0, n)
	for i := 0; i < n; i++ {
		id, err := a.sensors.AddressOf(i)
		if err != nil {
			return errors.Annotatef(err, "sensor index=%d", i)
		}
		v, err := a.sensors.Read(id)
		if err != nil {
			return errors.Annotatef(err, "sensor read addr=%s", id)
		}
		if !(v >= a.config.MinTemp && v <= a.config.MaxTemp) {
			return errors.Annotatef(ErrSensorValueOutOfRange, "addr=%s value=%v range=[%v,%v]",
				id, v, a.config.MinTemp, a.config.MaxTemp)
		}
		rs = append(rs, reading.Reading{ID: id, Value: v})
	}
	for _, r := range rs {
		a.store.Set(r.ID, r.Value)
		a.log.Debugf("sensor %s=%.2f", r.ID, r.Value)
		if a.observer != nil {
			a.observer.SetReading(r.ID.String(), r.Value)
		}
	}
	return nil
}

// Tick is one loop iteration without the sleep.
func (a *Agent) Tick(ctx context.Context) Outcome {
	a.cycles--
	if a.cycles > 0 {
		return OutcomeSkip
	}
	a.cycles = 1

	if err := a.Acquire(); err != nil {
		a.log.Errorf("acquire %s", errors.ErrorStack(err))
		a.emit(status.SensorFail(err))
		return OutcomeSensorFail
	}

	s, err := a.exec.Execute(ctx, a.store, a.signal.Progress)
	if s == nil {
		if err == nil {
			err = errors.Errorf("code error executor returned nil session without error")
		}
		a.log.Errorf("session not started err=%v", err)
		a.emit(status.NoSession(err))
		return OutcomeNoSession
	}

	if a.observer != nil {
		a.observer.ObserveSession(int(s.Stage), s.Success(), s.Duration)
	}
	if s.Success() {
		a.log.Infof("delivered %s", s.String())
		a.cycles = a.config.SuccessCycles
		a.failures = 0
		a.observe()
		a.emit(status.Success())
		return OutcomeSuccess
	}

	a.failures++
	a.observe()
	a.log.Errorf("delivery failed consecutive=%d %s", a.failures, s.String())
	a.emit(status.Failure(int(s.Stage)))
	if a.failures >= a.config.ErrorThreshold {
		a.emit(status.Restart(int(s.Stage)))
		a.restart.Restart(fmt.Sprintf("%d consecutive failed sessions, last stage=%s", a.failures, s.Stage))
		a.failures = 0
		a.observe()
		return OutcomeRestart
	}
	return OutcomeFailure
}

// Run loops until ctx is done. Ticks wake up on wall clock grid of config.Tick.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Infof("agent run tick=%s expect=%d", a.config.Tick, a.config.Expect)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if a.Tick(ctx) == OutcomeRestart {
			return ErrRestartReturned
		}
		if a.Watchdog != nil {
			a.Watchdog()
		}
		if !a.sleep(ctx, helpers.GridDelay(a.now(), a.config.Tick)) {
			return nil
		}
	}
}

func (a *Agent) emit(s status.Signal) {
	if err := a.signal.Signal(s); err != nil {
		a.log.Errorf("signal %s err=%v", s.Kind, err)
	}
}

func (a *Agent) observe() {
	if a.observer != nil {
		a.observer.SetConsecutiveErrors(a.failures)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
