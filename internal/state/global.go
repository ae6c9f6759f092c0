package state

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/boiler/helpers"
	"github.com/temoto/boiler/internal/agent"
	"github.com/temoto/boiler/internal/metrics"
	"github.com/temoto/boiler/internal/status"
	"github.com/temoto/boiler/log2"
	"github.com/temoto/boiler/reading"
	"github.com/temoto/boiler/tele/resolve"
	"github.com/temoto/boiler/tele/session"
)

// Global owns configuration and lazily opened hardware and transport.
// Accessors are safe for concurrent use.
type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Hardware     hardware // hardware.go
	Log          *log2.Log
	Metrics      *metrics.Metrics
	Store        *reading.Store

	tele struct {
		once
		machine *session.Machine
	}
	signal struct {
		once
		s      status.Signaler
		mirror *status.Mirror
	}
	agent struct {
		once
		a *agent.Agent
	}
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive:   alive.NewAlive(),
		Log:     log,
		Metrics: metrics.New(),
		Store:   reading.NewStore(),
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if g.BuildVersion != "" {
		g.Log.Infof("build version=%s", g.BuildVersion)
	}
	if err := cfg.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	g.Log.SetErrorFunc(g.Metrics.CountError)
	g.Log.Debugf("config: collector=%s:%d sensor.expect=%d led=%t mqtt=%t",
		cfg.Collector.Host, cfg.Collector.Port, cfg.Sensor.Expect, cfg.LED.Enable, cfg.MQTT.Enable)
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	if err := g.Init(ctx, cfg); err != nil {
		g.Fatal(err)
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(errors.ErrorStack(err))
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(err)
		os.Exit(1)
	}
}

func (g *Global) Stop() { g.Alive.Stop() }

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// Signaler combines log, metrics, LED and MQTT mirror.
// Broken LED or MQTT only logs error, status is best effort.
func (g *Global) Signaler() status.Signaler {
	x := &g.signal
	_ = x.do(func() error {
		multi := status.Multi{status.NewLog(g.Log), g.Metrics}
		if l, err := g.LED(); err != nil {
			g.Error(err, "status led")
		} else if l != nil {
			multi = append(multi, status.NewLED(l, g.Log))
		}
		if g.Config.MQTT.Enable {
			m, err := status.NewMirror(g.Config.MirrorConfig(), g.Log.Clone(log2.LInfo))
			if err != nil {
				g.Error(err, "status mirror")
			} else {
				x.mirror = m
				multi = append(multi, m)
			}
		}
		x.s = multi
		return nil
	})
	return x.s
}

// Machine builds TLS transport and DNS cache for configured collector.
func (g *Global) Machine() (*session.Machine, error) {
	x := &g.tele
	_ = x.do(func() error {
		cfg := &g.Config.Collector
		log := g.Log.Clone(log2.LInfo)
		if cfg.LogDebug {
			log.SetLevel(log2.LDebug)
		}
		transport, err := session.NewTLSTransport(log, cfg.TLSCAFile)
		if err != nil {
			return errors.Annotatef(err, "config: collector.tls_ca_file=%s", cfg.TLSCAFile)
		}
		cache := resolve.New(nil, time.Duration(cfg.DNSTTLMin)*time.Minute)
		x.machine, err = session.NewMachine(g.Config.SessionConfig(), log, transport, cache)
		return errors.Annotate(err, "session machine")
	})
	return x.machine, x.err
}

// Agent wires sensors, session machine, status and restart into control loop.
func (g *Global) Agent() (*agent.Agent, error) {
	x := &g.agent
	_ = x.do(func() error {
		sensors, err := g.Sensors()
		if err != nil {
			return err
		}
		machine, err := g.Machine()
		if err != nil {
			return err
		}
		restarter, err := g.Restarter()
		if err != nil {
			return err
		}
		x.a, err = agent.New(g.Config.AgentConfig(), g.Log, sensors, g.Store, machine, g.Signaler(), restarter, g.Metrics)
		return err
	})
	return x.a, x.err
}

// Close releases hardware and MQTT connection.
func (g *Global) Close() error {
	errs := make([]error, 0, 2)
	if g.signal.done() && g.signal.mirror != nil {
		g.signal.mirror.Close()
	}
	if g.Hardware.LED.done() && g.Hardware.LED.l != nil {
		if err := g.Hardware.LED.l.Close(); err != nil {
			errs = append(errs, errors.Annotate(err, "led close"))
		}
	}
	return helpers.FoldErrors(errs)
}
