package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/boiler/helpers/cli"
	"github.com/temoto/boiler/internal/state"
	"github.com/temoto/boiler/internal/status"
	"github.com/temoto/boiler/log2"
)

const usage = `syntax: commands separated by whitespace
(main)
- scan       scan sensor bus, show addresses
- read       convert and read sensors into store
- dns        resolve collector host through cache
- send       deliver store to collector, show session
- tick       one control loop iteration
- sig=KIND   show status signal: boot success failN no_session sensor_fail network_up network_fail
- sN         pause N milliseconds

(meta)
- log=yes    enable debug logging
- log=no     disable debug logging
- loop=N     repeat N times all commands on this line
`

var log = log2.NewStderr(log2.LDebug)

type cliRestarter struct{}

func (cliRestarter) Restart(reason string) { log.Errorf("restart requested, ignored in cli reason=%s", reason) }

type command func(ctx context.Context) error

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := cmdline.String("config", "boiler.hcl", "")
	mock := cmdline.Bool("mock", false, "use mock sensors")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	config := state.MustReadConfig(log, state.NewOsFullReader(), *configPath)
	if *mock {
		config.Sensor.Mock = true
	}
	ctx, g := state.NewContext(log)
	g.MustInit(ctx, config)
	g.SetRestarter(cliRestarter{})
	defer func() {
		if err := g.Close(); err != nil {
			g.Error(err)
		}
	}()

	e := newExecutor(ctx)
	cli.MainLoop("boiler-cli", e.exec, newCompleter(), e.interrupt)
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "scan", Description: "scan sensor bus"},
		{Text: "read", Description: "read sensors into store"},
		{Text: "dns", Description: "resolve collector host"},
		{Text: "send", Description: "deliver store to collector"},
		{Text: "tick", Description: "one control loop iteration"},
		{Text: "sig=", Description: "show status signal"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "loop=N", Description: "repeat line N times"},
		{Text: "log=yes", Description: "debug logging on"},
		{Text: "log=no", Description: "debug logging off"},
	}

	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

// executor runs each line under own context, interrupt cancels current line only.
type executor struct {
	sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func newExecutor(ctx context.Context) *executor { return &executor{ctx: ctx} }

func (e *executor) exec(line string) {
	g := state.GetGlobal(e.ctx)
	cmds, err := parseLine(line)
	if err != nil {
		g.Log.Errorf(errors.ErrorStack(err))
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.Lock()
	e.cancel = cancel
	e.Unlock()
	defer cancel()
	for _, c := range cmds {
		if ctx.Err() != nil {
			g.Log.Infof("interrupted")
			return
		}
		if err = c(ctx); err != nil {
			g.Log.Errorf(errors.ErrorStack(err))
			return
		}
	}
}

func (e *executor) interrupt() {
	e.Lock()
	defer e.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func parseLine(line string) ([]command, error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil, nil
	}
	if words[0] == "help" {
		return []command{doUsage}, nil
	}

	loop := 1
	cmds := make([]command, 0, len(words))
	for _, word := range words {
		switch {
		case strings.HasPrefix(word, "loop="):
			i, err := strconv.Atoi(word[5:])
			if err != nil || i < 1 {
				return nil, errors.NotValidf("loop=%s", word[5:])
			}
			loop = i
		default:
			c, err := parseCommand(word)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, c)
		}
	}

	result := make([]command, 0, len(cmds)*loop)
	for i := 0; i < loop; i++ {
		result = append(result, cmds...)
	}
	return result, nil
}

func parseCommand(word string) (command, error) {
	switch word {
	case "scan":
		return doScan, nil
	case "read":
		return doRead, nil
	case "dns":
		return doDNS, nil
	case "send":
		return doSend, nil
	case "tick":
		return doTick, nil
	case "log=yes":
		return func(ctx context.Context) error { state.GetGlobal(ctx).Log.SetLevel(log2.LDebug); return nil }, nil
	case "log=no":
		return func(ctx context.Context) error { state.GetGlobal(ctx).Log.SetLevel(log2.LInfo); return nil }, nil
	}
	switch {
	case strings.HasPrefix(word, "sig="):
		s, err := parseSignal(word[4:])
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return state.GetGlobal(ctx).Signaler().Signal(s) }, nil

	case len(word) > 1 && word[0] == 's':
		ms, err := strconv.Atoi(word[1:])
		if err != nil {
			return nil, errors.NotValidf("pause=%s", word)
		}
		return func(ctx context.Context) error {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, nil
	}
	return nil, errors.NotValidf("command=%s", word)
}

func parseSignal(s string) (status.Signal, error) {
	switch s {
	case "boot":
		return status.Boot(), nil
	case "success":
		return status.Success(), nil
	case "no_session":
		return status.NoSession(errors.New("cli")), nil
	case "sensor_fail":
		return status.SensorFail(errors.New("cli")), nil
	case "network_up":
		return status.NetworkUp(), nil
	case "network_fail":
		return status.NetworkFail(errors.New("cli")), nil
	}
	if strings.HasPrefix(s, "fail") {
		if stage, err := strconv.Atoi(s[4:]); err == nil && stage > 0 && stage <= 8 {
			return status.Failure(stage), nil
		}
	}
	return status.Signal{}, errors.NotValidf("signal=%s", s)
}

func doUsage(ctx context.Context) error {
	log.Info(usage)
	return nil
}

func doScan(ctx context.Context) error {
	g := state.GetGlobal(ctx)
	d, err := g.Sensors()
	if err != nil {
		return err
	}
	n, err := d.Scan()
	if err != nil {
		return errors.Annotate(err, "scan")
	}
	g.Log.Infof("sensors count=%d expect=%d", n, g.Config.Sensor.Expect)
	for i := 0; i < n; i++ {
		id, err := d.AddressOf(i)
		if err != nil {
			return err
		}
		g.Log.Infof("- %d %s", i, id)
	}
	return nil
}

func doRead(ctx context.Context) error {
	g := state.GetGlobal(ctx)
	a, err := g.Agent()
	if err != nil {
		return err
	}
	if err = a.Acquire(); err != nil {
		return err
	}
	for _, r := range g.Store.Snapshot() {
		g.Log.Infof("%s=%.2f", r.ID, r.Value)
	}
	return nil
}

func doDNS(ctx context.Context) error {
	g := state.GetGlobal(ctx)
	m, err := g.Machine()
	if err != nil {
		return err
	}
	c := m.Cache()
	host := m.Config().Host
	addr, err := c.Resolve(ctx, host)
	if err != nil {
		return err
	}
	g.Log.Infof("%s -> %s lookups=%d ttl=%s", host, addr, c.Lookups(), c.TTL())
	return nil
}

func doSend(ctx context.Context) error {
	g := state.GetGlobal(ctx)
	m, err := g.Machine()
	if err != nil {
		return err
	}
	if g.Store.Len() == 0 {
		g.Log.Infof("store is empty, run `read` first to send real values")
	}
	s, err := m.Execute(ctx, g.Store, g.Signaler().Progress)
	if s == nil {
		return errors.Annotate(err, "session not started")
	}
	g.Log.Infof("session %s success=%t", s.String(), s.Success())
	return nil
}

func doTick(ctx context.Context) error {
	g := state.GetGlobal(ctx)
	a, err := g.Agent()
	if err != nil {
		return err
	}
	outcome := a.Tick(ctx)
	g.Log.Infof("tick outcome=%s cycles=%d consecutive_errors=%d", outcome, a.Cycles(), a.ConsecutiveErrors())
	return nil
}
