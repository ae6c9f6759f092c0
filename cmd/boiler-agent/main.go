package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/boiler/internal/agent"
	"github.com/temoto/boiler/internal/state"
	"github.com/temoto/boiler/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "boiler.hcl", "")
	flag.Parse()

	if sdnotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.SetLevel(log2.LInfo)

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	g.MustInit(ctx, config)

	if err := run(ctx, g); err != nil {
		g.Fatal(err)
	}
	if err := g.Close(); err != nil {
		g.Error(err)
	}
	log.Infof("stopped")
}

func run(ctx context.Context, g *state.Global) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sigs:
			g.Log.Infof("signal=%s stopping", s)
			g.Stop()
		case <-g.Alive.StopChan():
		}
		cancel()
	}()

	if err := g.Boot(ctx, g.NetworkWaiter()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Annotate(err, "boot")
	}

	if listen := g.Config.Metrics.Listen; listen != "" {
		g.Alive.Add(1)
		go func() {
			defer g.Alive.Done()
			if err := g.Metrics.Serve(ctx, g.Log, listen); err != nil {
				g.Error(err)
			}
		}()
	}

	a, err := g.Agent()
	if err != nil {
		return errors.Annotate(err, "agent init")
	}
	if interval, _ := daemon.SdWatchdogEnabled(false); interval > 0 {
		g.Log.Infof("systemd watchdog interval=%s", interval)
		a.Watchdog = func() { sdnotify(daemon.SdNotifyWatchdog) }
	}

	sdnotify(daemon.SdNotifyReady)
	g.Log.Infof("init complete, running")
	err = a.Run(ctx)
	g.Stop()
	if errors.Cause(err) == agent.ErrRestartReturned {
		// exit code makes service manager restart process
		return err
	}
	g.Alive.Wait()
	return err
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
