package state

import (
	"context"
	"net"

	"github.com/juju/errors"
	"github.com/temoto/boiler/internal/status"
)

// NetworkWaiter is satisfied by *wifi.Waiter.
type NetworkWaiter interface {
	Wait(ctx context.Context) (net.IP, error)
}

// Boot is start sequence before control loop: boot color, wait for network,
// optional low power mode. Network failure restarts the device.
func (g *Global) Boot(ctx context.Context, nw NetworkWaiter) error {
	sig := g.Signaler()
	g.emit(sig, status.Boot())

	addr, err := nw.Wait(ctx)
	if err != nil {
		err = errors.Annotate(err, "network")
		g.Error(err)
		g.emit(sig, status.NetworkFail(err))
		if ctx.Err() != nil {
			return err
		}
		r, rerr := g.Restarter()
		if rerr != nil {
			return errors.Wrap(err, rerr)
		}
		r.Restart(err.Error())
		return err
	}
	g.Log.Infof("network up addr=%s", addr)
	g.emit(sig, status.NetworkUp())

	if lp := g.LowPower(); lp != nil {
		// not fatal
		if err := lp.Enter(); err != nil {
			g.Error(err, "low power")
		}
	}
	return nil
}

func (g *Global) emit(sig status.Signaler, s status.Signal) {
	if err := sig.Signal(s); err != nil {
		g.Log.Errorf("signal %s err=%v", s.Kind, err)
	}
}
