// Package wifi waits for network association.
// Association itself is done by the system (wpa_supplicant, networkd);
// agent only needs to know when the interface got a usable address.
package wifi

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/juju/errors"
	"github.com/temoto/boiler/log2"
)

const (
	DefaultInterface = "wlan0"
	DefaultTimeout   = 30 * time.Second
)

var ErrNoAddress = errors.New("interface has no usable address")

type Waiter struct {
	Log       *log2.Log
	Interface string
	Timeout   time.Duration

	// interface address source, replaced in tests
	addrs func(name string) ([]net.Addr, error)
	clock backoff.Clock
}

func NewWaiter(iface string, timeout time.Duration, log *log2.Log) *Waiter {
	if iface == "" {
		iface = DefaultInterface
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Waiter{
		Log:       log,
		Interface: iface,
		Timeout:   timeout,
		addrs:     interfaceAddrs,
		clock:     backoff.SystemClock,
	}
}

func interfaceAddrs(name string) ([]net.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	if iface.Flags&net.FlagUp == 0 {
		return nil, nil
	}
	return iface.Addrs()
}

// Wait blocks until interface has global unicast IPv4 address,
// timeout elapses or ctx is done.
func (w *Waiter) Wait(ctx context.Context) (net.IP, error) {
	var found net.IP
	var lastErr error
	op := func() error {
		addrs, err := w.addrs(w.Interface)
		if err != nil {
			lastErr = err
			return err
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && ip4.IsGlobalUnicast() {
				found = ip4
				return nil
			}
		}
		lastErr = ErrNoAddress
		return ErrNoAddress
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      w.Timeout,
		Clock:               w.clock,
	}
	start := time.Now()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctxErr := contextStopped(ctx, start.Add(w.Timeout)); ctxErr != nil {
			return nil, errors.Annotatef(ctxErr, "wifi wait interface=%s", w.Interface)
		}
		return nil, errors.Annotatef(lastErr, "wifi wait interface=%s timeout=%s", w.Interface, w.Timeout)
	}
	w.Log.Infof("wifi interface=%s addr=%s after=%s", w.Interface, found, time.Since(start))
	return found, nil
}

// contextStopped reports ctx error when ctx ended the retries.
// WithContext gives up before ctx deadline once next interval would cross it,
// at that moment ctx.Err() is still nil.
func contextStopped(ctx context.Context, ownDeadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok && dl.Before(ownDeadline) {
		return context.DeadlineExceeded
	}
	return nil
}
