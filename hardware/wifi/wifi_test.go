package wifi

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/boiler/log2"
)

func ipnet(s string) net.Addr {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func TestWait(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		script    [][]net.Addr
		expect    string
		expectErr error
	}
	cases := []Case{
		{"immediate", [][]net.Addr{{ipnet("192.168.1.20/24")}}, "192.168.1.20", nil},
		{"after-link-local", [][]net.Addr{
			nil,
			{ipnet("169.254.3.3/16"), ipnet("fe80::1/64")},
			{ipnet("fe80::1/64"), ipnet("10.0.0.7/8")},
		}, "10.0.0.7", nil},
		{"never", [][]net.Addr{{ipnet("127.0.0.1/8")}}, "", ErrNoAddress},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			w := NewWaiter("wlan-test", 400*time.Millisecond, log2.NewTest(t, log2.LDebug))
			calls := 0
			w.addrs = func(name string) ([]net.Addr, error) {
				assert.Equal(t, "wlan-test", name)
				i := calls
				if i >= len(c.script) {
					i = len(c.script) - 1
				}
				calls++
				return c.script[i], nil
			}
			ip, err := w.Wait(context.Background())
			if c.expectErr != nil {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, ip.String())
		})
	}
}

func TestWaitInterfaceError(t *testing.T) {
	t.Parallel()

	w := NewWaiter("", 200*time.Millisecond, nil)
	assert.Equal(t, DefaultInterface, w.Interface)
	w.addrs = func(string) ([]net.Addr, error) { return nil, fmt.Errorf("no such network interface") }
	_, err := w.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such network interface")
}

func TestWaitCancel(t *testing.T) {
	t.Parallel()

	w := NewWaiter("wlan0", time.Minute, nil)
	w.addrs = func(string) ([]net.Addr, error) { return nil, nil }
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := w.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	assert.True(t, time.Since(start) < 5*time.Second)
}

func TestContextStopped(t *testing.T) {
	t.Parallel()

	own := time.Now().Add(time.Minute)
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	near, cancelNear := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancelNear)
	far, cancelFar := context.WithTimeout(context.Background(), time.Hour)
	t.Cleanup(cancelFar)

	type Case struct {
		name   string
		ctx    context.Context
		expect error
	}
	cases := []Case{
		{"background", context.Background(), nil},
		{"canceled", canceled, context.Canceled},
		{"deadline-before-timeout", near, context.DeadlineExceeded},
		{"deadline-after-timeout", far, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, c.expect, contextStopped(c.ctx, own))
		})
	}
}
