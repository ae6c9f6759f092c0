// Package resolve is single slot address cache for the collector hostname.
// Entry is fresh iff now-fetched < ttl and address is set.
// There is no stale-while-revalidate: fresh entry means no lookup at all,
// failed lookup leaves previous entry untouched.
//
// Entry is not safe for concurrent use. Only caller is the one session in flight,
// sessions never overlap. Lookup itself may run in a helper goroutine.
package resolve

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
)

const DefaultTTL = 10 * time.Minute

var ErrResolutionFailed = errors.New("resolution failed")

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type Cache struct {
	resolver Resolver
	ttl      time.Duration
	now      func() time.Duration

	host    string
	addr    net.IP
	fetched time.Duration
	lookups int32 // atomic, Lookup may run in helper goroutine
}

var processStart = time.Now()

// Monotonic time since process start.
func Monotonic() time.Duration { return time.Since(processStart) }

func New(resolver Resolver, ttl time.Duration) *Cache {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		resolver: resolver,
		ttl:      ttl,
		now:      Monotonic,
	}
}

// SetClock replaces time source, for tests.
func (c *Cache) SetClock(now func() time.Duration) { c.now = now }

func (c *Cache) Now() time.Duration { return c.now() }
func (c *Cache) TTL() time.Duration { return c.ttl }

// Lookups returns number of network resolutions started.
func (c *Cache) Lookups() int { return int(atomic.LoadInt32(&c.lookups)) }

// Get returns cached address if it is fresh for host at time now.
func (c *Cache) Get(host string, now time.Duration) (net.IP, bool) {
	if c.addr == nil || c.host != host {
		return nil, false
	}
	age := now - c.fetched
	if age < 0 || age >= c.ttl {
		return nil, false
	}
	return c.addr, true
}

// Store records successful resolution started at time now.
func (c *Cache) Store(host string, addr net.IP, now time.Duration) {
	if addr == nil || addr.IsUnspecified() {
		return
	}
	c.host = host
	c.addr = addr
	c.fetched = now
}

// Forget drops cached entry.
func (c *Cache) Forget() {
	c.host, c.addr, c.fetched = "", nil, 0
}

// Lookup performs network resolution, does not touch cache entry.
// Blocking, run it in separate goroutine when asynchronous result is needed.
// IPv4 address is preferred.
func (c *Cache) Lookup(ctx context.Context, host string) (net.IP, error) {
	atomic.AddInt32(&c.lookups, 1)
	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, ErrResolutionFailed, "host=%s", host)
	}
	var found net.IP
	for _, a := range addrs {
		if a.IP == nil || a.IP.IsUnspecified() {
			continue
		}
		if a.IP.To4() != nil {
			return a.IP, nil
		}
		if found == nil {
			found = a.IP
		}
	}
	if found == nil {
		return nil, errors.Annotatef(ErrResolutionFailed, "host=%s no usable address", host)
	}
	return found, nil
}

// Resolve is synchronous Get or Lookup+Store.
func (c *Cache) Resolve(ctx context.Context, host string) (net.IP, error) {
	now := c.now()
	if addr, ok := c.Get(host, now); ok {
		return addr, nil
	}
	addr, err := c.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	c.Store(host, addr, now)
	return addr, nil
}
