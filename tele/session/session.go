// Package session delivers one set of readings to the collector.
//
// Session is explicit state machine driven by events: resolve -> connect -> write -> receive -> close.
// Events come from transport goroutines through an inbox, poll ticks come from a timer,
// all of them are dispatched on the goroutine that called Execute, one at a time.
// So Session fields need no locking.
//
// Contract:
// - at most one session in flight per Machine, second Execute returns nil Session
// - Execute blocks until session is complete
// - complete session never holds connection handle
// - close is idempotent: mark complete, detach events, orderly shutdown, abort if that failed
// - after EventError handle is considered freed by transport, it is dropped without close
package session

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/boiler/log2"
	"github.com/temoto/boiler/reading"
	"github.com/temoto/boiler/tele/resolve"
	"github.com/temoto/boiler/tele/wire"
)

const (
	DefaultPort             = 443
	DefaultTimeout          = 15 * time.Second
	DefaultDeadline         = 60 * time.Second
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultProgressInterval = 100 * time.Millisecond

	inboxSize = 32
	// enough for status line, rest of response is only counted
	headerKeep = 64
)

var ErrSessionBusy = errors.New("session already in flight")

type Config struct {
	Host     string
	Port     int
	Envelope wire.Envelope // Host is taken from Config.Host when empty

	Timeout          time.Duration // idle budget
	Deadline         time.Duration // hard cap since session start
	PollInterval     time.Duration
	ProgressInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Envelope.Host == "" {
		c.Envelope.Host = c.Host
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
}

// Session is result record of one Execute.
// Read it only after Execute returned.
type Session struct {
	Stage      Stage
	HTTPStatus int  // 0 until parsed
	Received   bool // any response bytes arrived
	Addr       net.IP
	Err        error // last error, for diagnostics only
	Started    time.Time
	Duration   time.Duration
	BytesSent  int
	BytesRecv  int

	complete bool
	conn     slot
	idle     time.Duration
	header   []byte
}

func (s *Session) Complete() bool { return s.complete }

// Success is delivery accepted by collector.
func (s *Session) Success() bool {
	return s.complete && s.Received && s.HTTPStatus == 200
}

func (s *Session) String() string {
	return fmt.Sprintf("(success=%t stage=%d/%s http=%d received=%t addr=%s duration=%s err=%v)",
		s.Success(), s.Stage, s.Stage, s.HTTPStatus, s.Received, s.Addr, s.Duration, s.Err)
}

type Machine struct {
	config    Config
	log       *log2.Log
	transport Transport
	cache     *resolve.Cache
	busy      int32
}

func NewMachine(config Config, log *log2.Log, transport Transport, cache *resolve.Cache) (*Machine, error) {
	if config.Host == "" {
		return nil, errors.NotValidf("session host empty")
	}
	if config.Port < 0 || config.Port > 0xffff {
		return nil, errors.NotValidf("session port=%d", config.Port)
	}
	if transport == nil {
		return nil, errors.NotValidf("code error session transport=nil")
	}
	config.setDefaults()
	if cache == nil {
		cache = resolve.New(nil, resolve.DefaultTTL)
	}
	return &Machine{
		config:    config,
		log:       log,
		transport: transport,
		cache:     cache,
	}, nil
}

func (m *Machine) Config() Config        { return m.config }
func (m *Machine) Cache() *resolve.Cache { return m.cache }
func (m *Machine) Transport() Transport  { return m.transport }

// Execute runs one session to completion. It blocks the caller,
// `progress` (optional) is called at low rate while waiting.
// Returns nil Session and ErrSessionBusy when another session is in flight:
// state machine never started, which is distinct from failed session.
func (m *Machine) Execute(ctx context.Context, src reading.Source, progress func()) (*Session, error) {
	if !atomic.CompareAndSwapInt32(&m.busy, 0, 1) {
		return nil, ErrSessionBusy
	}
	defer atomic.StoreInt32(&m.busy, 0)

	r := m.newRun(ctx, src)
	defer r.finish()
	r.start()
	r.loop(progress)
	m.log.Debugf("session done %s", r.s.String())
	return r.s, nil
}

// run is one session execution: the Session record plus everything
// event handlers need. Lives on the Execute goroutine.
type run struct {
	m      *Machine
	ctx    context.Context
	cancel context.CancelFunc
	s      *Session
	in     *inbox
	src    reading.Source

	resolveStart time.Duration
}

func (m *Machine) newRun(ctx context.Context, src reading.Source) *run {
	ctx, cancel := context.WithCancel(ctx)
	return &run{
		m:      m,
		ctx:    ctx,
		cancel: cancel,
		s:      &Session{Started: time.Now()},
		in:     newInbox(inboxSize),
		src:    src,
	}
}

func (r *run) finish() {
	r.in.shutdown()
	r.cancel()
	r.s.Duration = time.Since(r.s.Started)
}

func (r *run) start() {
	cfg := &r.m.config
	r.s.Stage = StageAllocate
	h, err := r.m.transport.Open(cfg.Host, cfg.Port, r.in.post)
	if err != nil {
		r.fail(errors.Annotate(err, "session open"))
		r.s.complete = true
		return
	}
	r.s.conn.set(h)

	now := r.m.cache.Now()
	if addr, ok := r.m.cache.Get(cfg.Host, now); ok {
		r.m.log.Debugf("session using cached addr=%s host=%s", addr, cfg.Host)
		r.connect(addr)
		return
	}

	r.s.Stage = StageResolve
	r.resolveStart = now
	r.m.log.Debugf("session resolving host=%s", cfg.Host)
	go func() {
		addr, err := r.m.cache.Lookup(r.ctx, cfg.Host)
		r.in.post(Event{Kind: EventResolved, Addr: addr, Err: err})
	}()
}

func (r *run) loop(progress func()) {
	if r.s.complete {
		return
	}
	cfg := &r.m.config
	poll := time.NewTicker(cfg.PollInterval)
	defer poll.Stop()
	var progressC <-chan time.Time
	if progress != nil {
		pt := time.NewTicker(cfg.ProgressInterval)
		defer pt.Stop()
		progressC = pt.C
	}
	done := r.ctx.Done()

	for !r.s.complete {
		select {
		case ev := <-r.in.ch:
			r.dispatch(ev)
		case <-poll.C:
			r.dispatch(Event{Kind: EventPoll})
		case <-progressC:
			progress()
		case <-done:
			r.fail(errors.Annotate(r.ctx.Err(), "session cancelled"))
			r.close()
			done = nil
		}
	}
}

// dispatch is the single entry for all events.
func (r *run) dispatch(ev Event) {
	if r.s.complete {
		r.m.log.Debugf("session ignore after complete event=%s", ev)
		return
	}
	if ev.Kind != EventPoll {
		r.m.log.Debugf("session stage=%s event=%s", r.s.Stage, ev)
		r.s.idle = 0
	}
	switch ev.Kind {
	case EventResolved:
		r.onResolved(ev)
	case EventConnected:
		r.onConnected(ev)
	case EventReceived:
		r.onReceived(ev)
	case EventPoll:
		r.onPoll()
	case EventError:
		r.onError(ev)
	default:
		r.m.log.Errorf("code error session unknown event=%s", ev)
	}
}

func (r *run) onResolved(ev Event) {
	if ev.Err != nil || ev.Addr == nil || ev.Addr.IsUnspecified() {
		err := ev.Err
		if err == nil {
			err = errors.Annotatef(resolve.ErrResolutionFailed, "empty address")
		}
		r.fail(errors.Annotatef(err, "session resolve host=%s", r.m.config.Host))
		r.close()
		return
	}
	r.m.cache.Store(r.m.config.Host, ev.Addr, r.resolveStart)
	r.connect(ev.Addr)
}

func (r *run) connect(addr net.IP) {
	r.s.Stage = StageConnect
	r.s.Addr = addr
	h, ok := r.s.conn.get()
	if !ok {
		return
	}
	if err := h.Connect(addr); err != nil {
		r.fail(errors.Annotatef(err, "session connect addr=%s", addr))
		r.close()
	}
}

func (r *run) onConnected(ev Event) {
	if ev.Err != nil {
		r.fail(errors.Annotatef(ev.Err, "session connect addr=%s", r.s.Addr))
		r.close()
		return
	}
	h, ok := r.s.conn.get()
	if !ok {
		return
	}
	r.s.Stage = StageWrite
	req := r.m.config.Envelope.BuildRequest(r.src)
	r.m.log.Debugf("session request len=%d\n%s", len(req), req)
	if err := h.Write(req); err != nil {
		r.fail(errors.Annotate(err, "session write"))
		r.close()
		return
	}
	r.s.BytesSent += len(req)
}

func (r *run) onReceived(ev Event) {
	r.s.Stage = StageReceive
	if ev.Data == nil {
		r.m.log.Debugf("session peer closed")
		r.close()
		return
	}
	if len(ev.Data) == 0 {
		return
	}
	r.s.Received = true
	r.s.BytesRecv += len(ev.Data)
	if room := headerKeep - len(r.s.header); room > 0 {
		chunk := ev.Data
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		r.s.header = append(r.s.header, chunk...)
	}
	if r.s.HTTPStatus == 0 && len(r.s.header) >= wire.StatusLineMin {
		r.s.HTTPStatus = wire.ParseStatus(r.s.header)
		r.m.log.Debugf("session http status=%d", r.s.HTTPStatus)
	}
	if h, ok := r.s.conn.get(); ok {
		h.Recved(len(ev.Data))
	}
}

func (r *run) onPoll() {
	cfg := &r.m.config
	r.s.idle += cfg.PollInterval
	if r.s.idle >= cfg.Timeout || time.Since(r.s.Started) >= cfg.Deadline {
		r.s.Stage = StageTimeout
		r.fail(errors.Timeoutf("session idle=%s", r.s.idle))
		r.close()
	}
}

func (r *run) onError(ev Event) {
	r.s.Stage = maxStage(StageNetwork, r.s.Stage)
	r.fail(errors.Annotate(ev.Err, "session transport"))
	// handle is already invalidated by transport, never close it again
	r.s.conn.drop()
	r.s.complete = true
}

// close order matters: complete flag, detach, shutdown, forget handle.
func (r *run) close() {
	r.s.complete = true
	h, ok := r.s.conn.get()
	if !ok {
		return
	}
	h.Detach()
	if err := h.Close(); err != nil {
		r.s.Stage = StageAbort
		r.fail(errors.Annotate(err, "session close failed, abort"))
		h.Abort()
	}
	r.s.conn.drop()
}

func (r *run) fail(err error) {
	r.s.Err = err
	if errors.IsTimeout(err) {
		r.m.log.Infof("session stage=%s %v", r.s.Stage, err)
		return
	}
	r.m.log.Errorf("session stage=%s %s", r.s.Stage, errors.ErrorStack(err))
}
