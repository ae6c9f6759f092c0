package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"io/ioutil"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/boiler/log2"
)

const (
	DefaultReadBuffer   = 4 << 10
	DefaultWriteTimeout = 15 * time.Second
	closeTimeout        = 3 * time.Second
)

// TLSTransport connects over TCP+TLS with SNI set to the collector host.
// Without CA pool server certificate is not verified.
type TLSTransport struct {
	Log          *log2.Log
	TLS          *tls.Config
	Dialer       net.Dialer
	ReadBuffer   int
	WriteTimeout time.Duration
}

var _ Transport = &TLSTransport{}

func NewTLSTransport(log *log2.Log, caFile string) (*TLSTransport, error) {
	t := &TLSTransport{
		Log:          log,
		TLS:          &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		ReadBuffer:   DefaultReadBuffer,
		WriteTimeout: DefaultWriteTimeout,
	}
	if caFile == "" {
		return t, nil
	}
	pem, err := ioutil.ReadFile(caFile)
	if err != nil {
		return nil, errors.Annotatef(err, "tls ca_file=%s", caFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.NotValidf("tls ca_file=%s no certificates", caFile)
	}
	t.TLS = &tls.Config{RootCAs: pool}
	return t, nil
}

func (t *TLSTransport) Open(host string, port int, sink Sink) (Handle, error) {
	if sink == nil {
		return nil, errors.NotValidf("code error transport sink=nil")
	}
	config := &tls.Config{}
	if t.TLS != nil {
		config = t.TLS.Clone()
	}
	config.ServerName = host
	bufSize := t.ReadBuffer
	if bufSize <= 0 {
		bufSize = DefaultReadBuffer
	}
	wt := t.WriteTimeout
	if wt <= 0 {
		wt = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &tlsHandle{
		log:          t.Log,
		config:       config,
		dialer:       t.Dialer,
		port:         port,
		sink:         sink,
		ctx:          ctx,
		cancel:       cancel,
		bufSize:      bufSize,
		writeTimeout: wt,
	}, nil
}

type tlsHandle struct {
	acked uint64 // atomic, first for 64-bit alignment on arm

	sync.Mutex
	log          *log2.Log
	config       *tls.Config
	dialer       net.Dialer
	port         int
	sink         Sink
	ctx          context.Context
	cancel       context.CancelFunc
	bufSize      int
	writeTimeout time.Duration

	raw        net.Conn
	conn       *tls.Conn
	connecting bool
	detached   bool
	closed     bool
}

func (h *tlsHandle) emit(e Event) {
	h.Lock()
	skip := h.detached || h.closed
	h.Unlock()
	if !skip {
		h.sink(e)
	}
}

func (h *tlsHandle) Connect(addr net.IP) error {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return errors.Errorf("connect on closed handle")
	}
	if h.connecting || h.conn != nil {
		return errors.AlreadyExistsf("connection")
	}
	h.connecting = true
	go h.dial(net.JoinHostPort(addr.String(), strconv.Itoa(h.port)))
	return nil
}

func (h *tlsHandle) dial(hostport string) {
	raw, err := h.dialer.DialContext(h.ctx, "tcp", hostport)
	if err != nil {
		h.emit(Event{Kind: EventConnected, Err: errors.Annotatef(err, "dial %s", hostport)})
		return
	}
	conn := tls.Client(raw, h.config)
	if err = conn.HandshakeContext(h.ctx); err != nil {
		_ = raw.Close()
		h.emit(Event{Kind: EventConnected, Err: errors.Annotatef(err, "tls handshake %s sni=%s", hostport, h.config.ServerName)})
		return
	}

	h.Lock()
	if h.closed {
		h.Unlock()
		_ = raw.Close()
		return
	}
	h.raw, h.conn = raw, conn
	h.Unlock()

	h.log.Debugf("transport connected %s", hostport)
	h.emit(Event{Kind: EventConnected})
	go h.readLoop(conn)
}

func (h *tlsHandle) readLoop(conn *tls.Conn) {
	buf := make([]byte, h.bufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.emit(Event{Kind: EventReceived, Data: data})
		}
		switch {
		case err == nil:
		case err == io.EOF:
			h.emit(Event{Kind: EventReceived})
			return
		default:
			h.fail(errors.Annotate(err, "read"))
			return
		}
	}
}

// fail invalidates connection and reports EventError.
// Owner will not call Close after that.
func (h *tlsHandle) fail(err error) {
	h.Lock()
	if h.closed {
		h.Unlock()
		return
	}
	raw, sink, detached := h.raw, h.sink, h.detached
	h.closed = true
	h.cancel()
	h.Unlock()

	if raw != nil {
		_ = raw.Close()
	}
	if !detached {
		sink(Event{Kind: EventError, Err: err})
	}
}

func (h *tlsHandle) Write(b []byte) error {
	h.Lock()
	conn := h.conn
	closed := h.closed
	h.Unlock()
	if closed || conn == nil {
		return errors.Errorf("write on unconnected handle")
	}
	data := make([]byte, len(b))
	copy(data, b)
	go func() {
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if _, err := conn.Write(data); err != nil {
			h.fail(errors.Annotate(err, "write"))
		}
	}()
	return nil
}

// Recved only counts, Go network stack manages receive window.
func (h *tlsHandle) Recved(n int) { atomic.AddUint64(&h.acked, uint64(n)) }

func (h *tlsHandle) Detach() {
	h.Lock()
	h.detached = true
	h.Unlock()
}

func (h *tlsHandle) Close() error {
	h.Lock()
	if h.closed {
		h.Unlock()
		return nil
	}
	h.closed = true
	h.cancel()
	conn := h.conn
	h.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.SetDeadline(time.Now().Add(closeTimeout))
	// sends close_notify
	return conn.Close()
}

func (h *tlsHandle) Abort() {
	h.Lock()
	h.closed = true
	h.cancel()
	raw := h.raw
	h.Unlock()

	if raw == nil {
		return
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = raw.Close()
}
