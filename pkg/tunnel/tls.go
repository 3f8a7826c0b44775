package tunnel

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"
)

// tlsReadBuffer is the driver's plaintext scratch size, one full TLS
// record's worth.
const tlsReadBuffer = 16384

// TLSEngine drives a crypto/tls connection over in-memory buffers so a
// data-flow stage can pump it with callback-completed I/O.
//
// crypto/tls wants a net.Conn it can block on. The engine hands it one
// whose read side suspends a dedicated driver goroutine whenever no wire
// bytes are buffered. Engine methods resume the driver in lock step and
// observe whether it completed, failed, or suspended again, so every
// method returns deterministically without real I/O.
type TLSEngine struct {
	mode Mode
	conf *tls.Config

	conn *tls.Conn
	mem  *memConn

	start  chan tlsOp
	done   chan tlsResult
	closed chan struct{}

	op       tlsOp // operation the driver currently owns
	isParked bool  // driver is suspended inside op, waiting for wire bytes
	hsDone   bool

	pendingPlain bytes.Buffer // plaintext queued before the handshake finished
	plain        bytes.Buffer // decrypted data ready for ReadPlaintext

	closeOnce sync.Once
	err       error // sticky
}

type tlsOp uint8

const (
	opNone tlsOp = iota
	opHandshake
	opRead
)

type tlsResult struct {
	op   tlsOp
	data []byte
	err  error
}

// NewTLS returns an engine that speaks TLS in the given mode. conf is
// cloned; a nil conf is treated as empty. The crypto/tls connection is not
// created until the first Handshake call, so SetServerName can still
// adjust the config.
func NewTLS(conf *tls.Config, mode Mode) *TLSEngine {
	if conf == nil {
		conf = &tls.Config{}
	}
	e := &TLSEngine{
		mode:   mode,
		conf:   conf.Clone(),
		start:  make(chan tlsOp),
		done:   make(chan tlsResult),
		closed: make(chan struct{}),
	}
	e.mem = newMemConn(e.closed)
	return e
}

// SetServerName sets the SNI and verification name for client engines.
// Ignored once the handshake has started, when name is empty, or when the
// config already carries an explicit server name.
func (e *TLSEngine) SetServerName(name string) {
	if e.conn == nil && name != "" && e.conf.ServerName == "" {
		e.conf.ServerName = name
	}
}

// ConnectionState returns the crypto/tls state, valid after the handshake.
func (e *TLSEngine) ConnectionState() tls.ConnectionState {
	if e.conn == nil {
		return tls.ConnectionState{}
	}
	return e.conn.ConnectionState()
}

func (e *TLSEngine) ensureStarted() {
	if e.conn != nil {
		return
	}
	if e.mode == ModeServer {
		e.conn = tls.Server(e.mem, e.conf)
	} else {
		e.conn = tls.Client(e.mem, e.conf)
	}
	go e.run()
}

// run is the driver goroutine. It executes one blocking crypto/tls call at
// a time; memConn suspends it whenever the call wants wire bytes that are
// not buffered yet.
func (e *TLSEngine) run() {
	buf := make([]byte, tlsReadBuffer)
	for {
		var op tlsOp
		select {
		case op = <-e.start:
		case <-e.closed:
			return
		}

		res := tlsResult{op: op}
		switch op {
		case opHandshake:
			res.err = e.conn.Handshake()
		case opRead:
			n, err := e.conn.Read(buf)
			if n > 0 {
				res.data = append([]byte(nil), buf[:n]...)
			}
			res.err = err
		}

		select {
		case e.done <- res:
		case <-e.closed:
			return
		}
	}
}

// step waits for the driver to either suspend (more wire bytes needed) or
// finish its current operation. It must be called exactly once after every
// dispatch on start and every resume.
func (e *TLSEngine) step() (parked bool, res tlsResult) {
	select {
	case <-e.mem.parkReq:
		e.isParked = true
		return true, tlsResult{}
	case res = <-e.done:
		e.op = opNone
		e.isParked = false
		return false, res
	}
}

// Handshake advances the handshake one deterministic step.
func (e *TLSEngine) Handshake() (HandshakeStatus, error) {
	if e.err != nil {
		return HandshakeFailed, e.err
	}
	if e.hsDone {
		return HandshakeDone, nil
	}
	e.ensureStarted()

	switch {
	case e.op == opNone:
		e.op = opHandshake
		e.start <- opHandshake
	case e.op == opHandshake && e.isParked:
		if e.mem.inLen() == 0 {
			// Nothing new arrived; resuming would park again.
			return HandshakeNeedsIO, nil
		}
		e.isParked = false
		e.mem.resume <- struct{}{}
	default:
		// The read op only exists after hsDone; getting here is a bug.
		panic("tunnel: TLS handshake stepped while a read owns the driver")
	}

	parked, res := e.step()
	if parked {
		return HandshakeNeedsIO, nil
	}
	if res.err != nil {
		e.err = res.err
		return HandshakeFailed, res.err
	}
	e.hsDone = true
	if err := e.flushPendingPlain(); err != nil {
		return HandshakeFailed, err
	}
	return HandshakeDone, nil
}

func (e *TLSEngine) flushPendingPlain() error {
	if e.pendingPlain.Len() == 0 {
		return nil
	}
	data := e.pendingPlain.Bytes()
	e.pendingPlain.Reset()
	if _, err := e.conn.Write(data); err != nil {
		e.err = err
		return err
	}
	return nil
}

// WritePlaintext queues application data for encryption. Before the
// handshake completes the data is held back; afterwards it is encrypted
// immediately and shows up in ReadCiphertext.
func (e *TLSEngine) WritePlaintext(p []byte) error {
	if e.err != nil {
		return e.err
	}
	if len(p) == 0 {
		return nil
	}
	if !e.hsDone {
		e.pendingPlain.Write(p)
		return nil
	}
	// Safe while the driver sits in a read: crypto/tls allows one reader
	// and one writer concurrently, and the write side never touches the
	// memConn read path.
	if _, err := e.conn.Write(p); err != nil {
		e.err = err
		return err
	}
	return nil
}

// WriteCiphertext feeds wire bytes into the engine. After the handshake it
// also advances decryption so the plaintext becomes observable before the
// call returns.
func (e *TLSEngine) WriteCiphertext(p []byte) error {
	if e.err != nil {
		return e.err
	}
	if len(p) == 0 {
		return nil
	}
	e.mem.feed(p)
	if e.hsDone {
		e.advanceReads()
		return e.err
	}
	return nil
}

// advanceReads drives the decryption side until the driver is suspended
// waiting for wire bytes that have not arrived.
func (e *TLSEngine) advanceReads() {
	for e.err == nil {
		switch {
		case e.op == opNone:
			if e.mem.inLen() == 0 {
				return
			}
			e.op = opRead
			e.start <- opRead
		case e.isParked:
			if e.mem.inLen() == 0 {
				return
			}
			e.isParked = false
			e.mem.resume <- struct{}{}
		default:
			return
		}

		parked, res := e.step()
		if parked {
			continue
		}
		// A close alert can ride the same read as data; keep the data
		// either way.
		e.plain.Write(res.data)
		if res.err != nil {
			e.err = res.err
			return
		}
	}
}

// ReadPlaintext drains all decrypted data, or returns nil if none is ready.
func (e *TLSEngine) ReadPlaintext() []byte {
	if e.plain.Len() == 0 {
		return nil
	}
	out := make([]byte, e.plain.Len())
	e.plain.Read(out)
	return out
}

// HasPlaintextToRead reports whether decrypted data is ready.
func (e *TLSEngine) HasPlaintextToRead() bool {
	return e.plain.Len() > 0
}

// NeedsCiphertextInput reports whether the engine is suspended waiting for
// wire bytes.
func (e *TLSEngine) NeedsCiphertextInput() bool {
	return e.err == nil && e.isParked
}

// ReadCiphertext drains bytes destined for the wire, or returns nil.
func (e *TLSEngine) ReadCiphertext() []byte {
	return e.mem.drainOut()
}

// FinishedWritingCiphertext reports whether all produced ciphertext has
// been drained.
func (e *TLSEngine) FinishedWritingCiphertext() bool {
	return e.mem.outLen() == 0
}

// Close stops the driver goroutine and marks the engine dead. It never
// sends a close_notify; tearing down the transport is the stage's job.
func (e *TLSEngine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.err == nil {
			e.err = ErrEngineClosed
		}
	})
	return nil
}

var (
	_ Engine           = (*TLSEngine)(nil)
	_ ServerNameSetter = (*TLSEngine)(nil)
)

// memConn is the in-memory net.Conn crypto/tls runs over. Reads suspend
// the calling goroutine on parkReq/resume when no input is buffered;
// writes append to an unbounded output buffer and never block.
type memConn struct {
	mu  sync.Mutex
	in  bytes.Buffer // wire -> tls
	out bytes.Buffer // tls -> wire

	parkReq chan struct{}
	resume  chan struct{}
	closed  chan struct{}
}

func newMemConn(closed chan struct{}) *memConn {
	return &memConn{
		parkReq: make(chan struct{}),
		resume:  make(chan struct{}),
		closed:  closed,
	}
}

func (c *memConn) feed(p []byte) {
	c.mu.Lock()
	c.in.Write(p)
	c.mu.Unlock()
}

func (c *memConn) inLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Len()
}

func (c *memConn) outLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Len()
}

func (c *memConn) drainOut() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out.Len() == 0 {
		return nil
	}
	data := make([]byte, c.out.Len())
	c.out.Read(data)
	return data
}

func (c *memConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.in.Len() > 0 {
			n, _ := c.in.Read(p)
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()

		// Suspend until the engine feeds more wire bytes or closes.
		select {
		case c.parkReq <- struct{}{}:
		case <-c.closed:
			return 0, io.EOF
		}
		select {
		case <-c.resume:
		case <-c.closed:
			return 0, io.EOF
		}
	}
}

func (c *memConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

// The rest of net.Conn is plumbing crypto/tls never exercises here.

func (c *memConn) Close() error                     { return nil }
func (c *memConn) LocalAddr() net.Addr              { return memAddr{} }
func (c *memConn) RemoteAddr() net.Addr             { return memAddr{} }
func (c *memConn) SetDeadline(time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "mem" }
func (memAddr) String() string  { return "mem" }
