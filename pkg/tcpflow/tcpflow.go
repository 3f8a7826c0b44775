// Package tcpflow is the TCP transport stage, the bottom of most
// pipelines.
//
// Each operation hands its blocking socket call to a helper goroutine and
// posts the completion back to the runloop, so flow state never needs a
// lock. One read and one write may be in flight at a time; the state
// machine enforces it.
package tcpflow

import (
	"net"
	"net/netip"
	"time"

	"github.com/flowkit-net/flowkit-go/pkg/cancelable"
	"github.com/flowkit-net/flowkit-go/pkg/flow"
	"github.com/flowkit-net/flowkit-go/pkg/log"
	"github.com/flowkit-net/flowkit-go/pkg/resolve"
	"github.com/flowkit-net/flowkit-go/pkg/runloop"
	"github.com/flowkit-net/flowkit-go/pkg/session"
)

const stageName = "tcp"

// ReadChunkSize is how much a single Read asks the socket for.
const ReadChunkSize = 8192

// DefaultDialTimeout bounds Connect when the config does not.
const DefaultDialTimeout = 30 * time.Second

// Config carries the optional knobs for a TCP stage.
type Config struct {
	// DialTimeout bounds the whole dial, including any fallback across
	// resolved addresses. Zero means DefaultDialTimeout.
	DialTimeout time.Duration

	// Resolver, when set, resolves hostnames before dialing and enables
	// address-family preferences. When nil the operating system resolves
	// during the dial.
	Resolver resolve.Resolver

	// Preference orders resolved addresses. Only consulted with a
	// Resolver.
	Preference resolve.AddressPreference

	// Logger receives transport events. Nil disables logging.
	Logger log.Logger
}

// Flow is a TCP connection exposed as a flow. The zero value is not
// usable; call New or Wrap.
type Flow struct {
	loop   *runloop.Runloop
	sess   *session.Session
	conf   Config
	logger log.Logger

	sm   flow.StateMachine
	conn net.Conn

	connectTo *session.Endpoint

	connectToken cancelable.Token
	readToken    cancelable.Token
	writeToken   cancelable.Token

	// pendingReadErr holds the error half of a read that returned both
	// data and an error; the next Read reports it.
	pendingReadErr error

	terminalErr error
	closed      bool
}

// New returns an unconnected TCP stage. It owns a fresh session; tunnel
// stages layered on top join it.
func New(loop *runloop.Runloop, conf Config) *Flow {
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = DefaultDialTimeout
	}
	logger := conf.Logger
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Flow{
		loop:   loop,
		sess:   session.New(),
		conf:   conf,
		logger: logger,
	}
}

// Wrap adopts an already-open connection, typically one returned by an
// accept loop. The flow starts connected.
func Wrap(loop *runloop.Runloop, conn net.Conn, conf Config) *Flow {
	f := New(loop, conf)
	f.conn = conn
	f.sm.AdoptConnected()
	return f
}

// Connect dials the endpoint. With a configured Resolver the hostname is
// resolved first and the candidates are tried in preference order;
// otherwise the dial resolves through the operating system.
func (f *Flow) Connect(ep *session.Endpoint, handler flow.EventHandler) cancelable.Token {
	f.connectToken = cancelable.New()
	token := f.connectToken
	if f.closed || f.sm.HasError() {
		f.rejectEvent(token, handler)
		return token
	}

	f.connectTo = ep
	f.sess.Endpoint = ep
	f.sm.ConnectBegin()
	f.logState("IDLE", "CONNECTING", "")

	if ep.Resolved() || f.conf.Resolver == nil {
		f.dial([]string{ep.Address()}, token, handler)
		return token
	}
	f.conf.Resolver.Resolve(ep.Host, f.conf.Preference, func(addrs []netip.Addr, err error) {
		if token.Canceled() {
			return
		}
		if err != nil {
			f.failConnect(err, handler)
			return
		}
		candidates := make([]string, len(addrs))
		for i, a := range addrs {
			candidates[i] = netip.AddrPortFrom(a.Unmap(), ep.Port).String()
		}
		f.dial(candidates, token, handler)
	})
	return token
}

// dial tries the candidates in order on a helper goroutine and posts the
// first success, or the last failure.
func (f *Flow) dial(candidates []string, token cancelable.Token, handler flow.EventHandler) {
	timeout := f.conf.DialTimeout
	go func() {
		deadline := time.Now().Add(timeout)
		var conn net.Conn
		var err error
		for _, addr := range candidates {
			d := net.Dialer{Deadline: deadline}
			conn, err = d.Dial("tcp", addr)
			if err == nil {
				break
			}
		}
		f.loop.Post(func() {
			if token.Canceled() || f.closed {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				f.failConnect(err, handler)
				return
			}
			f.conn = conn
			f.sm.Connected()
			f.logState("CONNECTING", "CONNECTED", "")
			handler(nil)
		})
	}()
}

func (f *Flow) failConnect(err error, handler flow.EventHandler) {
	f.sm.Errored()
	if f.terminalErr == nil {
		f.terminalErr = err
	}
	f.logError(err, "connect")
	f.logState("CONNECTING", "ERRORED", err.Error())
	handler(err)
}

// Read asks the socket for the next chunk, at most ReadChunkSize bytes.
func (f *Flow) Read(handler flow.ReadHandler) cancelable.Token {
	f.readToken = cancelable.New()
	token := f.readToken
	if f.closed || f.sm.HasError() {
		f.rejectRead(token, handler)
		return token
	}

	f.sm.ReadBegin()
	if f.pendingReadErr != nil {
		err := f.pendingReadErr
		f.pendingReadErr = nil
		f.loop.Post(func() { f.finishRead(token, handler, nil, err) })
		return token
	}

	conn := f.conn
	go func() {
		buf := make([]byte, ReadChunkSize)
		n, err := conn.Read(buf)
		var data []byte
		if n > 0 {
			data = buf[:n]
		}
		f.loop.Post(func() { f.finishRead(token, handler, data, err) })
	}()
	return token
}

func (f *Flow) finishRead(token cancelable.Token, handler flow.ReadHandler, data []byte, err error) {
	if f.closed {
		return
	}
	if len(data) > 0 && err != nil {
		// Deliver the data now, report the error on the next read.
		f.pendingReadErr = err
		err = nil
	}
	f.sm.ReadEnd()
	if err != nil {
		f.sm.Errored()
		if f.terminalErr == nil {
			f.terminalErr = err
		}
		f.logError(err, "read")
		if token.Canceled() {
			return
		}
		handler(nil, err)
		return
	}
	f.logIO(log.DirectionIn, len(data))
	if token.Canceled() {
		return
	}
	handler(data, nil)
}

// Write sends all of data. The handler fires once the socket accepted
// every byte.
func (f *Flow) Write(data []byte, handler flow.EventHandler) cancelable.Token {
	f.writeToken = cancelable.New()
	token := f.writeToken
	if f.closed || f.sm.HasError() {
		f.rejectEvent(token, handler)
		return token
	}

	f.sm.WriteBegin()
	conn := f.conn
	go func() {
		_, err := conn.Write(data)
		f.loop.Post(func() { f.finishWrite(token, handler, len(data), err) })
	}()
	return token
}

func (f *Flow) finishWrite(token cancelable.Token, handler flow.EventHandler, n int, err error) {
	if f.closed {
		return
	}
	f.sm.WriteEnd()
	if err != nil {
		f.sm.Errored()
		if f.terminalErr == nil {
			f.terminalErr = err
		}
		f.logError(err, "write")
		if token.Canceled() {
			return
		}
		handler(err)
		return
	}
	f.logIO(log.DirectionOut, n)
	if token.Canceled() {
		return
	}
	handler(nil)
}

// CloseWrite shuts down the send side so the peer reads EOF, leaving the
// receive side open. Connections without half-close support report
// flow.ErrHalfCloseUnsupported.
func (f *Flow) CloseWrite(handler flow.EventHandler) cancelable.Token {
	token := cancelable.New()
	if f.closed || f.sm.HasError() {
		f.rejectEvent(token, handler)
		return token
	}

	cw, ok := f.conn.(interface{ CloseWrite() error })
	if !ok {
		f.loop.Post(func() {
			if token.Canceled() {
				return
			}
			handler(flow.ErrHalfCloseUnsupported)
		})
		return token
	}
	err := cw.CloseWrite()
	if err != nil {
		f.logError(err, "close write")
	}
	f.loop.Post(func() {
		if token.Canceled() {
			return
		}
		handler(err)
	})
	return token
}

// Close tears the connection down. In-flight completions are suppressed;
// their goroutines unblock because the socket is closed under them.
func (f *Flow) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.connectToken.Cancel()
	f.readToken.Cancel()
	f.writeToken.Cancel()
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

func (f *Flow) rejectEvent(token cancelable.Token, handler flow.EventHandler) {
	err := f.terminalErr
	if err == nil {
		err = flow.ErrClosed
	}
	f.loop.Post(func() {
		if token.Canceled() {
			return
		}
		handler(err)
	})
}

func (f *Flow) rejectRead(token cancelable.Token, handler flow.ReadHandler) {
	err := f.terminalErr
	if err == nil {
		err = flow.ErrClosed
	}
	f.loop.Post(func() {
		if token.Canceled() {
			return
		}
		handler(nil, err)
	})
}

// DataType reports stream semantics.
func (f *Flow) DataType() flow.DataType { return flow.Stream }

// StateMachine exposes the stage's dispatch state.
func (f *Flow) StateMachine() *flow.StateMachine { return &f.sm }

// NextHop returns nil; TCP is the bottom of the chain.
func (f *Flow) NextHop() flow.Flow { return nil }

// Session returns the session this stage owns.
func (f *Flow) Session() *session.Session { return f.sess }

// Runloop returns the loop completions are posted to.
func (f *Flow) Runloop() *runloop.Runloop { return f.loop }

// ConnectingTo returns the endpoint passed to Connect.
func (f *Flow) ConnectingTo() *session.Endpoint { return f.connectTo }

// RemoteAddr returns the peer address, or nil before the connect.
func (f *Flow) RemoteAddr() net.Addr {
	if f.conn == nil {
		return nil
	}
	return f.conn.RemoteAddr()
}

// LocalAddr returns the local address, or nil before the connect.
func (f *Flow) LocalAddr() net.Addr {
	if f.conn == nil {
		return nil
	}
	return f.conn.LocalAddr()
}

func (f *Flow) remote() string {
	if f.connectTo != nil {
		return f.connectTo.Address()
	}
	if f.conn != nil {
		return f.conn.RemoteAddr().String()
	}
	return ""
}

func (f *Flow) event(cat log.Category) log.Event {
	return log.Event{
		Timestamp: time.Now(),
		SessionID: f.sess.ID.String(),
		Layer:     log.LayerTransport,
		Category:  cat,
		Stage:     stageName,
		Remote:    f.remote(),
	}
}

func (f *Flow) logState(oldState, newState, reason string) {
	e := f.event(log.CategoryState)
	e.StateChange = &log.StateChangeEvent{
		Axis:     log.AxisConnect,
		OldState: oldState,
		NewState: newState,
		Reason:   reason,
	}
	f.logger.Log(e)
}

func (f *Flow) logIO(dir log.Direction, n int) {
	e := f.event(log.CategoryIO)
	e.IO = &log.IOEvent{Direction: dir, Bytes: n}
	f.logger.Log(e)
}

func (f *Flow) logError(err error, context string) {
	e := f.event(log.CategoryError)
	e.Error = &log.ErrorEventData{Message: err.Error(), Context: context}
	f.logger.Log(e)
}

var _ flow.RemoteFlow = (*Flow)(nil)
