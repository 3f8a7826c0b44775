// Package wsflow is a WebSocket transport stage.
//
// Each Write becomes one binary WebSocket message and each Read delivers
// one received message's payload, so the stage preserves write boundaries
// (DataType Packet). Tunnel stages run over it unchanged; they treat every
// payload as an opaque chunk of the byte stream.
//
// The operation discipline matches tcpflow: blocking calls on helper
// goroutines, completions posted to the runloop, one read and one write in
// flight. That pairs exactly with the websocket package's one-reader
// one-writer rule.
package wsflow

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowkit-net/flowkit-go/pkg/cancelable"
	"github.com/flowkit-net/flowkit-go/pkg/flow"
	"github.com/flowkit-net/flowkit-go/pkg/log"
	"github.com/flowkit-net/flowkit-go/pkg/runloop"
	"github.com/flowkit-net/flowkit-go/pkg/session"
	"github.com/flowkit-net/flowkit-go/pkg/version"
)

const stageName = "ws"

// DefaultDialTimeout bounds the WebSocket handshake when the config does
// not.
const DefaultDialTimeout = 30 * time.Second

// closeWriteTimeout bounds the close control frame write.
const closeWriteTimeout = 5 * time.Second

// Config carries the optional knobs for a WebSocket stage.
type Config struct {
	// Path is the request path dialed on the endpoint. Empty means "/".
	Path string

	// DialTimeout bounds the HTTP upgrade handshake. Zero means
	// DefaultDialTimeout.
	DialTimeout time.Duration

	// TLSConfig, when set, dials wss:// with this configuration instead
	// of plain ws://.
	TLSConfig *tls.Config

	// Header is sent with the upgrade request, for deployments that key
	// routing or auth off it.
	Header http.Header

	// Logger receives transport events. Nil disables logging.
	Logger log.Logger
}

// Flow is a WebSocket connection exposed as a flow. The zero value is not
// usable; call New or Wrap.
type Flow struct {
	loop   *runloop.Runloop
	sess   *session.Session
	conf   Config
	logger log.Logger

	sm   flow.StateMachine
	conn *websocket.Conn

	connectTo *session.Endpoint

	connectToken cancelable.Token
	readToken    cancelable.Token
	writeToken   cancelable.Token

	terminalErr error
	closed      bool
}

// New returns an unconnected WebSocket stage owning a fresh session.
func New(loop *runloop.Runloop, conf Config) *Flow {
	if conf.Path == "" {
		conf.Path = "/"
	}
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

// Wrap adopts an upgraded server-side connection. The flow starts
// connected.
func Wrap(loop *runloop.Runloop, conn *websocket.Conn, conf Config) *Flow {
	f := New(loop, conf)
	f.conn = conn
	f.sm.AdoptConnected()
	return f
}

// Connect performs the WebSocket upgrade handshake against the endpoint.
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

	u := url.URL{Scheme: "ws", Host: ep.Address(), Path: f.conf.Path}
	dialer := websocket.Dialer{HandshakeTimeout: f.conf.DialTimeout}
	if f.conf.TLSConfig != nil {
		u.Scheme = "wss"
		dialer.TLSClientConfig = f.conf.TLSConfig
	}
	header := http.Header{}
	for k, v := range f.conf.Header {
		header[k] = v
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", version.UserAgent())
	}

	go func() {
		conn, resp, err := dialer.Dial(u.String(), header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		f.loop.Post(func() {
			if token.Canceled() || f.closed {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				f.sm.Errored()
				if f.terminalErr == nil {
					f.terminalErr = err
				}
				f.logError(err, "connect")
				f.logState("CONNECTING", "ERRORED", err.Error())
				handler(err)
				return
			}
			f.conn = conn
			f.sm.Connected()
			f.logState("CONNECTING", "CONNECTED", "")
			handler(nil)
		})
	}()
	return token
}

// Read waits for the next data message and delivers its payload.
func (f *Flow) Read(handler flow.ReadHandler) cancelable.Token {
	f.readToken = cancelable.New()
	token := f.readToken
	if f.closed || f.sm.HasError() {
		f.rejectRead(token, handler)
		return token
	}

	f.sm.ReadBegin()
	conn := f.conn
	go func() {
		_, data, err := conn.ReadMessage()
		f.loop.Post(func() {
			if f.closed {
				return
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
		})
	}()
	return token
}

// Write sends data as one binary message.
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
		err := conn.WriteMessage(websocket.BinaryMessage, data)
		f.loop.Post(func() {
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
			f.logIO(log.DirectionOut, len(data))
			if token.Canceled() {
				return
			}
			handler(nil)
		})
	}()
	return token
}

// CloseWrite sends a normal-closure close frame: the WebSocket way of
// saying nothing further follows. The peer's reads observe a CloseError
// once in-flight messages drain; our own data writes fail from here on.
func (f *Flow) CloseWrite(handler flow.EventHandler) cancelable.Token {
	token := cancelable.New()
	if f.closed || f.sm.HasError() {
		f.rejectEvent(token, handler)
		return token
	}

	conn := f.conn
	go func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		f.loop.Post(func() {
			if f.closed {
				return
			}
			if err != nil {
				f.logError(err, "close write")
			}
			if token.Canceled() {
				return
			}
			handler(err)
		})
	}()
	return token
}

// Close tears the connection down. In-flight completions are suppressed;
// their goroutines unblock because the connection is closed under them.
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

// DataType reports packet semantics: one message per write.
func (f *Flow) DataType() flow.DataType { return flow.Packet }

// StateMachine exposes the stage's dispatch state.
func (f *Flow) StateMachine() *flow.StateMachine { return &f.sm }

// NextHop returns nil; the WebSocket connection is the bottom of the
// chain.
func (f *Flow) NextHop() flow.Flow { return nil }

// Session returns the session this stage owns.
func (f *Flow) Session() *session.Session { return f.sess }

// Runloop returns the loop completions are posted to.
func (f *Flow) Runloop() *runloop.Runloop { return f.loop }

// ConnectingTo returns the endpoint passed to Connect.
func (f *Flow) ConnectingTo() *session.Endpoint { return f.connectTo }

// RemoteAddr reports the peer address, or nil before Connect.
func (f *Flow) RemoteAddr() net.Addr {
	if f.conn == nil {
		return nil
	}
	return f.conn.RemoteAddr()
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
