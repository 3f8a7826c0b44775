package tunnelflow

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/flowkit-net/flowkit-go/pkg/cancelable"
	"github.com/flowkit-net/flowkit-go/pkg/flow"
	"github.com/flowkit-net/flowkit-go/pkg/log"
	"github.com/flowkit-net/flowkit-go/pkg/runloop"
	"github.com/flowkit-net/flowkit-go/pkg/session"
	"github.com/flowkit-net/flowkit-go/pkg/tunnel"
)

const stageName = "tunnel"

// Flow is the tunnel stage of a pipeline. It satisfies flow.RemoteFlow and
// sits on top of any other remote flow.
type Flow struct {
	sess *session.Session
	eng  tunnel.Engine
	next flow.RemoteFlow

	sm     flow.StateMachine
	logger log.Logger

	connectTo *session.Endpoint
	hsRound   int

	connectHandler flow.EventHandler
	readHandler    flow.ReadHandler
	writeHandler   flow.EventHandler

	// Caller-facing tokens, reissued per operation.
	connectToken cancelable.Token
	readToken    cancelable.Token
	writeToken   cancelable.Token

	// pumpToken guards next-hop completions that feed the engine. It is
	// canceled only at Close, so canceling one caller operation cannot
	// starve the pump.
	pumpToken cancelable.Token

	pendingErr  error
	terminalErr error
	errReported bool
	closed      bool
}

// New returns a tunnel stage that runs eng over next. The stage joins the
// next hop's session and runloop.
func New(eng tunnel.Engine, next flow.RemoteFlow) *Flow {
	return &Flow{
		sess:      next.Session(),
		eng:       eng,
		next:      next,
		logger:    log.NoopLogger{},
		pumpToken: cancelable.New(),
	}
}

// NewTLS returns a client-side TLS tunnel stage over next.
func NewTLS(conf *tls.Config, next flow.RemoteFlow) *Flow {
	return New(tunnel.NewTLS(conf, tunnel.ModeClient), next)
}

// SetLogger installs an event logger. Call before Connect.
func (f *Flow) SetLogger(l log.Logger) {
	if l != nil {
		f.logger = l
	}
}

// Connect establishes the next hop toward ep and then runs the engine
// handshake over it. The handler reports the combined outcome once.
func (f *Flow) Connect(ep *session.Endpoint, handler flow.EventHandler) cancelable.Token {
	f.connectToken = cancelable.New()
	if f.closed || f.errReported {
		f.reject(f.connectToken, func(err error) { handler(err) })
		return f.connectToken
	}

	f.connectTo = ep
	f.sess.Endpoint = ep
	if setter, ok := f.eng.(tunnel.ServerNameSetter); ok && ep != nil {
		setter.SetServerName(ep.Host)
	}
	f.connectHandler = handler
	f.sm.ConnectBegin()
	f.logState("IDLE", "CONNECTING", "")

	token := f.connectToken
	f.next.Connect(ep, func(err error) {
		if token.Canceled() {
			return
		}
		if err != nil {
			f.failConnect(err)
			return
		}
		f.handshake()
	})
	return f.connectToken
}

// handshake advances the engine one step and performs whatever next-hop
// I/O the step asks for, re-entering itself from the completion until the
// engine reports a verdict.
func (f *Flow) handshake() {
	f.hsRound++
	status, err := f.eng.Handshake()
	flight := f.eng.ReadCiphertext()
	f.logHandshake(f.hsRound, status, len(flight))

	switch status {
	case tunnel.HandshakeDone:
		if len(flight) > 0 {
			// The final flight still has to reach the wire before the
			// connect can be reported.
			f.writeHandshakeFlight(flight)
			return
		}
		f.sm.Connected()
		f.logState("CONNECTING", "CONNECTED", "")
		handler := f.connectHandler
		f.connectHandler = nil
		if handler != nil {
			handler(nil)
		}

	case tunnel.HandshakeNeedsIO:
		if len(flight) > 0 {
			f.writeHandshakeFlight(flight)
			return
		}
		token := f.connectToken
		f.next.Read(func(data []byte, rerr error) {
			if token.Canceled() {
				return
			}
			if rerr != nil {
				f.failConnect(rerr)
				return
			}
			if ferr := f.eng.WriteCiphertext(data); ferr != nil {
				f.failConnect(fmt.Errorf("%w: %v", flow.ErrHandshakeFailed, ferr))
				return
			}
			f.handshake()
		})

	case tunnel.HandshakeFailed:
		if err != nil {
			f.failConnect(fmt.Errorf("%w: %v", flow.ErrHandshakeFailed, err))
		} else {
			f.failConnect(flow.ErrHandshakeFailed)
		}
	}
}

func (f *Flow) writeHandshakeFlight(flight []byte) {
	token := f.connectToken
	f.logIO(log.DirectionOut, len(flight))
	f.next.Write(flight, func(err error) {
		if token.Canceled() {
			return
		}
		if err != nil {
			f.failConnect(err)
			return
		}
		f.handshake()
	})
}

// failConnect reports a connect-phase failure and makes the flow terminal.
func (f *Flow) failConnect(err error) {
	f.sm.Errored()
	if f.terminalErr == nil {
		f.terminalErr = err
	}
	f.errReported = true
	f.logError(err, "connect")
	f.logState("CONNECTING", "ERRORED", err.Error())
	handler := f.connectHandler
	f.connectHandler = nil
	if handler != nil {
		handler(err)
	}
}

// Read asks for the next decrypted chunk.
func (f *Flow) Read(handler flow.ReadHandler) cancelable.Token {
	f.readToken = cancelable.New()
	if f.closed || f.errReported {
		f.reject(f.readToken, func(err error) { handler(nil, err) })
		return f.readToken
	}

	if f.sm.HasError() {
		// The flow is terminal; process hands any residual plaintext to
		// the handler just installed, then the stashed error.
		f.readHandler = handler
		f.process()
		return f.readToken
	}
	f.sm.ReadBegin()
	f.readHandler = handler
	f.process()
	return f.readToken
}

// Write encrypts data and sends the resulting ciphertext to the next hop.
// The handler fires only after the ciphertext has fully left this stage.
func (f *Flow) Write(data []byte, handler flow.EventHandler) cancelable.Token {
	f.writeToken = cancelable.New()
	if f.closed || f.errReported {
		f.reject(f.writeToken, func(err error) { handler(err) })
		return f.writeToken
	}

	if f.sm.HasError() {
		f.writeHandler = handler
		f.process()
		return f.writeToken
	}
	f.sm.WriteBegin()
	f.writeHandler = handler
	if err := f.eng.WritePlaintext(data); err != nil {
		f.fail(err, false)
		return f.writeToken
	}
	f.process()
	return f.writeToken
}

// CloseWrite returns the current write token without shutting anything
// down: the engine has no way to signal end-of-stream short of tearing
// the whole session down, so the request is ignored and the handler never
// runs. Callers that need half-close must arrange it at the transport
// stage.
func (f *Flow) CloseWrite(handler flow.EventHandler) cancelable.Token {
	_ = handler
	return f.writeToken
}

// Close cancels everything in flight, closes the engine and the next hop.
// Suppressed completions never reach the caller's handlers.
func (f *Flow) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.connectToken.Cancel()
	f.readToken.Cancel()
	f.writeToken.Cancel()
	f.pumpToken.Cancel()
	f.connectHandler = nil
	f.readHandler = nil
	f.writeHandler = nil

	err := f.eng.Close()
	if nerr := f.next.Close(); err == nil {
		err = nerr
	}
	return err
}

// reject delivers the flow's terminal error asynchronously to an
// operation started after the flow died.
func (f *Flow) reject(token cancelable.Token, deliver func(error)) {
	err := f.terminalErr
	if err == nil {
		err = flow.ErrClosed
	}
	f.Runloop().Post(func() {
		if token.Canceled() {
			return
		}
		deliver(err)
	})
}

// process is the dispatch pass: it delivers a stashed error if one is
// waiting, otherwise advances both pump directions.
func (f *Flow) process() {
	if f.errReported {
		return
	}
	if f.pendingErr != nil {
		// Plaintext that decoded alongside the error is still delivered;
		// the error surfaces once the engine is drained.
		if f.readHandler != nil && f.eng.HasPlaintextToRead() {
			f.tryRead()
			return
		}
		if f.reportError(f.pendingErr, true) {
			f.errReported = true
			f.pendingErr = nil
		}
		return
	}
	f.tryRead()
	f.tryWrite()
}

// tryRead moves decrypted data toward the caller and keeps the engine fed.
func (f *Flow) tryRead() {
	if f.readHandler != nil {
		if f.eng.HasPlaintextToRead() {
			data := f.eng.ReadPlaintext()
			token := f.readToken
			f.Runloop().Post(func() { f.deliverRead(token, data) })
			// The engine may already know it wants more wire bytes;
			// start that read now rather than after delivery.
			if f.eng.NeedsCiphertextInput() {
				f.tryReadNextHop()
			}
			return
		}
		f.tryReadNextHop()
		return
	}
	if f.eng.NeedsCiphertextInput() {
		f.tryReadNextHop()
	}
}

// deliverRead hands plaintext to the caller. It runs as its own task so
// the handler observes a settled flow, and on a canceled token it still
// releases the read axis, only the visible callback is suppressed.
func (f *Flow) deliverRead(token cancelable.Token, data []byte) {
	handler := f.readHandler
	if handler == nil {
		// A terminal error consumed the slot first.
		return
	}
	f.readHandler = nil
	if f.sm.IsReading() {
		// Reads issued after the flow errored skip ReadBegin.
		f.sm.ReadEnd()
	}
	if token.Canceled() {
		return
	}
	handler(data, nil)
}

// tryWrite completes the caller's write once nothing remains buffered
// here or in flight to the next hop.
func (f *Flow) tryWrite() {
	if f.eng.FinishedWritingCiphertext() {
		if f.writeHandler != nil && !f.next.StateMachine().IsWriting() {
			token := f.writeToken
			f.Runloop().Post(func() { f.deliverWrite(token) })
		}
		return
	}
	f.tryWriteNextHop()
}

func (f *Flow) deliverWrite(token cancelable.Token) {
	handler := f.writeHandler
	if handler == nil {
		return
	}
	f.writeHandler = nil
	f.sm.WriteEnd()
	if token.Canceled() {
		return
	}
	handler(nil)
}

// tryReadNextHop issues a next-hop read unless one is already in flight,
// and feeds whatever arrives into the engine.
func (f *Flow) tryReadNextHop() {
	if f.next.StateMachine().IsReading() {
		return
	}
	token := f.pumpToken
	f.next.Read(func(data []byte, err error) {
		if token.Canceled() {
			return
		}
		if err != nil {
			f.fail(fmt.Errorf("next hop read: %w", err), true)
			return
		}
		f.logIO(log.DirectionIn, len(data))
		if ferr := f.eng.WriteCiphertext(data); ferr != nil {
			f.failKeepingPlaintext(ferr)
			return
		}
		f.process()
	})
}

// tryWriteNextHop drains queued ciphertext into a next-hop write unless
// one is already in flight.
func (f *Flow) tryWriteNextHop() {
	if f.next.StateMachine().IsWriting() {
		return
	}
	data := f.eng.ReadCiphertext()
	if len(data) == 0 {
		return
	}
	token := f.pumpToken
	f.logIO(log.DirectionOut, len(data))
	f.next.Write(data, func(err error) {
		if token.Canceled() {
			return
		}
		if err != nil {
			f.fail(fmt.Errorf("next hop write: %w", err), false)
			return
		}
		f.process()
	})
}

// fail records a terminal error and delivers it to every pending handler,
// the axis that caused it first: one next-hop failure invalidates a
// pending read and a pending write alike. With nobody listening the error
// is stashed for the next operation.
func (f *Flow) fail(err error, preferRead bool) {
	f.sm.Errored()
	if f.terminalErr == nil {
		f.terminalErr = err
	}
	f.logError(err, "pump")
	// Stash before delivering: a handler may issue the next operation
	// from inside its callback, and that operation must find the
	// terminal error rather than an idle pump.
	if f.pendingErr == nil && !f.errReported {
		f.pendingErr = err
	}
	if f.reportError(err, preferRead) {
		f.errReported = true
		f.pendingErr = nil
	}
}

// failKeepingPlaintext handles an engine error whose feed may also have
// decoded plaintext, a close alert glued to the last records being the
// common case. The data is delivered first; the error surfaces once the
// engine is drained.
func (f *Flow) failKeepingPlaintext(err error) {
	if !f.eng.HasPlaintextToRead() {
		f.fail(err, true)
		return
	}
	f.sm.Errored()
	if f.terminalErr == nil {
		f.terminalErr = err
	}
	f.logError(err, "pump")
	if f.pendingErr == nil {
		f.pendingErr = err
	}
	// A pending write cannot be satisfied by leftover plaintext; it gets
	// the error now. The read side drains first.
	f.reportWriteError(err)
	f.process()
}

// reportError hands err to both pending handlers, preferred axis first.
// Each handler fires at most once; slots are cleared before invocation.
// It reports whether anyone was listening.
func (f *Flow) reportError(err error, preferRead bool) bool {
	if preferRead {
		read := f.reportReadError(err)
		write := f.reportWriteError(err)
		return read || write
	}
	write := f.reportWriteError(err)
	read := f.reportReadError(err)
	return write || read
}

func (f *Flow) reportReadError(err error) bool {
	if f.readHandler == nil {
		return false
	}
	handler := f.readHandler
	f.readHandler = nil
	if f.readToken.Canceled() {
		return false
	}
	handler(nil, err)
	return true
}

func (f *Flow) reportWriteError(err error) bool {
	if f.writeHandler == nil {
		return false
	}
	handler := f.writeHandler
	f.writeHandler = nil
	if f.writeToken.Canceled() {
		return false
	}
	handler(err)
	return true
}

// DataType reports stream semantics; records never surface to the caller.
func (f *Flow) DataType() flow.DataType { return flow.Stream }

// StateMachine exposes the stage's dispatch state. Read-only for callers.
func (f *Flow) StateMachine() *flow.StateMachine { return &f.sm }

// NextHop returns the transport stage below.
func (f *Flow) NextHop() flow.Flow { return f.next }

// Session returns the chain's shared session.
func (f *Flow) Session() *session.Session { return f.sess }

// Runloop returns the chain's loop.
func (f *Flow) Runloop() *runloop.Runloop { return f.next.Runloop() }

// ConnectingTo returns the endpoint passed to Connect.
func (f *Flow) ConnectingTo() *session.Endpoint { return f.connectTo }

// Engine exposes the underlying engine, mainly so callers can reach
// engine-specific state such as tls.ConnectionState.
func (f *Flow) Engine() tunnel.Engine { return f.eng }

func (f *Flow) remote() string {
	if f.connectTo != nil {
		return f.connectTo.Address()
	}
	return ""
}

func (f *Flow) event(layer log.Layer, cat log.Category) log.Event {
	return log.Event{
		Timestamp: time.Now(),
		SessionID: f.sess.ID.String(),
		Layer:     layer,
		Category:  cat,
		Stage:     stageName,
		Remote:    f.remote(),
	}
}

func (f *Flow) logState(oldState, newState, reason string) {
	e := f.event(log.LayerStage, log.CategoryState)
	e.StateChange = &log.StateChangeEvent{
		Axis:     log.AxisConnect,
		OldState: oldState,
		NewState: newState,
		Reason:   reason,
	}
	f.logger.Log(e)
}

func (f *Flow) logHandshake(round int, status tunnel.HandshakeStatus, bytesOut int) {
	e := f.event(log.LayerEngine, log.CategoryHandshake)
	e.Handshake = &log.HandshakeEvent{Round: round, Status: status.String(), BytesOut: bytesOut}
	f.logger.Log(e)
}

func (f *Flow) logIO(dir log.Direction, n int) {
	e := f.event(log.LayerTransport, log.CategoryIO)
	e.IO = &log.IOEvent{Direction: dir, Bytes: n}
	f.logger.Log(e)
}

func (f *Flow) logError(err error, context string) {
	e := f.event(log.LayerStage, log.CategoryError)
	e.Error = &log.ErrorEventData{Message: err.Error(), Context: context}
	f.logger.Log(e)
}

// Compile-time interface satisfaction check.
var _ flow.RemoteFlow = (*Flow)(nil)
