package flowtest

import (
	"github.com/flowkit-net/flowkit-go/pkg/cancelable"
	"github.com/flowkit-net/flowkit-go/pkg/flow"
	"github.com/flowkit-net/flowkit-go/pkg/runloop"
	"github.com/flowkit-net/flowkit-go/pkg/session"
)

// ReadResult is one scripted outcome for ScriptFlow.Read.
type ReadResult struct {
	// Data delivered to the read handler.
	Data []byte

	// Err delivered instead of data.
	Err error
}

type pendingRead struct {
	handler flow.ReadHandler
	token   cancelable.Token
}

type pendingWrite struct {
	handler flow.EventHandler
	token   cancelable.Token
}

// ScriptFlow is a flow.RemoteFlow fake. Connects succeed (or fail with
// ConnectErr) on the next loop turn, reads pop scripted results or park
// until the test completes them, and writes are recorded.
//
// Configure the exported fields before the flow is first used. Everything
// else must happen on the runloop; tests reach it through loop.Do or the
// posting helpers (DeliverRead, FailRead, ReleaseWrite).
type ScriptFlow struct {
	// ConnectErr, when set, fails Connect.
	ConnectErr error

	// Reads is consumed one entry per Read call. When empty, reads park
	// until DeliverRead or FailRead.
	Reads []ReadResult

	// HoldWrites parks writes until ReleaseWrite instead of completing
	// them on the next loop turn.
	HoldWrites bool

	// Writes records every payload passed to Write, in order.
	Writes [][]byte

	// CloseWriteCount counts CloseWrite calls.
	CloseWriteCount int

	// Closed reports whether Close was called.
	Closed bool

	loop *runloop.Runloop
	sess *session.Session
	sm   flow.StateMachine

	connectTo *session.Endpoint
	read      *pendingRead
	write     *pendingWrite
}

// NewScriptFlow returns a fake flow bound to loop with a fresh session.
func NewScriptFlow(loop *runloop.Runloop) *ScriptFlow {
	return &ScriptFlow{
		loop: loop,
		sess: session.New(),
	}
}

// Connect records the endpoint and completes on the next loop turn.
func (f *ScriptFlow) Connect(ep *session.Endpoint, handler flow.EventHandler) cancelable.Token {
	token := cancelable.New()
	f.connectTo = ep
	f.sess.Endpoint = ep
	f.sm.ConnectBegin()
	f.loop.Post(func() {
		if token.Canceled() {
			return
		}
		if f.ConnectErr != nil {
			f.sm.Errored()
			handler(f.ConnectErr)
			return
		}
		f.sm.Connected()
		handler(nil)
	})
	return token
}

// Read pops the next scripted result, or parks until the test completes it.
func (f *ScriptFlow) Read(handler flow.ReadHandler) cancelable.Token {
	token := cancelable.New()
	f.sm.ReadBegin()
	f.read = &pendingRead{handler: handler, token: token}
	if len(f.Reads) > 0 {
		r := f.Reads[0]
		f.Reads = f.Reads[1:]
		f.loop.Post(func() { f.completeRead(r.Data, r.Err) })
	}
	return token
}

// Write records data and completes on the next loop turn unless HoldWrites
// is set.
func (f *ScriptFlow) Write(data []byte, handler flow.EventHandler) cancelable.Token {
	token := cancelable.New()
	f.sm.WriteBegin()
	f.Writes = append(f.Writes, append([]byte(nil), data...))
	f.write = &pendingWrite{handler: handler, token: token}
	if !f.HoldWrites {
		f.loop.Post(func() { f.completeWrite(nil) })
	}
	return token
}

// CloseWrite completes on the next loop turn.
func (f *ScriptFlow) CloseWrite(handler flow.EventHandler) cancelable.Token {
	token := cancelable.New()
	f.CloseWriteCount++
	f.loop.Post(func() {
		if token.Canceled() {
			return
		}
		handler(nil)
	})
	return token
}

// Close marks the flow closed. Parked operations are dropped.
func (f *ScriptFlow) Close() error {
	f.Closed = true
	return nil
}

// DeliverRead completes the parked read with data. Safe from any goroutine.
func (f *ScriptFlow) DeliverRead(data []byte) {
	f.loop.Post(func() { f.completeRead(data, nil) })
}

// FailRead completes the parked read with err. Safe from any goroutine.
func (f *ScriptFlow) FailRead(err error) {
	f.loop.Post(func() { f.completeRead(nil, err) })
}

// ReleaseWrite completes the parked write with err. Safe from any
// goroutine.
func (f *ScriptFlow) ReleaseWrite(err error) {
	f.loop.Post(func() { f.completeWrite(err) })
}

func (f *ScriptFlow) completeRead(data []byte, err error) {
	p := f.read
	if p == nil {
		return
	}
	f.read = nil
	f.sm.ReadEnd()
	if err != nil {
		f.sm.Errored()
	}
	if p.token.Canceled() {
		return
	}
	p.handler(data, err)
}

func (f *ScriptFlow) completeWrite(err error) {
	p := f.write
	if p == nil {
		return
	}
	f.write = nil
	f.sm.WriteEnd()
	if err != nil {
		f.sm.Errored()
	}
	if p.token.Canceled() {
		return
	}
	p.handler(err)
}

// DataType reports stream semantics.
func (f *ScriptFlow) DataType() flow.DataType { return flow.Stream }

// StateMachine exposes the fake's dispatch state.
func (f *ScriptFlow) StateMachine() *flow.StateMachine { return &f.sm }

// NextHop returns nil; the fake is always the bottom of the chain.
func (f *ScriptFlow) NextHop() flow.Flow { return nil }

// Session returns the fake's session.
func (f *ScriptFlow) Session() *session.Session { return f.sess }

// Runloop returns the loop the fake is bound to.
func (f *ScriptFlow) Runloop() *runloop.Runloop { return f.loop }

// ConnectingTo returns the endpoint passed to Connect.
func (f *ScriptFlow) ConnectingTo() *session.Endpoint { return f.connectTo }

var _ flow.RemoteFlow = (*ScriptFlow)(nil)
