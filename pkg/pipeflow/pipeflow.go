// Package pipeflow provides an in-memory transport stage.
//
// Pair returns two cross-connected flows: bytes written to one are
// delivered to reads on the other, with every completion posted to the
// shared runloop. No goroutines, no sockets, no timing dependence, which
// makes a pair the transport of choice for pipeline tests and loopback
// wiring of tunnel stages.
package pipeflow

import (
	"bytes"
	"io"

	"github.com/flowkit-net/flowkit-go/pkg/cancelable"
	"github.com/flowkit-net/flowkit-go/pkg/flow"
	"github.com/flowkit-net/flowkit-go/pkg/runloop"
	"github.com/flowkit-net/flowkit-go/pkg/session"
)

// ReadChunkSize caps how many buffered bytes one Read delivers, so larger
// transfers exercise the same multi-chunk paths a socket would.
const ReadChunkSize = 8192

// Flow is one half of an in-memory pipe. Use Pair; the zero value is not
// usable.
type Flow struct {
	loop *runloop.Runloop
	sess *session.Session
	sm   flow.StateMachine
	peer *Flow

	connectTo *session.Endpoint

	inbox      bytes.Buffer // written by the peer, not yet read
	peerDone   bool         // the peer can send nothing further
	sendClosed bool         // this half may not write anymore

	readHandler flow.ReadHandler // parked until data or EOF arrives

	connectToken cancelable.Token
	readToken    cancelable.Token
	writeToken   cancelable.Token

	terminalErr error
	closed      bool
}

// Pair returns two cross-connected halves bound to loop. Each half owns
// its own session, so a tunnel stage can sit on either side or both.
func Pair(loop *runloop.Runloop) (*Flow, *Flow) {
	a := &Flow{loop: loop, sess: session.New()}
	b := &Flow{loop: loop, sess: session.New()}
	a.peer = b
	b.peer = a
	return a, b
}

// Connect records the endpoint and reports success on the next loop turn.
// The pair is wired at construction, so no I/O happens; Connect exists so
// the half composes under stages that drive a connect phase.
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
	f.loop.Post(func() {
		if token.Canceled() || f.closed {
			return
		}
		f.sm.Connected()
		handler(nil)
	})
	return token
}

// Read delivers the next buffered chunk, or parks until the peer writes
// one. A read against a drained, closed peer reports io.EOF.
func (f *Flow) Read(handler flow.ReadHandler) cancelable.Token {
	f.readToken = cancelable.New()
	token := f.readToken
	if f.closed || f.sm.HasError() {
		f.rejectRead(token, handler)
		return token
	}

	f.sm.ReadBegin()
	f.readHandler = handler
	if f.inbox.Len() > 0 || f.peerDone {
		f.loop.Post(f.deliverParked)
	}
	return token
}

// deliverParked completes the parked read from the inbox, or with EOF once
// the peer is done. Runs on the loop.
func (f *Flow) deliverParked() {
	if f.closed || f.readHandler == nil {
		return
	}
	if f.inbox.Len() == 0 && !f.peerDone {
		return
	}
	handler := f.readHandler
	token := f.readToken
	f.readHandler = nil
	f.sm.ReadEnd()

	if f.inbox.Len() > 0 {
		n := f.inbox.Len()
		if n > ReadChunkSize {
			n = ReadChunkSize
		}
		data := make([]byte, n)
		f.inbox.Read(data)
		if token.Canceled() {
			return
		}
		handler(data, nil)
		return
	}

	// Drained and the peer is gone: end of stream, terminal like a socket.
	f.sm.Errored()
	if f.terminalErr == nil {
		f.terminalErr = io.EOF
	}
	if token.Canceled() {
		return
	}
	handler(nil, io.EOF)
}

// Write deposits data into the peer's inbox and completes on the next
// loop turn. Writing to a closed peer fails with io.ErrClosedPipe.
func (f *Flow) Write(data []byte, handler flow.EventHandler) cancelable.Token {
	f.writeToken = cancelable.New()
	token := f.writeToken
	if f.closed || f.sm.HasError() {
		f.rejectEvent(token, handler)
		return token
	}

	f.sm.WriteBegin()
	if f.sendClosed || f.peer.closed {
		f.loop.Post(func() {
			if f.closed {
				return
			}
			f.sm.WriteEnd()
			f.sm.Errored()
			if f.terminalErr == nil {
				f.terminalErr = io.ErrClosedPipe
			}
			if token.Canceled() {
				return
			}
			handler(io.ErrClosedPipe)
		})
		return token
	}

	if len(data) > 0 {
		f.peer.inbox.Write(data)
		f.loop.Post(f.peer.deliverParked)
	}
	f.loop.Post(func() {
		if f.closed {
			return
		}
		f.sm.WriteEnd()
		if token.Canceled() {
			return
		}
		handler(nil)
	})
	return token
}

// CloseWrite half-closes the pipe: this half may not write again, and the
// peer reads io.EOF once its inbox drains. Calling it twice is harmless.
func (f *Flow) CloseWrite(handler flow.EventHandler) cancelable.Token {
	token := cancelable.New()
	if f.closed || f.sm.HasError() {
		f.rejectEvent(token, handler)
		return token
	}

	f.sendClosed = true
	if !f.peer.closed {
		f.peer.peerDone = true
		f.loop.Post(f.peer.deliverParked)
	}
	f.loop.Post(func() {
		if token.Canceled() || f.closed {
			return
		}
		handler(nil)
	})
	return token
}

// Close tears this half down and lets the peer drain what was already
// written before it reads io.EOF. Parked operations are suppressed.
func (f *Flow) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.connectToken.Cancel()
	f.readToken.Cancel()
	f.writeToken.Cancel()
	f.readHandler = nil
	if !f.peer.closed {
		f.peer.peerDone = true
		f.loop.Post(f.peer.deliverParked)
	}
	return nil
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

// DataType reports stream semantics; chunk boundaries are not preserved.
func (f *Flow) DataType() flow.DataType { return flow.Stream }

// StateMachine exposes the half's dispatch state.
func (f *Flow) StateMachine() *flow.StateMachine { return &f.sm }

// NextHop returns nil; a pipe is the bottom of its chain.
func (f *Flow) NextHop() flow.Flow { return nil }

// Session returns the session this half owns.
func (f *Flow) Session() *session.Session { return f.sess }

// Runloop returns the loop both halves are bound to.
func (f *Flow) Runloop() *runloop.Runloop { return f.loop }

// ConnectingTo returns the endpoint passed to Connect.
func (f *Flow) ConnectingTo() *session.Endpoint { return f.connectTo }

var _ flow.RemoteFlow = (*Flow)(nil)
