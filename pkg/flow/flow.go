package flow

import (
	"github.com/flowkit-net/flowkit-go/pkg/cancelable"
	"github.com/flowkit-net/flowkit-go/pkg/runloop"
	"github.com/flowkit-net/flowkit-go/pkg/session"
)

// DataType tells upper layers whether a flow preserves write boundaries.
type DataType uint8

const (
	// Stream flows deliver bytes with no boundary guarantees.
	Stream DataType = iota
	// Packet flows deliver each write as one unit.
	Packet
)

func (d DataType) String() string {
	switch d {
	case Stream:
		return "STREAM"
	case Packet:
		return "PACKET"
	default:
		return "UNKNOWN"
	}
}

// EventHandler receives the terminal outcome of a connect, write or
// close-write operation. A nil error means success.
type EventHandler func(err error)

// ReadHandler receives one read result: a freshly allocated buffer the
// receiver may keep, or a terminal error. Exactly one of data and err is
// set.
type ReadHandler func(data []byte, err error)

// Flow is one stage of a data pipeline. All methods must be called on the
// flow's runloop; handlers are invoked there too.
type Flow interface {
	// Read asks for the next chunk of data. The handler is invoked once
	// with a buffer owned by the caller, or with a terminal error. Only
	// one read may be pending at a time.
	Read(handler ReadHandler) cancelable.Token

	// Write sends data toward the remote peer. The handler is invoked
	// once after the flow has fully handed the data to its next hop, or
	// with a terminal error. Only one write may be pending at a time.
	Write(data []byte, handler EventHandler) cancelable.Token

	// CloseWrite shuts down the write direction once pending writes have
	// drained, where the transport supports half-close. Stages that
	// cannot express half-close return the current write token unchanged
	// and never invoke the handler.
	CloseWrite(handler EventHandler) cancelable.Token

	// Close tears the flow down: it cancels outstanding tokens, releases
	// transport resources, and closes the next hop. No handler fires
	// after Close returns.
	Close() error

	// DataType reports the flow's boundary semantics.
	DataType() DataType

	// StateMachine exposes the flow's dispatch state so that adjacent
	// stages can tell whether a read or write is already in flight.
	// Callers must treat the returned value as read-only.
	StateMachine() *StateMachine

	// NextHop returns the stage below, or nil for a terminal transport.
	NextHop() Flow

	// Session returns the session this flow belongs to. All stages of one
	// chain share the same session.
	Session() *session.Session

	// Runloop returns the loop the flow is bound to.
	Runloop() *runloop.Runloop
}

// RemoteFlow is a Flow that can establish its own transport toward a
// remote endpoint.
type RemoteFlow interface {
	Flow

	// Connect establishes the flow toward ep, including any tunnel
	// handshake the stage performs. The handler is invoked once. Reads
	// and writes are valid only after it reports success.
	Connect(ep *session.Endpoint, handler EventHandler) cancelable.Token

	// ConnectingTo returns the endpoint passed to Connect, or nil before
	// Connect was called.
	ConnectingTo() *session.Endpoint
}
