// Package flow defines the data-flow contract that every pipeline stage
// implements.
//
// A data flow is one stage in a chain that moves bytes between an
// application and a remote peer. Each stage treats the stage below it as
// its next hop and exposes the same small surface upward:
//
//	┌────────────────────────────┐
//	│       application          │
//	├────────────────────────────┤
//	│   tunnel stage (TLS/AEAD)  │  pkg/tunnelflow
//	├────────────────────────────┤
//	│   transport stage          │  pkg/tcpflow, pkg/wsflow
//	└────────────────────────────┘
//
// # Operations
//
// Read, Write, CloseWrite and Connect are asynchronous: they return a
// cancellation token immediately and deliver their outcome through a
// handler exactly once. Canceling the token suppresses the delivery; it
// does not retract I/O already issued to the operating system.
//
// # Concurrency
//
// At most one read and one write may be in flight per flow. All methods
// must be called on the flow's runloop, and all handlers are invoked
// there. Peers may consult each other's state machines between events; no
// locking is involved anywhere in a chain.
//
// # Errors
//
// A failed operation moves the flow to its terminal errored state. The
// first terminal error is delivered to a pending handler exactly once;
// operations started after that are rejected with the same error.
package flow
