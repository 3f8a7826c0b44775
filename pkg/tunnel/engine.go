package tunnel

import "errors"

// ErrEngineClosed is returned for operations on a closed engine.
var ErrEngineClosed = errors.New("tunnel engine closed")

// HandshakeStatus is the outcome of one handshake step.
type HandshakeStatus uint8

const (
	// HandshakeDone means the handshake completed. Ciphertext for the
	// final flight may still be queued; the driver must flush it.
	HandshakeDone HandshakeStatus = iota
	// HandshakeNeedsIO means the engine cannot progress until queued
	// ciphertext is sent or more wire bytes arrive.
	HandshakeNeedsIO
	// HandshakeFailed means a fatal protocol error. The engine is dead.
	HandshakeFailed
)

func (s HandshakeStatus) String() string {
	switch s {
	case HandshakeDone:
		return "DONE"
	case HandshakeNeedsIO:
		return "NEEDS_IO"
	case HandshakeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Mode selects which side of the tunnel protocol an engine speaks.
type Mode uint8

const (
	// ModeClient initiates the handshake.
	ModeClient Mode = iota
	// ModeServer answers it.
	ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "CLIENT"
	case ModeServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// Engine transforms bytes between application framing (plaintext) and wire
// framing (ciphertext). Engines perform no I/O; a data-flow stage moves the
// buffered bytes to and from its next hop.
//
// Engines are not goroutine-safe: all calls must come from the stage's
// runloop.
type Engine interface {
	// Handshake advances the handshake by one step. Call it again after
	// each I/O round until it reports HandshakeDone or HandshakeFailed.
	// Once done it keeps reporting HandshakeDone.
	Handshake() (HandshakeStatus, error)

	// WritePlaintext queues application data for encryption. Data queued
	// before the handshake completes is held back and encrypted once it
	// does.
	WritePlaintext(p []byte) error

	// ReadPlaintext drains decrypted application data, or returns nil if
	// none is ready.
	ReadPlaintext() []byte

	// HasPlaintextToRead reports whether decrypted data is ready.
	HasPlaintextToRead() bool

	// NeedsCiphertextInput reports whether the engine is stalled until
	// more wire bytes are fed in with WriteCiphertext.
	NeedsCiphertextInput() bool

	// WriteCiphertext feeds bytes received from the wire. Decrypted data
	// becomes observable through HasPlaintextToRead/ReadPlaintext. An
	// error means the stream is corrupt and the engine is dead; data that
	// decrypted before the failure stays readable.
	WriteCiphertext(p []byte) error

	// ReadCiphertext drains bytes that must be sent to the wire, or
	// returns nil if none are pending.
	ReadCiphertext() []byte

	// FinishedWritingCiphertext reports whether all ciphertext produced
	// so far has been drained with ReadCiphertext.
	FinishedWritingCiphertext() bool

	// Close releases engine resources. The engine is unusable afterwards.
	Close() error
}

// ServerNameSetter is implemented by engines that authenticate the peer by
// name. A connecting stage applies the endpoint host before the first
// Handshake call; engines ignore the call once the handshake has started.
type ServerNameSetter interface {
	SetServerName(name string)
}
