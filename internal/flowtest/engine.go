package flowtest

import (
	"bytes"
	"errors"

	"github.com/flowkit-net/flowkit-go/pkg/tunnel"
)

// HandshakeStep is one scripted verdict for ScriptEngine.Handshake.
type HandshakeStep struct {
	// Status is the verdict to report.
	Status tunnel.HandshakeStatus

	// Flight is queued as outbound ciphertext before the verdict is
	// returned.
	Flight []byte

	// Err accompanies a HandshakeFailed status.
	Err error
}

// ScriptEngine is a tunnel.Engine whose handshake follows a fixed script
// and whose transform is the identity, so tests can assert on exact bytes.
// An engine with no steps reports HandshakeDone on the first call.
//
// Like every engine it must only be used from the runloop.
type ScriptEngine struct {
	// Steps is consumed one entry per Handshake call. Once the script
	// reports Done the engine stays done.
	Steps []HandshakeStep

	// NeedsInput is what NeedsCiphertextInput reports after the handshake.
	NeedsInput bool

	// OpenErr, when set, fails the next post-handshake WriteCiphertext,
	// the way a corrupt record would.
	OpenErr error

	// OpenErrAfterData, set alongside OpenErr, still opens the fed bytes
	// before failing, the way records glued to a close alert decode
	// before the failure surfaces.
	OpenErrAfterData bool

	// HandshakeCalls counts Handshake invocations.
	HandshakeCalls int

	// HandshakeIn records ciphertext fed in before the handshake finished.
	HandshakeIn [][]byte

	// Closed reports whether Close was called.
	Closed bool

	stepIdx int
	done    bool
	out     bytes.Buffer // toward the wire
	plain   bytes.Buffer // toward the caller
	pending bytes.Buffer // plaintext queued before the handshake finished
	err     error
}

// Handshake consumes the next scripted step.
func (e *ScriptEngine) Handshake() (tunnel.HandshakeStatus, error) {
	e.HandshakeCalls++
	if e.err != nil {
		return tunnel.HandshakeFailed, e.err
	}
	if e.done || e.stepIdx >= len(e.Steps) {
		e.finish()
		return tunnel.HandshakeDone, nil
	}

	step := e.Steps[e.stepIdx]
	e.stepIdx++
	e.out.Write(step.Flight)

	switch step.Status {
	case tunnel.HandshakeDone:
		e.finish()
		return tunnel.HandshakeDone, nil
	case tunnel.HandshakeFailed:
		e.err = step.Err
		if e.err == nil {
			e.err = errors.New("scripted handshake failure")
		}
		return tunnel.HandshakeFailed, e.err
	default:
		return tunnel.HandshakeNeedsIO, nil
	}
}

func (e *ScriptEngine) finish() {
	if e.done {
		return
	}
	e.done = true
	if e.pending.Len() > 0 {
		e.out.Write(e.pending.Bytes())
		e.pending.Reset()
	}
}

// WritePlaintext queues data toward the wire, held back until the
// handshake finishes.
func (e *ScriptEngine) WritePlaintext(p []byte) error {
	if e.err != nil {
		return e.err
	}
	if !e.done {
		e.pending.Write(p)
		return nil
	}
	e.out.Write(p)
	return nil
}

// ReadPlaintext drains the opened data, or returns nil.
func (e *ScriptEngine) ReadPlaintext() []byte {
	if e.plain.Len() == 0 {
		return nil
	}
	out := make([]byte, e.plain.Len())
	e.plain.Read(out)
	return out
}

// HasPlaintextToRead reports whether opened data is buffered.
func (e *ScriptEngine) HasPlaintextToRead() bool {
	return e.plain.Len() > 0
}

// NeedsCiphertextInput reports the configured appetite for wire bytes.
func (e *ScriptEngine) NeedsCiphertextInput() bool {
	return e.err == nil && e.done && e.NeedsInput
}

// WriteCiphertext records handshake input, or opens data via the identity
// transform once the handshake is done.
func (e *ScriptEngine) WriteCiphertext(p []byte) error {
	if e.err != nil {
		return e.err
	}
	if !e.done {
		e.HandshakeIn = append(e.HandshakeIn, append([]byte(nil), p...))
		return nil
	}
	if e.OpenErr != nil {
		if e.OpenErrAfterData {
			e.plain.Write(p)
		}
		e.err = e.OpenErr
		return e.err
	}
	e.plain.Write(p)
	return nil
}

// ReadCiphertext drains the bytes destined for the wire, or returns nil.
func (e *ScriptEngine) ReadCiphertext() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	out := make([]byte, e.out.Len())
	e.out.Read(out)
	return out
}

// FinishedWritingCiphertext reports whether the wire buffer is drained.
func (e *ScriptEngine) FinishedWritingCiphertext() bool {
	return e.out.Len() == 0
}

// Close marks the engine dead.
func (e *ScriptEngine) Close() error {
	e.Closed = true
	if e.err == nil {
		e.err = tunnel.ErrEngineClosed
	}
	return nil
}

var _ tunnel.Engine = (*ScriptEngine)(nil)
