package tunnel

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// aeadSaltSize is the length of the random salt each side sends as
	// its entire handshake flight.
	aeadSaltSize = 32

	// aeadMaxChunk is the largest plaintext sealed into one record.
	aeadMaxChunk = 16384

	// aeadHeaderSize is the record header: a big-endian ciphertext length.
	aeadHeaderSize = 2
)

// aeadKeyInfo is the HKDF info string; it pins the key schedule to this
// protocol version.
var aeadKeyInfo = []byte("flowkit aead tunnel v1")

var (
	// ErrAEADKeyRequired is returned by NewAEAD for an empty pre-shared key.
	ErrAEADKeyRequired = errors.New("aead tunnel: pre-shared key required")

	// errAEADRecordTooShort signals a framing violation on the wire.
	errAEADRecordTooShort = errors.New("aead tunnel: record shorter than tag")
)

// AEADConfig configures an AEADEngine.
type AEADConfig struct {
	// PSK is the pre-shared key both sides derive record keys from. Any
	// non-empty length is accepted; it is stretched through HKDF.
	PSK []byte
}

// AEADEngine implements a minimal encrypted record protocol:
//
//   - Handshake: each side sends a 32-byte random salt and waits for the
//     peer's. Send and receive keys are derived per direction with
//     HKDF-SHA256(psk, salt).
//   - Records: 2-byte big-endian ciphertext length, then a
//     ChaCha20-Poly1305 sealed chunk. Nonces count records per direction.
//
// It exists so pipelines can run over an engine with deterministic
// handshake rounds, and as the PSK alternative to certificate TLS.
type AEADEngine struct {
	mode Mode
	psk  []byte

	localSalt []byte
	saltSent  bool
	hsDone    bool

	send      cipher.AEAD
	recv      cipher.AEAD
	sendSeq   uint64
	recvSeq   uint64
	sendNonce [chacha20poly1305.NonceSize]byte
	recvNonce [chacha20poly1305.NonceSize]byte

	in           bytes.Buffer // wire bytes not yet decoded
	out          bytes.Buffer // wire bytes not yet drained
	plain        bytes.Buffer // decrypted, ready for ReadPlaintext
	pendingPlain bytes.Buffer // queued before handshake completion

	err error // sticky
}

// NewAEAD returns an engine for the given pre-shared key. Mode only labels
// the engine; the salt exchange is symmetric.
func NewAEAD(cfg AEADConfig, mode Mode) (*AEADEngine, error) {
	if len(cfg.PSK) == 0 {
		return nil, ErrAEADKeyRequired
	}
	salt := make([]byte, aeadSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("aead tunnel: salt: %w", err)
	}
	return &AEADEngine{
		mode:      mode,
		psk:       append([]byte(nil), cfg.PSK...),
		localSalt: salt,
	}, nil
}

// Handshake sends the local salt on the first call and completes as soon
// as the peer's salt has been fed in. Exactly one NeedsIO round trip is
// required per side.
func (e *AEADEngine) Handshake() (HandshakeStatus, error) {
	if e.err != nil {
		return HandshakeFailed, e.err
	}
	if e.hsDone {
		return HandshakeDone, nil
	}

	if !e.saltSent {
		e.out.Write(e.localSalt)
		e.saltSent = true
	}
	if e.in.Len() < aeadSaltSize {
		return HandshakeNeedsIO, nil
	}

	peerSalt := make([]byte, aeadSaltSize)
	e.in.Read(peerSalt)

	var err error
	if e.send, err = e.deriveKey(e.localSalt); err != nil {
		e.err = err
		return HandshakeFailed, err
	}
	if e.recv, err = e.deriveKey(peerSalt); err != nil {
		e.err = err
		return HandshakeFailed, err
	}
	e.hsDone = true

	if e.pendingPlain.Len() > 0 {
		data := e.pendingPlain.Bytes()
		e.pendingPlain.Reset()
		e.seal(data)
	}
	// Wire bytes that arrived glued to the salt are already records.
	if err := e.decodeRecords(); err != nil {
		return HandshakeFailed, err
	}
	return HandshakeDone, nil
}

// deriveKey stretches the PSK with the given salt into a per-direction
// ChaCha20-Poly1305 key. The sender uses its own salt, the receiver the
// peer's, so the two directions never share a key or nonce space.
func (e *AEADEngine) deriveKey(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, e.psk, salt, aeadKeyInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("aead tunnel: derive key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// WritePlaintext seals application data into records, or queues it if the
// handshake has not finished.
func (e *AEADEngine) WritePlaintext(p []byte) error {
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
	e.seal(p)
	return nil
}

func (e *AEADEngine) seal(p []byte) {
	for len(p) > 0 {
		chunk := p
		if len(chunk) > aeadMaxChunk {
			chunk = chunk[:aeadMaxChunk]
		}
		p = p[len(chunk):]

		ct := e.send.Seal(nil, e.nextNonce(&e.sendNonce, &e.sendSeq), chunk, nil)
		var hdr [aeadHeaderSize]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(len(ct)))
		e.out.Write(hdr[:])
		e.out.Write(ct)
	}
}

// nextNonce encodes the per-direction record counter into the low eight
// nonce bytes and advances it.
func (e *AEADEngine) nextNonce(nonce *[chacha20poly1305.NonceSize]byte, seq *uint64) []byte {
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], *seq)
	*seq++
	return nonce[:]
}

// WriteCiphertext feeds wire bytes and decodes every complete record.
func (e *AEADEngine) WriteCiphertext(p []byte) error {
	if e.err != nil {
		return e.err
	}
	if len(p) == 0 {
		return nil
	}
	e.in.Write(p)
	if !e.hsDone {
		// Salt bytes are consumed by the next Handshake call.
		return nil
	}
	return e.decodeRecords()
}

func (e *AEADEngine) decodeRecords() error {
	for {
		if e.in.Len() < aeadHeaderSize {
			return nil
		}
		n := int(binary.BigEndian.Uint16(e.in.Bytes()[:aeadHeaderSize]))
		if n < e.recv.Overhead() {
			e.err = errAEADRecordTooShort
			return e.err
		}
		if e.in.Len() < aeadHeaderSize+n {
			return nil
		}
		e.in.Next(aeadHeaderSize)
		ct := make([]byte, n)
		e.in.Read(ct)

		pt, err := e.recv.Open(nil, e.nextNonce(&e.recvNonce, &e.recvSeq), ct, nil)
		if err != nil {
			e.err = fmt.Errorf("aead tunnel: open record %d: %w", e.recvSeq-1, err)
			return e.err
		}
		e.plain.Write(pt)
	}
}

// ReadPlaintext drains all decrypted data, or returns nil if none is ready.
func (e *AEADEngine) ReadPlaintext() []byte {
	if e.plain.Len() == 0 {
		return nil
	}
	out := make([]byte, e.plain.Len())
	e.plain.Read(out)
	return out
}

// HasPlaintextToRead reports whether decrypted data is ready.
func (e *AEADEngine) HasPlaintextToRead() bool {
	return e.plain.Len() > 0
}

// NeedsCiphertextInput reports whether the engine wants more wire bytes.
// Complete records decode eagerly, so after the handshake this is always
// true until an error: whatever is buffered is a partial record at most.
func (e *AEADEngine) NeedsCiphertextInput() bool {
	if e.err != nil {
		return false
	}
	if !e.hsDone {
		return e.saltSent && e.in.Len() < aeadSaltSize
	}
	return true
}

// ReadCiphertext drains bytes destined for the wire, or returns nil.
func (e *AEADEngine) ReadCiphertext() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	data := make([]byte, e.out.Len())
	e.out.Read(data)
	return data
}

// FinishedWritingCiphertext reports whether all produced ciphertext has
// been drained.
func (e *AEADEngine) FinishedWritingCiphertext() bool {
	return e.out.Len() == 0
}

// Close marks the engine dead. It holds no OS resources.
func (e *AEADEngine) Close() error {
	if e.err == nil {
		e.err = ErrEngineClosed
	}
	return nil
}

var _ Engine = (*AEADEngine)(nil)
