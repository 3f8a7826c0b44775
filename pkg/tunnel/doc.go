// Package tunnel provides byte-transform engines for data-flow stages.
//
// An engine converts between application bytes (plaintext) and wire bytes
// (ciphertext). It never touches a socket: a data-flow stage pumps buffered
// bytes between the engine and the stage's next hop, so the same engine
// works over TCP, WebSocket, in-memory pipes or anything else that moves
// chunks.
//
// # Engines
//
// Two engines are provided:
//   - TLSEngine drives crypto/tls over in-memory buffers.
//   - AEADEngine implements a small ChaCha20-Poly1305 record protocol with
//     HKDF-derived keys from a pre-shared key.
//
// # Driving an engine
//
// The handshake loop alternates engine steps with next-hop I/O:
//
//	for {
//	    status, err := eng.Handshake()
//	    // HandshakeDone:    flush ReadCiphertext, then the tunnel is up
//	    // HandshakeNeedsIO: flush ReadCiphertext if any, otherwise read
//	    //                   from the next hop and WriteCiphertext it in
//	    // HandshakeFailed:  give up
//	}
//
// After the handshake, WritePlaintext produces ciphertext to drain with
// ReadCiphertext, and WriteCiphertext produces plaintext to collect with
// ReadPlaintext. All methods must be called from one goroutine.
package tunnel
