package flow

import "errors"

var (
	// ErrHandshakeFailed is reported by a tunnel stage whose engine
	// rejected the handshake. The underlying engine error is wrapped so
	// callers can log it, but the classification is always this sentinel.
	ErrHandshakeFailed = errors.New("tunnel handshake failed")

	// ErrClosed is reported for operations issued after Close.
	ErrClosed = errors.New("flow closed")

	// ErrHalfCloseUnsupported is reported by CloseWrite on transports
	// that cannot express a half-close.
	ErrHalfCloseUnsupported = errors.New("half close not supported by transport")
)
