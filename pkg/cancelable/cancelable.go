// Package cancelable provides lightweight cancellation tokens for
// asynchronous data-flow operations.
//
// Every logical operation on a flow (connect, read, write) issues a fresh
// Token. Copies of a Token share one underlying flag, so the issuer and
// every completion callback that captured the token observe cancellation
// together. Completion callbacks check their captured copy first and become
// no-ops once it is canceled, which is what lets a flow be torn down while
// lower-layer I/O is still in flight.
//
// Tokens are confined to a single runloop and need no synchronization.
package cancelable

// Token shares a cancellation flag between the issuer of an operation and
// the callbacks the operation captured. Copying a Token copies the shared
// flag, not its value.
//
// The zero value is a valid token that can never be canceled; use New for
// a cancelable one.
type Token struct {
	canceled *bool
}

// New returns a fresh, non-canceled token.
func New() Token {
	return Token{canceled: new(bool)}
}

// Cancel marks the token canceled. Canceling twice, or canceling after the
// operation already completed, is a harmless no-op. Canceling the zero
// value does nothing.
func (t Token) Cancel() {
	if t.canceled != nil {
		*t.canceled = true
	}
}

// Canceled reports whether Cancel was called on this token or on any copy
// of it.
func (t Token) Canceled() bool {
	return t.canceled != nil && *t.canceled
}
