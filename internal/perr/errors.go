// Package perr declares the sentinel errors shared across the proxy's
// internal packages. They are the Go equivalent of the PROXY_WOULD_BLOCK /
// PROXY_DISCONNECT / PROXY_ERR return-code taxonomy in the original C
// implementation: control-flow signals that calling code is expected to
// check with errors.Is, not incidental failures.
package perr

import "errors"

var (
	// ErrWouldBlock means the operation made no (or incomplete) progress
	// because the underlying descriptor is not currently ready. Callers
	// retry once the event loop reports readiness again.
	ErrWouldBlock = errors.New("naclproxy: operation would block")

	// ErrDisconnect means the peer closed its end of the connection
	// cleanly (a zero-byte read, or a write hitting EPIPE/ECONNRESET).
	ErrDisconnect = errors.New("naclproxy: peer disconnected")

	// ErrCryptoFailure means a frame failed authentication, or declared
	// a length too short to hold the authentication tag. It is always
	// fatal to the stream.
	ErrCryptoFailure = errors.New("naclproxy: crypto authentication failed")

	// ErrTooLong means a frame's declared ciphertext length exceeds the
	// maximum this protocol allows.
	ErrTooLong = errors.New("naclproxy: frame length exceeds maximum")

	// ErrEventAtCapacity means the readiness registry has no free slot.
	ErrEventAtCapacity = errors.New("naclproxy: event registry at capacity")

	// ErrDuplicateDescriptor means Add was called with an fd that is
	// already registered.
	ErrDuplicateDescriptor = errors.New("naclproxy: descriptor already registered")

	// ErrNotRegistered means Modify or Remove was called with an fd that
	// has no registry entry.
	ErrNotRegistered = errors.New("naclproxy: descriptor not registered")
)
