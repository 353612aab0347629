package probe

import "errors"

// Sentinel errors wrapped by Inspect.
var (
	// ErrConnection is a failure to establish the underlying connection.
	ErrConnection = errors.New("connection error")
	// ErrHandshake is a TLS handshake failure after the connection was open.
	ErrHandshake = errors.New("handshake error")
)
