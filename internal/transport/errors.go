package transport

import "github.com/pkg/errors"

// Failure classes shared by envelope calls and the streaming engine.
var (
	// ErrTransport means no response reached the client.
	ErrTransport = errors.New("transport failure")
	// ErrStatus means the backend answered outside 2xx.
	ErrStatus = errors.New("unexpected response status")
	// ErrAuthExpired means the backend rejected the credential with 401.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrDecode means a 2xx body could not be decoded into the expected shape.
	ErrDecode = errors.New("malformed response body")
	// ErrRejected means the backend's own envelope reported success=false.
	ErrRejected = errors.New("request rejected by backend")
)
