package link

import "errors"

var (
	ErrInvalidConfig      = errors.New("link: invalid config")
	ErrNotConnected       = errors.New("link: not connected")
	ErrReadNotAllowed     = errors.New("link: read not allowed")
	ErrWriteNotAllowed    = errors.New("link: write not allowed")
	ErrWriteRawNotAllowed = errors.New("link: write raw not allowed")
	ErrChainLocked        = errors.New("link: stages cannot change while connected")
	// ErrDisconnected is returned by Write when a stage abandoned the
	// connection before the bytes were sent.
	ErrDisconnected = errors.New("link: disconnected by protocol stage")
)
