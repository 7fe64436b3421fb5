package protocol

import "errors"

var (
	ErrInvalidConfig      = errors.New("protocol: invalid stage config")
	ErrUnknownStage       = errors.New("protocol: unknown stage type")
	ErrStageExists        = errors.New("protocol: stage type already registered")
	ErrCatalogRequired    = errors.New("protocol: stage requires a packet catalog")
	ErrLengthExceeded     = errors.New("protocol: length larger than max_length")
	ErrLengthOverlap      = errors.New("protocol: packet length does not cover length field")
	ErrTerminationInData  = errors.New("protocol: packet contains termination characters")
	ErrUnknownPacket      = errors.New("protocol: unknown data received")
	ErrResponseTimeout    = errors.New("protocol: timeout waiting for response")
	ErrUnexpectedResponse = errors.New("protocol: unexpected response")
	ErrDisconnected       = errors.New("protocol: interface disconnected")
	ErrMalformedEntry     = errors.New("protocol: malformed log entry")
	ErrPacketTooLarge     = errors.New("protocol: packet larger than max_length")
	ErrDecode             = errors.New("protocol: decode failed")
)
