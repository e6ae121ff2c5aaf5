package furidev

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrNotConnected         = errors.New("device not connected")
	ErrUnknownSensor        = errors.New("unknown sensor")
	ErrUnknownControl       = errors.New("unknown control")
	ErrInvalidControlName   = errors.New("listener registered for a control the device does not have")
	ErrConsistencyMismatch  = errors.New("descriptor mismatch")
	ErrTransportFailure     = errors.New("transport failure")
	ErrDisposed             = errors.New("device disposed")
)
