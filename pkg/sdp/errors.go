package sdp

import "errors"

var (
	// ErrContext is returned when the trusted service can't be reached.
	ErrContext = errors.New("sdp: context initialization failed")
	// ErrSession is returned when the applet session can't be opened. The
	// context stays initialized and Finalize is still required.
	ErrSession        = errors.New("sdp: session open failed")
	ErrRegistration   = errors.New("sdp: buffer registration refused")
	ErrDeregistration = errors.New("sdp: buffer deregistration refused")
	ErrOperation      = errors.New("sdp: operation failed")
	// ErrBounds is returned when a window exceeds the registered buffer.
	ErrBounds    = errors.New("sdp: window out of bounds")
	ErrFinalized = errors.New("sdp: session finalized")
	ErrNotActive = errors.New("sdp: session not active")

	ErrInvalidConfig = errors.New("sdp: invalid config")
)
