package tee

import (
	"errors"
	"fmt"
)

// Result is a GlobalPlatform return code.
type Result uint32

const (
	ResultSuccess        Result = 0x00000000
	ResultGeneric        Result = 0xFFFF0000
	ResultAccessDenied   Result = 0xFFFF0001
	ResultCancel         Result = 0xFFFF0002
	ResultAccessConflict Result = 0xFFFF0003
	ResultExcessData     Result = 0xFFFF0004
	ResultBadFormat      Result = 0xFFFF0005
	ResultBadParameters  Result = 0xFFFF0006
	ResultBadState       Result = 0xFFFF0007
	ResultItemNotFound   Result = 0xFFFF0008
	ResultNotImplemented Result = 0xFFFF0009
	ResultNotSupported   Result = 0xFFFF000A
	ResultNoData         Result = 0xFFFF000B
	ResultOutOfMemory    Result = 0xFFFF000C
	ResultBusy           Result = 0xFFFF000D
	ResultCommunication  Result = 0xFFFF000E
	ResultSecurity       Result = 0xFFFF000F
	ResultShortBuffer    Result = 0xFFFF0010
	ResultTargetDead     Result = 0xFFFF3024
)

var resultNames = map[Result]string{
	ResultSuccess:        "SUCCESS",
	ResultGeneric:        "ERROR_GENERIC",
	ResultAccessDenied:   "ERROR_ACCESS_DENIED",
	ResultCancel:         "ERROR_CANCEL",
	ResultAccessConflict: "ERROR_ACCESS_CONFLICT",
	ResultExcessData:     "ERROR_EXCESS_DATA",
	ResultBadFormat:      "ERROR_BAD_FORMAT",
	ResultBadParameters:  "ERROR_BAD_PARAMETERS",
	ResultBadState:       "ERROR_BAD_STATE",
	ResultItemNotFound:   "ERROR_ITEM_NOT_FOUND",
	ResultNotImplemented: "ERROR_NOT_IMPLEMENTED",
	ResultNotSupported:   "ERROR_NOT_SUPPORTED",
	ResultNoData:         "ERROR_NO_DATA",
	ResultOutOfMemory:    "ERROR_OUT_OF_MEMORY",
	ResultBusy:           "ERROR_BUSY",
	ResultCommunication:  "ERROR_COMMUNICATION",
	ResultSecurity:       "ERROR_SECURITY",
	ResultShortBuffer:    "ERROR_SHORT_BUFFER",
	ResultTargetDead:     "ERROR_TARGET_DEAD",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", uint32(r))
}

// Origin tells which layer produced a Result.
type Origin uint32

const (
	OriginAPI        Origin = 0x1
	OriginComms      Origin = 0x2
	OriginTEE        Origin = 0x3
	OriginTrustedApp Origin = 0x4
)

func (o Origin) String() string {
	switch o {
	case OriginAPI:
		return "api"
	case OriginComms:
		return "comms"
	case OriginTEE:
		return "tee"
	case OriginTrustedApp:
		return "trusted-app"
	}
	return fmt.Sprintf("origin(%d)", uint32(o))
}

// Error is a failed call. Err holds the local cause, if any.
type Error struct {
	Op     string
	Code   Result
	Origin Origin
	Err    error
}

// NewError returns an error for code produced at origin.
func NewError(code Result, origin Origin) *Error {
	return &Error{Code: code, Origin: origin}
}

func (e *Error) Error() string {
	msg := e.Code.String() + " from " + e.Origin.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "tee: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Code, so callers can test
// errors.Is(err, tee.NewError(tee.ResultBadParameters, 0)). A zero Origin
// in target matches any origin.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Origin == 0 || t.Origin == e.Origin)
}

// ResultOf returns the Result carried by err: ResultSuccess for nil and
// ResultGeneric for errors that are not an *Error.
func ResultOf(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ResultGeneric
}

// OriginOf returns the Origin carried by err, zero when there is none.
func OriginOf(err error) Origin {
	var te *Error
	if errors.As(err, &te) {
		return te.Origin
	}
	return 0
}
