package trusted

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/srediag/plugin-smaf/pkg/tee"
)

// ParamType is the type of a parameter as an applet sees it. Registered
// memory windows are presented as plain memory references.
type ParamType uint8

const (
	ParamNone         ParamType = 0x0
	ParamValueInput   ParamType = 0x1
	ParamValueOutput  ParamType = 0x2
	ParamValueInout   ParamType = 0x3
	ParamMemrefInput  ParamType = 0x5
	ParamMemrefOutput ParamType = 0x6
	ParamMemrefInout  ParamType = 0x7
)

func (t ParamType) String() string {
	switch t {
	case ParamNone:
		return "NONE"
	case ParamValueInput:
		return "VALUE_INPUT"
	case ParamValueOutput:
		return "VALUE_OUTPUT"
	case ParamValueInout:
		return "VALUE_INOUT"
	case ParamMemrefInput:
		return "MEMREF_INPUT"
	case ParamMemrefOutput:
		return "MEMREF_OUTPUT"
	case ParamMemrefInout:
		return "MEMREF_INOUT"
	}
	return fmt.Sprintf("ParamType(%#x)", uint8(t))
}

// Param is one invocation parameter. Memref aliases registered memory for
// registered references; writes to it land in the client's buffer. An
// applet may shorten Memref to report a smaller output size.
type Param struct {
	Type   ParamType
	Value  tee.Value
	Memref []byte
}

// Params are the four parameters of an invocation.
type Params [4]Param

// Types returns the parameter types of p.
func (p *Params) Types() [4]ParamType {
	var types [4]ParamType
	for i := range p {
		types[i] = p[i].Type
	}
	return types
}

// Expect fails with ResultBadParameters unless the parameter types of p
// are exactly types.
func (p *Params) Expect(types ...ParamType) error {
	var want [4]ParamType
	copy(want[:], types)
	if p.Types() != want {
		return BadParameters("parameter types %v, want %v", p.Types(), want)
	}
	return nil
}

// Applet is a trusted application.
type Applet interface {
	UUID() uuid.UUID
	OpenSession(ctx context.Context, login tee.Login) (AppletSession, error)
}

// AppletSession is a session opened on an Applet. Invoke returns a
// *tee.Error to report a specific result; any other error is reported as
// ResultGeneric.
type AppletSession interface {
	Invoke(ctx context.Context, cmd uint32, params *Params) error
	Close()
}

// BadParameters returns an applet error with ResultBadParameters.
func BadParameters(format string, args ...any) error {
	return &tee.Error{
		Code:   tee.ResultBadParameters,
		Origin: tee.OriginTrustedApp,
		Err:    fmt.Errorf(format, args...),
	}
}

// NotSupported returns an applet error with ResultNotSupported.
func NotSupported(format string, args ...any) error {
	return &tee.Error{
		Code:   tee.ResultNotSupported,
		Origin: tee.OriginTrustedApp,
		Err:    fmt.Errorf(format, args...),
	}
}
