package sdp

import (
	"context"

	"github.com/google/uuid"

	"github.com/srediag/plugin-smaf/internal/logger"
	"github.com/srediag/plugin-smaf/pkg/tee"
	"github.com/srediag/plugin-smaf/pkg/trusted"
)

// AppletUUID identifies the SDP applet.
var AppletUUID = uuid.MustParse("12345678-5b69-11e4-9dbb-101f74f00001")

// Commands of the SDP applet.
const (
	CmdInject    uint32 = 1
	CmdTransform uint32 = 2
	CmdDump      uint32 = 3
)

// TransformByte is the transform applied by the reference applet: the
// two's complement negation of b.
func TransformByte(b byte) byte {
	return ^b + 1
}

// Transform applies TransformByte to every byte of data in place.
func Transform(data []byte) {
	for i, b := range data {
		data[i] = TransformByte(b)
	}
}

// Applet is the reference SDP applet, hosted by a trusted.Server.
type Applet struct {
	logger *logger.Logger
}

var _ trusted.Applet = (*Applet)(nil)

func NewApplet() *Applet {
	return &Applet{logger: logger.New("sdp applet", nil)}
}

func (a *Applet) UUID() uuid.UUID {
	return AppletUUID
}

func (a *Applet) OpenSession(context.Context, tee.Login) (trusted.AppletSession, error) {
	return &appletSession{logger: a.logger}, nil
}

type appletSession struct {
	logger *logger.Logger
}

func (s *appletSession) Invoke(_ context.Context, cmd uint32, params *trusted.Params) error {
	switch cmd {
	case CmdInject:
		return s.copyWindow(params, "inject")
	case CmdTransform:
		if err := params.Expect(trusted.ParamMemrefInout); err != nil {
			return err
		}
		Transform(params[0].Memref)
		return nil
	case CmdDump:
		return s.copyWindow(params, "dump")
	}
	return trusted.NotSupported("command %d", cmd)
}

// copyWindow copies the first parameter into the second; inject and dump
// differ only in which side is registered memory.
func (s *appletSession) copyWindow(params *trusted.Params, name string) error {
	if err := params.Expect(trusted.ParamMemrefInput, trusted.ParamMemrefOutput); err != nil {
		return err
	}
	src, dst := params[0].Memref, params[1].Memref
	if len(src) != len(dst) {
		return trusted.BadParameters("%s: %d bytes into %d", name, len(src), len(dst))
	}
	copy(dst, src)
	s.logger.Tracef("%s: %d bytes", name, len(src))
	return nil
}

func (s *appletSession) Close() {}
