package sdp

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-smaf/pkg/tee"
	"github.com/srediag/plugin-smaf/pkg/trusted"
)

func TestTransformByte(t *testing.T) {
	assert.Equal(t, byte(0x00), TransformByte(0x00))
	assert.Equal(t, byte(0xff), TransformByte(0x01))
	assert.Equal(t, byte(0x80), TransformByte(0x80))
	assert.Equal(t, byte(0x01), TransformByte(0xff))
	for i := 0; i < 256; i++ {
		assert.Equal(t, byte(i), TransformByte(TransformByte(byte(i))), "transform is an involution")
	}

	data := []byte{1, 2, 3}
	Transform(data)
	assert.Equal(t, []byte{0xff, 0xfe, 0xfd}, data)
}

func TestCountMismatches(t *testing.T) {
	assert.Zero(t, CountMismatches([]byte("abc"), []byte("abc")))
	assert.Equal(t, 1, CountMismatches([]byte("abc"), []byte("abd")))
	assert.Equal(t, 2, CountMismatches([]byte("abc"), []byte("a")))
	assert.Zero(t, CountTransformMismatches([]byte{1, 2}, []byte{0xff, 0xfe}))
	assert.Equal(t, 1, CountTransformMismatches([]byte{1, 2}, []byte{0xff, 0x02}))
}

func TestAppletInvoke(t *testing.T) {
	ctx := context.Background()
	a := NewApplet()
	assert.Equal(t, AppletUUID, a.UUID())
	as, err := a.OpenSession(ctx, tee.LoginPublic)
	require.NoError(t, err)
	defer as.Close()

	secure := make([]byte, 16)
	p := &trusted.Params{}
	p[0] = trusted.Param{Type: trusted.ParamMemrefInput, Memref: []byte{1, 2, 3, 4}}
	p[1] = trusted.Param{Type: trusted.ParamMemrefOutput, Memref: secure[4:8]}
	require.NoError(t, as.Invoke(ctx, CmdInject, p))
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 4, 0}, secure[:9])

	p = &trusted.Params{}
	p[0] = trusted.Param{Type: trusted.ParamMemrefInout, Memref: secure[4:8]}
	require.NoError(t, as.Invoke(ctx, CmdTransform, p))
	assert.Equal(t, []byte{0xff, 0xfe, 0xfd, 0xfc}, secure[4:8])

	out := make([]byte, 4)
	p = &trusted.Params{}
	p[0] = trusted.Param{Type: trusted.ParamMemrefInput, Memref: secure[4:8]}
	p[1] = trusted.Param{Type: trusted.ParamMemrefOutput, Memref: out}
	require.NoError(t, as.Invoke(ctx, CmdDump, p))
	assert.Equal(t, []byte{0xff, 0xfe, 0xfd, 0xfc}, out)

	badParams := tee.NewError(tee.ResultBadParameters, tee.OriginTrustedApp)

	p = &trusted.Params{}
	p[0] = trusted.Param{Type: trusted.ParamMemrefInput, Memref: []byte{1, 2, 3}}
	p[1] = trusted.Param{Type: trusted.ParamMemrefOutput, Memref: secure[:4]}
	assert.ErrorIs(t, as.Invoke(ctx, CmdInject, p), badParams, "lengths differ")

	p = &trusted.Params{}
	p[0] = trusted.Param{Type: trusted.ParamMemrefInput, Memref: secure[:4]}
	assert.ErrorIs(t, as.Invoke(ctx, CmdTransform, p), badParams)

	assert.ErrorIs(t, as.Invoke(ctx, 42, &trusted.Params{}),
		tee.NewError(tee.ResultNotSupported, tee.OriginTrustedApp))
}

func TestVerifyConfig(t *testing.T) {
	assert.NoError(t, VerifyConfig(DefaultConfig()))

	config := DefaultConfig()
	config.Applet = uuid.Nil
	assert.ErrorIs(t, VerifyConfig(config), ErrInvalidConfig)

	config = DefaultConfig()
	config.MaxTransfer = 0
	assert.ErrorIs(t, VerifyConfig(config), ErrInvalidConfig)
	config.MaxTransfer = tee.MaxTempSize + 1
	assert.ErrorIs(t, VerifyConfig(config), ErrInvalidConfig)

	config = DefaultConfig()
	config.Tee.RetryInterval = 0
	assert.ErrorIs(t, VerifyConfig(config), ErrInvalidConfig)

	_, err := NewTrustedSession(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
