//go:build linux

package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-smaf/pkg/health"
	"github.com/srediag/plugin-smaf/pkg/sdp"
	"github.com/srediag/plugin-smaf/pkg/smaf"
	"github.com/srediag/plugin-smaf/pkg/transport"
	"github.com/srediag/plugin-smaf/pkg/trusted"
)

func TestLoadOptions(t *testing.T) {
	t.Setenv("SMAF_WORKERS", "3")
	var stderr bytes.Buffer
	opts, err := loadOptions([]string{
		"--config", filepath.Join(t.TempDir(), "none.yaml"),
	}, &stderr)
	require.Error(t, err, "explicit config must exist")
	assert.Nil(t, opts)

	opts, err = loadOptions([]string{"--socket", "/tmp/x.sock", "--lock-memory"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.sock", opts.socket)
	assert.Equal(t, 3, opts.workers)
	assert.True(t, opts.lockMemory)
	assert.Equal(t, 5*time.Second, opts.shutdownTimeout)

	config := opts.trustedConfig(nil)
	assert.Equal(t, 3, config.Workers)
	assert.True(t, config.LockMemory)
	assert.NoError(t, trusted.VerifyConfig(config))
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestServeOverSocket(t *testing.T) {
	var stderr bytes.Buffer
	opts, err := loadOptions([]string{"--socket", filepath.Join(t.TempDir(), "sdp.sock")}, &stderr)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	srv, err := trusted.NewServer(opts.trustedConfig(reg), sdp.NewApplet())
	require.NoError(t, err)
	l, err := transport.Listen(opts.socket)
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()

	handler := newHTTPHandler(reg, health.Options{Registerer: reg, Namespace: "sdpd", Server: srv})
	code, _ := get(t, handler, "/ready")
	assert.Equal(t, http.StatusOK, code)

	ctx := context.Background()
	session, err := smaf.NewSession(smaf.MemOpener(nil), nil)
	require.NoError(t, err)
	require.NoError(t, session.Open(ctx))
	defer session.Close()
	buf, err := session.CreateBuffer(4096, smaf.FlagRDWR, smaf.AllocatorOPTEE)
	require.NoError(t, err)
	defer buf.Close()
	require.NoError(t, buf.SetSecure(true))

	ts, err := sdp.NewTrustedSession(transport.UnixDialer(opts.socket), nil)
	require.NoError(t, err)
	require.NoError(t, ts.Create(ctx))
	ref, err := ts.RegisterHandle(ctx, buf)
	require.NoError(t, err)
	require.NoError(t, ts.Transform(ctx, ref, 0, 16))
	require.NoError(t, ts.Finalize())

	code, body := get(t, handler, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, `smaf_trusted_invocations_total{command="2",result="SUCCESS"} 1`), body)
	assert.Contains(t, body, "sdpd_healthcheck_status")

	require.NoError(t, srv.Close())
	code, _ = get(t, handler, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestDeviceGatesReadiness(t *testing.T) {
	var stderr bytes.Buffer
	opts, err := loadOptions([]string{"--device", "mem", "--shm-path", ""}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "mem", opts.device)

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	session, err := opts.openDevice(ctx, reg, &stderr)
	require.NoError(t, err)
	require.NotNil(t, session)
	defer session.Close()

	srv, err := trusted.NewServer(opts.trustedConfig(reg), sdp.NewApplet())
	require.NoError(t, err)
	defer srv.Close()

	handler := newHTTPHandler(reg, opts.healthOptions(reg, srv, session))
	code, _ := get(t, handler, "/ready")
	assert.Equal(t, http.StatusOK, code)

	require.NoError(t, session.Close())
	code, body := get(t, handler, "/ready?full=1")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "smaf-session")

	opts.device = ""
	none, err := opts.openDevice(ctx, reg, &stderr)
	require.NoError(t, err)
	assert.Nil(t, none)

	opts.device = filepath.Join(t.TempDir(), "missing")
	_, err = opts.openDevice(ctx, reg, &stderr)
	assert.ErrorIs(t, err, smaf.ErrConnection)
}
