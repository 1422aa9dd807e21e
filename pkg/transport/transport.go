/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package transport opens the endpoints of the trusted channel: unix
// stream sockets, either named or created as a connected pair.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNotUnix is returned when a connection is not a unix socket.
var ErrNotUnix = errors.New("transport: not a unix socket")

// Dialer connects to a trusted service.
type Dialer func(ctx context.Context) (*net.UnixConn, error)

// UnixDialer dials the service listening on path.
func UnixDialer(path string) Dialer {
	return func(ctx context.Context) (*net.UnixConn, error) {
		var d net.Dialer
		c, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, err
		}
		uc, ok := c.(*net.UnixConn)
		if !ok {
			_ = c.Close()
			return nil, ErrNotUnix
		}
		return uc, nil
	}
}

// PipeDialer connects through a fresh socket pair and hands the server end
// to serve, which owns it from then on.
func PipeDialer(serve func(*net.UnixConn) error) Dialer {
	return func(ctx context.Context) (*net.UnixConn, error) {
		client, server, err := Pair()
		if err != nil {
			return nil, err
		}
		if err := serve(server); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	}
}

// Pair returns two connected unix stream sockets.
func Pair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: socketpair: %w", err)
	}
	a, err := fileConn(fds[0], "pair-client")
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileConn(fds[1], "pair-server")
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// fileConn converts fd to a net.UnixConn. FileConn dups the descriptor,
// fd is closed.
func fileConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	c, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("transport: %s: %w", name, err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, ErrNotUnix
	}
	return uc, nil
}

// Listen listens on the unix socket path. A stale socket file left by a
// previous process is removed first; a live one makes Listen fail.
func Listen(path string) (*net.UnixListener, error) {
	if stale, err := staleSocket(path); err != nil {
		return nil, err
	} else if stale {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("transport: remove stale socket %s: %w", path, err)
		}
	}
	return net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
}

func staleSocket(path string) (bool, error) {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return false, fmt.Errorf("transport: %s exists and is not a socket", path)
	}
	c, err := net.DialTimeout("unix", path, 100*time.Millisecond)
	if err != nil {
		return true, nil
	}
	_ = c.Close()
	return false, fmt.Errorf("transport: %s is in use", path)
}
