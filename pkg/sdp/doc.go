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

// Package sdp drives the secure data path: buffers handed to the trusted
// side by descriptor and worked on there through bounded commands.
//
// A TrustedSession goes Uninitialized, Active, Finalized. Create connects
// to the trusted service and opens a session on the SDP applet; Finalize
// must be called once on every path, including when Create fails.
// RegisterBuffer hands a buffer descriptor to the trusted side and returns
// the only value operations accept; DeregisterBuffer invalidates it.
//
// Inject, Transform and Dump address the window [offset, offset+size) of
// a registered buffer. The window is checked against the registered size
// on both sides of the channel and is never truncated. Operations on one
// RegisteredBuffer are serialized; operations on different buffers are
// independent but share the channel, one round trip at a time. Inject and
// Dump carry their bytes in channel frames, so windows longer than
// Config.MaxTransfer are split into several calls.
//
// A lost channel or an expired deadline kills the trusted context: Active
// turns false, later calls fail with TARGET_DEAD, and Finalize still
// succeeds.
//
// Typical use:
//
//	ts, _ := sdp.NewTrustedSession(transport.UnixDialer(path), nil)
//	defer ts.Finalize()
//	if err := ts.Create(ctx); err != nil {
//	  return err
//	}
//	ref, err := ts.RegisterHandle(ctx, buf)
//	...
//	err = ts.Inject(ctx, ref, payload, 47, len(payload))
package sdp
