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

// Package tee is a client for a trusted execution service, shaped after
// the GlobalPlatform TEE Client API.
//
// A Context is a connection to the service. Sessions are opened on it
// against a trusted applet identified by UUID, and commands are invoked
// on a session with up to four parameters. Memory the caller owns as a
// descriptor is registered once with RegisterSharedMemoryFD and then
// referenced by partial or whole memory reference parameters, so the
// bytes never travel through the untrusted process.
//
// Every call is a blocking round trip; one call is in flight per Context.
// When a call fails on the channel itself, including a context deadline,
// the Context is dead and every later call fails with ResultTargetDead.
package tee
