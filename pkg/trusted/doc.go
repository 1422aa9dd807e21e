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

// Package trusted implements the trusted side of the channel used by
// package tee: a service hosting applets, each identified by UUID.
//
// Clients register memory by passing its descriptor. The service maps the
// memory itself, without going through the allocator device, so it can
// work on buffers that are secure and therefore unmappable by the client.
// Invocations reference a window of registered memory; the window is
// checked against the registered size before an applet sees it.
//
// Each connection runs on a worker of a bounded pool. Its requests are
// queued and executed one after another, in arrival order.
package trusted
