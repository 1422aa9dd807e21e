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

package smaf

import "errors"

var (
	// ErrConnection means no session to the allocator device is open, or the
	// device could not be opened.
	ErrConnection = errors.New("smaf: no connection to allocator device")
	// ErrAllocation means a buffer could not be created.
	ErrAllocation = errors.New("smaf: buffer allocation refused")
	// ErrState means a secure flag transition was refused.
	ErrState = errors.New("smaf: secure flag transition refused")
	// ErrClosed means the buffer handle was already closed.
	ErrClosed = errors.New("smaf: buffer handle closed")
	// ErrNotPermitted means the device refused to map a secure buffer.
	ErrNotPermitted = errors.New("smaf: mapping not permitted")
	// ErrInvalidConfig is returned by the Verify functions.
	ErrInvalidConfig = errors.New("smaf: invalid config")
)
