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

import (
	"fmt"
	"strconv"
)

// AllocatorNameLength is the size of the name field in the device ABI,
// including the terminating NUL.
const AllocatorNameLength = 64

// Allocator selects the backend that provides a buffer's memory.
type Allocator int

const (
	// AllocatorDefault lets the device choose by its own policy.
	AllocatorDefault Allocator = iota
	AllocatorSystem
	AllocatorCMA
	AllocatorOPTEE

	allocatorCount
)

var allocatorNames = [...]string{
	AllocatorDefault: "",
	AllocatorSystem:  "smaf-system",
	AllocatorCMA:     "smaf-cma",
	AllocatorOPTEE:   "smaf-optee",
}

func (a Allocator) String() string {
	if !a.Valid() {
		return "Allocator(" + strconv.Itoa(int(a)) + ")"
	}
	if a == AllocatorDefault {
		return "default"
	}
	return allocatorNames[a]
}

// Name returns the device name of a, empty for AllocatorDefault.
func (a Allocator) Name() string {
	if !a.Valid() {
		return ""
	}
	return allocatorNames[a]
}

// Valid reports whether a is one of the known allocators.
func (a Allocator) Valid() bool {
	return a >= AllocatorDefault && a < allocatorCount
}

// ParseAllocator maps a device allocator name to an Allocator. The empty
// name selects AllocatorDefault.
func ParseAllocator(name string) (Allocator, error) {
	for i, n := range allocatorNames {
		if n == name {
			return Allocator(i), nil
		}
	}
	return AllocatorDefault, fmt.Errorf("%w: unknown allocator %q", ErrAllocation, name)
}

// AllocatorInfo describes one allocator of a device at query time.
type AllocatorInfo struct {
	Index int
	Name  string
}
