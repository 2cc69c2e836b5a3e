// Copyright 2026 The Insntrace Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dma abstracts the allocator of DMA-suitable trace memory.
//
// The trace hardware consumes physical addresses, so allocations carry both
// a virtual mapping and a physical address, plus a handle to the underlying
// memory object that consumers may duplicate to map captured data
// themselves.
package dma

import (
	"insntrace.dev/insntrace/pkg/abi/zx"
)

// Handle refers to a kernel object, with rights limiting what its holder
// may do with it.
type Handle interface {
	// ID returns the raw handle value.
	ID() uint32

	// Rights returns the rights held by this handle.
	Rights() zx.Rights

	// Duplicate returns a new handle to the same object carrying exactly
	// the requested rights. Requesting a right this handle does not hold
	// fails with access denied.
	Duplicate(rights zx.Rights) (Handle, error)

	// Close releases the handle.
	Close()
}

// Memory is one physically contiguous allocation.
type Memory interface {
	// Phys returns the physical address of the allocation.
	Phys() uint64

	// Bytes returns the virtual mapping of the allocation.
	Bytes() []byte

	// Handle returns the handle to the underlying memory object. The
	// handle remains owned by the Memory; use Duplicate to hand out
	// references.
	Handle() Handle

	// Release unmaps and frees the allocation.
	Release()
}

// Allocator hands out physically contiguous, naturally aligned memory on
// behalf of a bus transaction initiator.
type Allocator interface {
	// AllocateContiguous allocates size bytes of physically contiguous
	// memory whose physical address has alignLog2 zero low bits.
	AllocateContiguous(size uint64, alignLog2 uint32) (Memory, error)

	// Close releases the initiator handle. Further allocations fail.
	Close()
}
