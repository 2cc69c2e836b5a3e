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

package dma

import (
	"insntrace.dev/insntrace/pkg/abi/zx"
	"insntrace.dev/insntrace/pkg/errors/zxerr"
	"insntrace.dev/insntrace/pkg/sync"
)

// simVMORights are the rights carried by the handle of a freshly created
// memory object.
const simVMORights = zx.RightDuplicate | zx.RightTransfer | zx.RightRead |
	zx.RightWrite | zx.RightMap | zx.RightGetProperty | zx.RightSetProperty |
	zx.RightSignal | zx.RightWait | zx.RightInspect

// simBase is the first physical address handed out. Nonzero so that a
// zeroed address field is never a valid allocation.
const simBase = 1 << 32

// SimAllocator is an Allocator backed by ordinary memory. Physical
// addresses are synthesized deterministically from an address cursor,
// honoring the requested alignment. It stands in for the bus transaction
// initiator in tests and demonstrations; it cannot be the target of real
// hardware writes.
type SimAllocator struct {
	mu sync.Mutex

	// budget, if nonzero, bounds the total outstanding bytes.
	budget uint64

	nextPA      uint64
	outstanding uint64
	nextHandle  uint32
	live        int
	closed      bool
}

// NewSimAllocator returns an empty SimAllocator. budget, if nonzero,
// bounds the total outstanding bytes; allocations beyond it fail with no
// memory.
func NewSimAllocator(budget uint64) *SimAllocator {
	return &SimAllocator{
		budget:     budget,
		nextPA:     simBase,
		nextHandle: 1,
	}
}

// AllocateContiguous implements Allocator.AllocateContiguous.
func (a *SimAllocator) AllocateContiguous(size uint64, alignLog2 uint32) (Memory, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, zxerr.BadState
	}
	if size == 0 || alignLog2 >= 48 {
		return nil, zxerr.InvalidArgs
	}
	if a.budget != 0 && a.outstanding+size > a.budget {
		return nil, zxerr.NoMemory
	}

	align := uint64(1) << alignLog2
	pa := (a.nextPA + align - 1) &^ (align - 1)
	a.nextPA = pa + size
	a.outstanding += size
	a.live++

	h := &simHandle{id: a.nextHandle, rights: simVMORights}
	a.nextHandle++

	return &simMemory{
		allocator: a,
		pa:        pa,
		data:      make([]byte, size),
		handle:    h,
	}, nil
}

// Close implements Allocator.Close.
func (a *SimAllocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

// Live returns the number of outstanding allocations. Useful for leak
// checks.
func (a *SimAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

type simMemory struct {
	allocator *SimAllocator
	pa        uint64
	data      []byte
	handle    *simHandle
	released  bool
}

// Phys implements Memory.Phys.
func (m *simMemory) Phys() uint64 { return m.pa }

// Bytes implements Memory.Bytes.
func (m *simMemory) Bytes() []byte { return m.data }

// Handle implements Memory.Handle.
func (m *simMemory) Handle() Handle { return m.handle }

// Release implements Memory.Release.
func (m *simMemory) Release() {
	if m.released {
		return
	}
	m.released = true
	m.handle.Close()

	a := m.allocator
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outstanding -= uint64(len(m.data))
	a.live--
}

type simHandle struct {
	id     uint32
	rights zx.Rights
	closed bool
}

// ID implements Handle.ID.
func (h *simHandle) ID() uint32 { return h.id }

// Rights implements Handle.Rights.
func (h *simHandle) Rights() zx.Rights { return h.rights }

// Duplicate implements Handle.Duplicate.
func (h *simHandle) Duplicate(rights zx.Rights) (Handle, error) {
	if h.closed {
		return nil, zxerr.BadHandle
	}
	if rights&^h.rights != 0 {
		return nil, zxerr.AccessDenied
	}
	return &simHandle{id: h.id, rights: rights}, nil
}

// Close implements Handle.Close.
func (h *simHandle) Close() {
	h.closed = true
}
