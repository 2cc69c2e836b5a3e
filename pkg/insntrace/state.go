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

package insntrace

import (
	"insntrace.dev/insntrace/pkg/abi/intelpt"
	"insntrace.dev/insntrace/pkg/dma"
	"insntrace.dev/insntrace/pkg/errors/zxerr"
)

// ownerTag discriminates the owner union of a slot.
type ownerTag uint8

const (
	ownerNone ownerTag = iota
	ownerCPU
	ownerThread
)

// owner records the cpu or thread a buffer is assigned to. Which field is
// valid is determined by the tag; never read both.
type owner struct {
	tag    ownerTag
	cpu    uint32
	thread uint32
}

// perTraceState is one trace slot: a trace buffer (a set of chunks), its
// ToPA tables, and the saved trace registers.
type perTraceState struct {
	owner owner

	// numChunks chunks, each 2^chunkOrder pages in size.
	numChunks  uint32
	chunkOrder uint32

	// If isCircular the buffer wraps, otherwise tracing stops when the
	// buffer fills.
	isCircular bool

	allocated bool

	// assigned is true while the slot's registers are staged for a
	// cpu/thread.
	assigned bool

	numTables uint32

	// Saved trace registers.
	ctl            uint64
	status         uint64
	outputBase     uint64
	outputMaskPtrs uint64
	cr3Match       uint64
	addrRanges     [intelpt.MaxNumAddrRanges]intelpt.AddrRange

	// Trace buffers and ToPA tables.
	chunks []dma.Memory
	topas  []dma.Memory
}

// totalBytes returns the size of the trace buffer.
func (per *perTraceState) totalBytes() uint64 {
	return uint64(per.numChunks) << (per.chunkOrder + intelpt.PageShift)
}

// traceTable owns the per-trace slot vector.
type traceTable struct {
	slots []perTraceState
}

// present reports whether the vector has been allocated.
func (t *traceTable) present() bool {
	return t.slots != nil
}

// allocate creates n zeroed slots. The previous vector, if any, is
// dropped.
func (t *traceTable) allocate(n uint32) {
	t.slots = make([]perTraceState, n)
}

// findFree returns the first unallocated slot index.
func (t *traceTable) findFree() (uint32, error) {
	for i := range t.slots {
		if !t.slots[i].allocated {
			return uint32(i), nil
		}
	}
	return 0, zxerr.NoResources
}

// slot returns the slot for a descriptor.
func (t *traceTable) slot(descriptor uint32) (*perTraceState, error) {
	if uint(descriptor) >= uint(len(t.slots)) {
		return nil, zxerr.InvalidArgs
	}
	return &t.slots[descriptor], nil
}

// anyAssigned reports whether any slot is assigned.
func (t *traceTable) anyAssigned() bool {
	for i := range t.slots {
		if t.slots[i].assigned {
			return true
		}
	}
	return false
}

// clear destroys the vector. It refuses while any slot is assigned.
func (t *traceTable) clear() error {
	if t.anyAssigned() {
		return zxerr.BadState
	}
	t.slots = nil
	return nil
}
