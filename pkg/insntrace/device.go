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
	"insntrace.dev/insntrace/pkg/abi/zx"
	"insntrace.dev/insntrace/pkg/dma"
	"insntrace.dev/insntrace/pkg/errors/zxerr"
	"insntrace.dev/insntrace/pkg/log"
)

// AllocTrace allocates the per-trace slot vector and registers the trace
// with the kernel. In cpu mode the trace count must equal the cpu count.
func (d *Device) AllocTrace(config intelpt.TraceConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	if !d.caps.Supported {
		return zxerr.NotSupported
	}
	// For now we only support ToPA output, though there are no current
	// plans to support anything else.
	if !d.caps.OutputToPA {
		return zxerr.NotSupported
	}
	if d.traces.present() {
		return zxerr.BadState
	}

	switch config.Mode {
	case intelpt.ModeCPUs:
	case intelpt.ModeThreads:
		// TODO(dje): Until thread tracing is supported.
		return zxerr.NotSupported
	default:
		return zxerr.InvalidArgs
	}

	if config.NumTraces > intelpt.MaxNumTraces {
		return zxerr.InvalidArgs
	}
	// KISS. No point in allowing anything else for now.
	if config.NumTraces != d.numCPUs {
		return zxerr.InvalidArgs
	}

	d.traces.allocate(config.NumTraces)
	if err := d.controlAllocTrace(&config); err != nil {
		d.traces.slots = nil
		return err
	}

	d.mode = config.Mode
	return nil
}

// FreeTrace tears down the trace. Every buffer must be unassigned.
func (d *Device) FreeTrace() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	if !d.traces.present() {
		return zxerr.BadState
	}
	return d.freeTraceLocked()
}

// +checklocks:d.mu
func (d *Device) freeTraceLocked() error {
	if d.active {
		return zxerr.BadState
	}

	// Don't make any changes until we know it's going to work.
	if d.traces.anyAssigned() {
		return zxerr.BadState
	}

	for i := range d.traces.slots {
		if d.traces.slots[i].allocated {
			freeBuffer1(&d.traces.slots[i])
		}
	}

	if err := d.controlFreeTrace(); err != nil {
		// This really shouldn't fail. Flag the device as busted and
		// prevent further use.
		log.Warningf("FREE_TRACE failed: %v; device unusable", err)
		d.broken = true
		return nil
	}

	d.traces.clear()
	d.mode = intelpt.ModeCPUs
	return nil
}

// GetTraceConfig returns the mode and trace count of the allocated trace.
func (d *Device) GetTraceConfig() (intelpt.TraceConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return intelpt.TraceConfig{}, err
	}
	if !d.traces.present() {
		return intelpt.TraceConfig{}, zxerr.BadState
	}
	return intelpt.TraceConfig{
		Mode:      d.mode,
		NumTraces: uint32(len(d.traces.slots)),
	}, nil
}

// AllocBuffer validates config, builds the trace buffer and its ToPA
// tables in a free slot, and returns the slot's descriptor.
func (d *Device) AllocBuffer(config intelpt.BufferConfig) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return 0, err
	}
	if !d.traces.present() {
		return 0, zxerr.BadState
	}

	log.Debugf("alloc_buffer: num_chunks %d, chunk_order %d", config.NumChunks, config.ChunkOrder)

	if config.NumChunks == 0 || config.NumChunks > intelpt.MaxNumChunks {
		return 0, zxerr.InvalidArgs
	}
	if config.ChunkOrder > intelpt.MaxChunkOrder {
		return 0, zxerr.InvalidArgs
	}
	total := uint64(config.NumChunks) << (config.ChunkOrder + intelpt.PageShift)
	if total > intelpt.MaxPerTraceSpace {
		return 0, zxerr.InvalidArgs
	}
	if err := validateCtl(d.caps, config.Ctl); err != nil {
		return 0, err
	}

	// Find an unallocated buffer entry.
	descriptor, err := d.traces.findFree()
	if err != nil {
		return 0, err
	}
	per := &d.traces.slots[descriptor]

	if err := d.allocBuffer1(per, config.NumChunks, config.ChunkOrder, config.IsCircular); err != nil {
		return 0, err
	}

	per.ctl = config.Ctl
	per.status = 0
	per.outputBase = per.topas[0].Phys()
	per.outputMaskPtrs = 0
	per.cr3Match = config.CR3Match
	per.addrRanges = config.AddrRanges
	per.allocated = true
	return descriptor, nil
}

// AssignThreadBuffer assigns a buffer to a thread.
//
// TODO(dje): Thread support is still work-in-progress.
func (d *Device) AssignThreadBuffer(descriptor uint32, thread uint32) error {
	return zxerr.NotSupported
}

// ReleaseThreadBuffer releases a buffer from a thread.
//
// TODO(dje): Thread support is still work-in-progress.
func (d *Device) ReleaseThreadBuffer(descriptor uint32, thread uint32) error {
	return zxerr.NotSupported
}

// FreeBuffer releases one slot's buffer. The slot must be allocated and
// unassigned, and tracing must be off.
func (d *Device) FreeBuffer(descriptor uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	if !d.traces.present() {
		return zxerr.BadState
	}
	if d.active {
		return zxerr.BadState
	}
	per, err := d.traces.slot(descriptor)
	if err != nil {
		return err
	}
	if !per.allocated {
		return zxerr.InvalidArgs
	}
	if per.assigned {
		return zxerr.BadState
	}
	freeBuffer1(per)
	return nil
}

// GetBufferConfig returns the configuration a slot was allocated with.
func (d *Device) GetBufferConfig(descriptor uint32) (intelpt.BufferConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return intelpt.BufferConfig{}, err
	}
	if !d.traces.present() {
		return intelpt.BufferConfig{}, zxerr.BadState
	}
	per, err := d.traces.slot(descriptor)
	if err != nil {
		return intelpt.BufferConfig{}, err
	}
	if !per.allocated {
		return intelpt.BufferConfig{}, zxerr.InvalidArgs
	}
	return intelpt.BufferConfig{
		NumChunks:  per.numChunks,
		ChunkOrder: per.chunkOrder,
		IsCircular: per.isCircular,
		Ctl:        per.ctl,
		CR3Match:   per.cr3Match,
		AddrRanges: per.addrRanges,
	}, nil
}

// GetBufferInfo reports how much data has been captured into a slot's
// buffer.
func (d *Device) GetBufferInfo(descriptor uint32) (intelpt.BufferInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return intelpt.BufferInfo{}, err
	}
	if !d.traces.present() {
		return intelpt.BufferInfo{}, zxerr.BadState
	}

	// In thread-mode we need to get buffer info while tracing is
	// active.
	if d.mode == intelpt.ModeCPUs && d.active {
		return intelpt.BufferInfo{}, zxerr.BadState
	}

	per, err := d.traces.slot(descriptor)
	if err != nil {
		return intelpt.BufferInfo{}, err
	}
	if !per.allocated {
		return intelpt.BufferInfo{}, zxerr.InvalidArgs
	}

	// Note: If this is a circular buffer this is just where tracing
	// stopped.
	return intelpt.BufferInfo{CaptureEnd: d.computeCaptureSize(per)}, nil
}

// chunkHandleRights are the rights a duplicated chunk handle may carry:
// enough to map captured data read-only, nothing more.
const chunkHandleRights = zx.RightTransfer | zx.RightWait | zx.RightInspect |
	zx.RightGetProperty | zx.RightRead | zx.RightMap

// GetChunkHandle returns a duplicated handle to one chunk's memory object,
// narrowed to read-and-map rights.
func (d *Device) GetChunkHandle(descriptor, chunkNum uint32) (dma.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return nil, err
	}
	if !d.traces.present() {
		return nil, zxerr.BadState
	}
	per, err := d.traces.slot(descriptor)
	if err != nil {
		return nil, err
	}
	if !per.allocated {
		return nil, zxerr.InvalidArgs
	}
	if chunkNum >= per.numChunks {
		return nil, zxerr.InvalidArgs
	}

	h := per.chunks[chunkNum].Handle()
	dup, err := h.Duplicate(h.Rights() & chunkHandleRights)
	if err != nil {
		log.Warningf("unexpected error duplicating chunk handle: %v", err)
		return nil, err
	}
	return dup, nil
}

// Start begins tracing. Every slot must hold an allocated, unassigned
// buffer; each is staged for its cpu and tracing is turned on.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	if !d.traces.present() {
		return zxerr.BadState
	}
	if d.active {
		return zxerr.BadState
	}
	if d.mode != intelpt.ModeCPUs {
		return zxerr.BadState
	}

	// In cpu-mode, until we support tracing particular cpus,
	// auto-assign buffers to each cpu. First verify a buffer has been
	// allocated for each cpu, and not yet assigned.
	for i := range d.traces.slots {
		per := &d.traces.slots[i]
		if !per.allocated {
			return zxerr.BadState
		}
		if per.assigned {
			return zxerr.BadState
		}
	}

	for i := range d.traces.slots {
		cpu := uint32(i)
		if err := d.stageTraceData(cpu); err != nil {
			if i > 0 {
				// There is no unstage action, so cpus staged
				// before the failure cannot be rolled back.
				// Seal the device; only release recovers it.
				log.Warningf("staging cpu %d failed: %v; device sealed", cpu, err)
				d.broken = true
			}
			return err
		}
		per := &d.traces.slots[i]
		per.owner = owner{tag: ownerCPU, cpu: cpu}
		per.assigned = true
	}

	if err := d.controlStart(); err != nil {
		return err
	}
	d.active = true
	return nil
}

// Stop halts tracing and retrieves each cpu's register snapshot back into
// its slot.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	if !d.traces.present() {
		return zxerr.BadState
	}
	return d.stopLocked()
}

// +checklocks:d.mu
func (d *Device) stopLocked() error {
	if !d.active {
		return zxerr.BadState
	}

	if err := d.controlStop(); err != nil {
		return err
	}
	d.active = false

	// Until we support tracing individual cpus, auto-unassign the
	// buffers in cpu-mode.
	if d.mode == intelpt.ModeCPUs {
		for i := range d.traces.slots {
			cpu := uint32(i)
			if err := d.getTraceData(cpu); err != nil {
				return err
			}
			per := &d.traces.slots[i]
			per.assigned = false
			per.owner = owner{}
			// If there was an operational error, report it.
			if per.status&intelpt.StatusErrorMask != 0 {
				log.Warningf("operational error detected on cpu %d", cpu)
			}
		}
	}

	return nil
}

// Release tears the device down: tracing is force-stopped, buffers are
// force-freed, and the allocator handle is closed. Errors from subordinate
// calls are logged, not propagated; memory the device owns is always
// released. Release is safe to call in any state.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return
	}

	if d.active {
		if err := d.stopLocked(); err != nil {
			log.Warningf("release: stop failed: %v", err)
			d.active = false
		}
	}

	if d.traces.present() {
		// Force-unassign so teardown cannot be refused.
		for i := range d.traces.slots {
			per := &d.traces.slots[i]
			per.assigned = false
			if per.allocated {
				freeBuffer1(per)
			}
		}
		if err := d.controlFreeTrace(); err != nil {
			log.Warningf("release: FREE_TRACE failed: %v", err)
			d.broken = true
		}
		d.traces.slots = nil
	}

	d.allocator.Close()
	d.opened = false
	d.released = true
}
