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

// Package insntrace implements the user-space control plane for Intel
// Processor Trace.
//
// A Device owns a vector of per-trace slots, each holding a set of trace
// chunks, the ToPA tables that describe them to hardware, and a saved copy
// of the trace registers. The Device arbitrates the trace lifecycle
// (allocate trace, allocate buffers, start, stop, free) under a single
// mutex and forwards register staging and retrieval to the privileged
// control channel. It never touches MSRs itself.
package insntrace

import (
	"sync/atomic"

	"insntrace.dev/insntrace/pkg/abi/intelpt"
	"insntrace.dev/insntrace/pkg/cpuid"
	"insntrace.dev/insntrace/pkg/dma"
	"insntrace.dev/insntrace/pkg/errors/zxerr"
	"insntrace.dev/insntrace/pkg/hostcpu"
	"insntrace.dev/insntrace/pkg/mtrace"
	"insntrace.dev/insntrace/pkg/sync"
)

// Config carries the collaborators a Device is bound to.
type Config struct {
	// Capabilities of the CPU. If nil, the host CPU is probed; binding
	// fails if it lacks trace support.
	Capabilities *cpuid.Capabilities

	// Allocator provides DMA-suitable trace memory. The Device owns it
	// from bind to release.
	Allocator dma.Allocator

	// Channel is the privileged control channel.
	Channel mtrace.Channel

	// NumCPUs is the CPU count used to size cpu-mode trace vectors.
	// Zero means the host CPU count.
	NumCPUs uint32
}

// Device is one instance of the trace control plane. Only one open of a
// Device is supported at a time.
type Device struct {
	mu sync.Mutex

	// Only one open of this device is supported at a time. KISS for now.
	// +checklocks:mu
	opened bool

	// broken is set when teardown was incomplete or staging partially
	// failed; every further operation except Close and Release fails
	// with bad state.
	// +checklocks:mu
	broken bool

	// +checklocks:mu
	released bool

	// +checklocks:mu
	mode intelpt.Mode

	// traces is the per-trace slot vector; nil until ALLOC_TRACE. When
	// tracing by cpu its length is the cpu count.
	// TODO(dje): Add support for dynamically growing the vector.
	// +checklocks:mu
	traces traceTable

	// Once tracing has started various things are not allowed until it
	// stops.
	// +checklocks:mu
	active bool

	caps      *cpuid.Capabilities
	allocator dma.Allocator
	channel   mtrace.Channel
	numCPUs   uint32

	// captureMisses counts capture-size walks that never found the stop
	// position, indicating a corrupt register snapshot.
	captureMisses atomic.Uint64
}

// New binds a Device to its collaborators. When cfg.Capabilities is nil it
// probes the host CPU and fails with zxerr.NotSupported if the CPU lacks
// trace support; supplied capabilities are not checked here.
func New(cfg Config) (*Device, error) {
	caps := cfg.Capabilities
	if caps == nil {
		var err error
		caps, err = cpuid.Host()
		if err != nil {
			return nil, err
		}
	}
	numCPUs := cfg.NumCPUs
	if numCPUs == 0 {
		numCPUs = hostcpu.Count()
	}
	return &Device{
		caps:      caps,
		allocator: cfg.Allocator,
		channel:   cfg.Channel,
		numCPUs:   numCPUs,
	}, nil
}

// Capabilities returns the capability record the device was bound with.
// The caller must not mutate it.
func (d *Device) Capabilities() *cpuid.Capabilities {
	return d.caps
}

// NumCPUs returns the CPU count used to size cpu-mode trace vectors.
func (d *Device) NumCPUs() uint32 {
	return d.numCPUs
}

// CaptureMisses returns the number of capture-size walks that exited
// without finding the stop position.
func (d *Device) CaptureMisses() uint64 {
	return d.captureMisses.Load()
}

// Open claims the device. A second open fails with zxerr.AlreadyBound.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released || d.broken {
		return zxerr.BadState
	}
	if d.opened {
		return zxerr.AlreadyBound
	}
	d.opened = true
	return nil
}

// Close releases the open claim. State is otherwise untouched.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
}

// usable gates every lifecycle operation.
// +checklocks:d.mu
func (d *Device) usable() error {
	if d.broken || d.released {
		return zxerr.BadState
	}
	return nil
}
