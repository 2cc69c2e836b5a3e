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

package mtrace

import (
	"insntrace.dev/insntrace/pkg/abi/intelpt"
	"insntrace.dev/insntrace/pkg/abi/zx"
	"insntrace.dev/insntrace/pkg/errors/zxerr"
	"insntrace.dev/insntrace/pkg/sync"
)

// Emulator is a Channel that reproduces the kernel side's bookkeeping in
// memory: it tracks the trace allocation, holds staged register sets, and
// marks them stopped when tracing stops. It backs tests and the CLI's
// emulated mode; it starts no hardware.
type Emulator struct {
	mu sync.Mutex

	allocated bool
	started   bool
	config    intelpt.TraceConfig
	regs      map[uint32]*intelpt.RegisterSet

	failures map[zx.MtraceAction]error
}

// NewEmulator returns an idle Emulator.
func NewEmulator() *Emulator {
	return &Emulator{
		regs:     make(map[uint32]*intelpt.RegisterSet),
		failures: make(map[zx.MtraceAction]error),
	}
}

// FailOn makes the named action fail with err. A nil err clears the
// failure.
func (e *Emulator) FailOn(action zx.MtraceAction, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, action)
		return
	}
	e.failures[action] = err
}

// SetTraceData overrides the register set returned by GET_TRACE_DATA for
// descriptor, simulating hardware progress.
func (e *Emulator) SetTraceData(descriptor uint32, regs intelpt.RegisterSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regs[descriptor] = &regs
}

// Staged returns the last register set staged for descriptor.
func (e *Emulator) Staged(descriptor uint32) (intelpt.RegisterSet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.regs[descriptor]
	if !ok {
		return intelpt.RegisterSet{}, false
	}
	return *rs, true
}

// TraceConfig returns the allocated trace configuration.
func (e *Emulator) TraceConfig() (intelpt.TraceConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config, e.allocated
}

// Started reports whether tracing is running.
func (e *Emulator) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Control implements Channel.Control.
func (e *Emulator) Control(kind zx.MtraceKind, action zx.MtraceAction, options uint32, payload []byte) error {
	if kind != zx.MtraceKindInsntrace {
		return zxerr.InvalidArgs
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err, ok := e.failures[action]; ok {
		return err
	}

	switch action {
	case zx.MtraceInsntraceAllocTrace:
		if e.allocated {
			return zxerr.BadState
		}
		if len(payload) != intelpt.TraceConfigSize {
			return zxerr.InvalidArgs
		}
		e.config.UnmarshalBytes(payload)
		e.allocated = true
		return nil

	case zx.MtraceInsntraceFreeTrace:
		if !e.allocated || e.started {
			return zxerr.BadState
		}
		e.allocated = false
		e.regs = make(map[uint32]*intelpt.RegisterSet)
		return nil

	case zx.MtraceInsntraceStageTraceData:
		if !e.allocated {
			return zxerr.BadState
		}
		if len(payload) != intelpt.RegisterSetSize {
			return zxerr.InvalidArgs
		}
		rs := new(intelpt.RegisterSet)
		rs.UnmarshalBytes(payload)
		e.regs[options] = rs
		return nil

	case zx.MtraceInsntraceGetTraceData:
		if !e.allocated {
			return zxerr.BadState
		}
		rs, ok := e.regs[options]
		if !ok {
			return zxerr.BadState
		}
		if len(payload) != intelpt.RegisterSetSize {
			return zxerr.InvalidArgs
		}
		rs.MarshalBytes(payload)
		return nil

	case zx.MtraceInsntraceStart:
		if !e.allocated || e.started {
			return zxerr.BadState
		}
		e.started = true
		return nil

	case zx.MtraceInsntraceStop:
		if !e.started {
			return zxerr.BadState
		}
		e.started = false
		for _, rs := range e.regs {
			rs.Status |= intelpt.StatusStopped
		}
		return nil

	default:
		return zxerr.InvalidArgs
	}
}
