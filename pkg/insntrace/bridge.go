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
)

// The privileged bridge: thin wrappers forwarding lifecycle actions to the
// control channel. The payload for staging and retrieval is the
// fixed-layout register block.

func (d *Device) controlAllocTrace(config *intelpt.TraceConfig) error {
	buf := make([]byte, config.SizeBytes())
	config.MarshalBytes(buf)
	return d.channel.Control(zx.MtraceKindInsntrace, zx.MtraceInsntraceAllocTrace, 0, buf)
}

func (d *Device) controlFreeTrace() error {
	return d.channel.Control(zx.MtraceKindInsntrace, zx.MtraceInsntraceFreeTrace, 0, nil)
}

func (d *Device) controlStart() error {
	return d.channel.Control(zx.MtraceKindInsntrace, zx.MtraceInsntraceStart, 0, nil)
}

func (d *Device) controlStop() error {
	return d.channel.Control(zx.MtraceKindInsntrace, zx.MtraceInsntraceStop, 0, nil)
}

// stageTraceData hands a slot's saved registers to the kernel for the
// descriptor's cpu/thread. TraceEn and the ToPA output scheme are added
// here; callers never stage them directly.
func (d *Device) stageTraceData(descriptor uint32) error {
	per, err := d.traces.slot(descriptor)
	if err != nil {
		return err
	}

	regs := intelpt.RegisterSet{
		Ctl:            per.ctl | intelpt.CtlToPA | intelpt.CtlTraceEn,
		Status:         per.status,
		OutputBase:     per.outputBase,
		OutputMaskPtrs: per.outputMaskPtrs,
		CR3Match:       per.cr3Match,
		AddrRanges:     per.addrRanges,
	}

	buf := make([]byte, regs.SizeBytes())
	regs.MarshalBytes(buf)
	return d.channel.Control(zx.MtraceKindInsntrace, zx.MtraceInsntraceStageTraceData, descriptor, buf)
}

// getTraceData retrieves the descriptor's register snapshot back into its
// slot.
func (d *Device) getTraceData(descriptor uint32) error {
	per, err := d.traces.slot(descriptor)
	if err != nil {
		return err
	}

	var regs intelpt.RegisterSet
	buf := make([]byte, regs.SizeBytes())
	if err := d.channel.Control(zx.MtraceKindInsntrace, zx.MtraceInsntraceGetTraceData, descriptor, buf); err != nil {
		return err
	}
	regs.UnmarshalBytes(buf)

	per.ctl = regs.Ctl
	per.status = regs.Status
	per.outputBase = regs.OutputBase
	per.outputMaskPtrs = regs.OutputMaskPtrs
	per.cr3Match = regs.CR3Match
	per.addrRanges = regs.AddrRanges
	return nil
}
