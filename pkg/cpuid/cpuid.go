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

// Package cpuid discovers the Intel Processor Trace capabilities of the
// CPU.
//
// Capabilities are derived from CPUID leaves 0x01, 0x07, 0x14 and 0x15 and
// are immutable once probed. Probing goes through the Function interface so
// tests can substitute a Static leaf table for the Native implementation.
package cpuid

import (
	"insntrace.dev/insntrace/pkg/errors/zxerr"
	"insntrace.dev/insntrace/pkg/log"
	"insntrace.dev/insntrace/pkg/sync"
)

// cpuidFunction is a useful type wrapper. The format is eax | (ecx << 32).
type cpuidFunction uint64

func (f cpuidFunction) eax() uint32 {
	return uint32(f)
}

func (f cpuidFunction) ecx() uint32 {
	return uint32(f >> 32)
}

// The functions consulted by the probe, ordered as defined by the hardware.
const (
	vendorID            cpuidFunction = 0x0  // Returns vendor ID and largest standard function.
	featureInfo         cpuidFunction = 0x1  // Returns basic feature bits and processor signature.
	extendedFeatureInfo cpuidFunction = 0x7  // Returns extended feature bits.
	ptCapability        cpuidFunction = 0x14 // Returns processor trace enumeration.
	ptCapabilitySub     cpuidFunction = 0x14 | (0x1 << 32)
	tscFrequency        cpuidFunction = 0x15 // Returns core crystal clock ratio.
)

// The processor trace feature bit: leaf 0x7, subleaf 0, ebx bit 25.
const ptFeatureBit = 1 << 25

// Function executes a CPUID function.
//
// This is typically the native function or a Static definition.
type Function interface {
	Query(In) Out
}

// In is input to the Query function.
type In struct {
	Eax uint32
	Ecx uint32
}

// Out is output from the Query function.
type Out struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

// query is an internal wrapper.
func query(fn Function, f cpuidFunction) (uint32, uint32, uint32, uint32) {
	out := fn.Query(In{Eax: f.eax(), Ecx: f.ecx()})
	return out.Eax, out.Ebx, out.Ecx, out.Edx
}

func bit(x uint32, b int) bool {
	return x&(1<<b) != 0
}

// Capabilities describes the Processor Trace facilities of the CPU. The
// zero value describes a CPU without trace support.
type Capabilities struct {
	// Supported is true if the CPU implements Processor Trace.
	Supported bool

	// Family, Model and Stepping identify the processor, with the
	// extended family and model fields folded in.
	Family   uint32
	Model    uint32
	Stepping uint32

	// AddrCfgMax is the maximum ADDRn_CFG field value supported, or zero
	// if IP filtering is unavailable.
	AddrCfgMax uint32

	// MtcFreqMask, CycThreshMask and PsbFreqMask are bitmasks of the
	// legal log2 values for the corresponding ctl sub-fields.
	MtcFreqMask   uint32
	CycThreshMask uint32
	PsbFreqMask   uint32

	// NumAddrRanges is the number of IP filter address ranges.
	NumAddrRanges uint32

	// BusFreq is the ratio of the TSC frequency to the core crystal
	// clock frequency (the inverse of leaf 0x15's eax/ebx), or zero if
	// not enumerated.
	BusFreq uint32

	CR3Filtering bool
	PSB          bool
	IPFiltering  bool
	MTC          bool
	PTWrite      bool
	PowerEvents  bool

	OutputToPA      bool
	OutputToPAMulti bool
	OutputSingle    bool
	OutputTransport bool

	// LIP is true if generated packets carry linear instruction
	// pointers rather than effective ones.
	LIP bool
}

// Probe interrogates fn for Processor Trace support. It fails with
// zxerr.NotSupported if the CPU does not enumerate leaf 0x14 or does not set
// the trace feature bit.
func Probe(fn Function) (*Capabilities, error) {
	maxLeaf, _, _, _ := query(fn, vendorID)
	if maxLeaf < uint32(ptCapability) {
		log.Infof("IntelPT: no PT support")
		return nil, zxerr.NotSupported
	}

	var caps Capabilities

	a, _, _, _ := query(fn, featureInfo)
	caps.Stepping = a & 0xf
	caps.Model = (a >> 4) & 0xf
	caps.Family = (a >> 8) & 0xf
	baseFamily := caps.Family
	if baseFamily == 0xf {
		caps.Family += (a >> 20) & 0xff
	}
	if baseFamily == 6 || baseFamily == 0xf {
		caps.Model += ((a >> 16) & 0xf) << 4
	}

	_, b, _, _ := query(fn, extendedFeatureInfo)
	if b&ptFeatureBit == 0 {
		log.Infof("IntelPT: no PT support")
		return nil, zxerr.NotSupported
	}

	caps.Supported = true

	a, b, c, _ := query(fn, ptCapability)
	if bit(b, 2) {
		caps.AddrCfgMax = 2
	}
	if bit(b, 1) && a >= 1 {
		a1, b1, _, _ := query(fn, ptCapabilitySub)
		caps.MtcFreqMask = (a1 >> 16) & 0xffff
		caps.CycThreshMask = b1 & 0xffff
		caps.PsbFreqMask = (b1 >> 16) & 0xffff
		caps.NumAddrRanges = a1 & 0x7
	}

	if maxLeaf >= uint32(tscFrequency) {
		a1, b1, _, _ := query(fn, tscFrequency)
		if a1 != 0 && b1 != 0 {
			caps.BusFreq = uint32(1 / (float64(a1) / float64(b1)))
		}
	}

	caps.CR3Filtering = bit(b, 0)
	caps.PSB = bit(b, 1)
	caps.IPFiltering = bit(b, 2)
	caps.MTC = bit(b, 3)
	caps.PTWrite = bit(b, 4)
	caps.PowerEvents = bit(b, 5)

	caps.OutputToPA = bit(c, 0)
	caps.OutputToPAMulti = bit(c, 1)
	caps.OutputSingle = bit(c, 2)
	caps.OutputTransport = bit(c, 3)
	caps.LIP = bit(c, 31)

	log.Infof("Intel Processor Trace configuration for this chipset:")
	// No need to print everything, but these are useful.
	log.Infof("mtc_freq_mask:   0x%x", caps.MtcFreqMask)
	log.Infof("cyc_thresh_mask: 0x%x", caps.CycThreshMask)
	log.Infof("psb_freq_mask:   0x%x", caps.PsbFreqMask)
	log.Infof("num addr ranges: %d", caps.NumAddrRanges)

	return &caps, nil
}

// hostCapabilities runs the native probe exactly once.
var hostCapabilities = sync.OnceValues(func() (*Capabilities, error) {
	return Probe(&Native{})
})

// Host returns the Processor Trace capabilities of the host CPU. The probe
// runs once per process; the result is frozen thereafter. Callers must not
// mutate the returned Capabilities.
func Host() (*Capabilities, error) {
	return hostCapabilities()
}
