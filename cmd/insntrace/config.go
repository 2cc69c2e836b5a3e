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

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"insntrace.dev/insntrace/pkg/abi/intelpt"
)

// traceConfig is the toml file consumed by the trace command. Fields the
// file does not set keep the values of defaultTraceConfig; with no file,
// those defaults are used as they are.
type traceConfig struct {
	NumChunks  uint32 `toml:"num-chunks"`
	ChunkOrder uint32 `toml:"chunk-order"`
	Circular   bool   `toml:"circular"`

	OS       bool   `toml:"os"`
	User     bool   `toml:"user"`
	TSC      bool   `toml:"tsc"`
	DisRetc  bool   `toml:"dis-retc"`
	Branch   bool   `toml:"branch"`
	CycAcc   bool   `toml:"cyc"`
	MTC      bool   `toml:"mtc"`
	MtcFreq  uint32 `toml:"mtc-freq"`
	PsbFreq  uint32 `toml:"psb-freq"`
	CR3Match uint64 `toml:"cr3-match"`

	AddrRanges []addrRange `toml:"addr-range"`
}

type addrRange struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

// defaultTraceConfig traces branches in user and kernel mode with
// timestamps, 64KiB per cpu, non-circular.
func defaultTraceConfig() traceConfig {
	return traceConfig{
		NumChunks: 16,
		OS:        true,
		User:      true,
		TSC:       true,
		Branch:    true,
	}
}

// loadTraceConfig reads path, or returns the default configuration if path
// is empty.
func loadTraceConfig(path string) (traceConfig, error) {
	config := defaultTraceConfig()
	if path == "" {
		return config, nil
	}
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return traceConfig{}, fmt.Errorf("decoding %q: %w", path, err)
	}
	return config, nil
}

// bufferConfig lowers the file form to the device's buffer configuration.
func (c traceConfig) bufferConfig() (intelpt.BufferConfig, error) {
	if len(c.AddrRanges) > intelpt.MaxNumAddrRanges {
		return intelpt.BufferConfig{}, fmt.Errorf("at most %d addr-range entries, got %d", intelpt.MaxNumAddrRanges, len(c.AddrRanges))
	}

	var ctl uint64
	for _, bit := range []struct {
		set  bool
		mask uint64
	}{
		{c.OS, intelpt.CtlOSAllowed},
		{c.User, intelpt.CtlUserAllowed},
		{c.TSC, intelpt.CtlTscEn},
		{c.DisRetc, intelpt.CtlDisRetc},
		{c.Branch, intelpt.CtlBranchEn},
		{c.CycAcc, intelpt.CtlCycEn},
		{c.MTC, intelpt.CtlMtcEn},
	} {
		if bit.set {
			ctl |= bit.mask
		}
	}
	ctl |= uint64(c.MtcFreq) << intelpt.CtlMtcFreqShift
	ctl |= uint64(c.PsbFreq) << intelpt.CtlPsbFreqShift

	out := intelpt.BufferConfig{
		NumChunks:  c.NumChunks,
		ChunkOrder: c.ChunkOrder,
		IsCircular: c.Circular,
		Ctl:        ctl,
		CR3Match:   c.CR3Match,
	}
	for i, r := range c.AddrRanges {
		out.AddrRanges[i] = intelpt.AddrRange{A: r.Start, B: r.End}
		ctlShift := intelpt.CtlAddr0Shift + 4*i
		out.Ctl |= 1 << ctlShift // ADDRn_CFG = 1: filter.
	}
	return out, nil
}
