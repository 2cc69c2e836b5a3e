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
	"insntrace.dev/insntrace/pkg/cpuid"
	"insntrace.dev/insntrace/pkg/errors/zxerr"
	"insntrace.dev/insntrace/pkg/log"
)

// settableCtlMask returns the ctl bits a caller may request, given the
// CPU's capabilities. TraceEn and ToPA are never settable; the driver adds
// them when staging.
func settableCtlMask(caps *cpuid.Capabilities) uint64 {
	mask := intelpt.CtlOSAllowed |
		intelpt.CtlUserAllowed |
		intelpt.CtlTscEn |
		intelpt.CtlDisRetc |
		intelpt.CtlBranchEn
	if caps.PTWrite {
		mask |= intelpt.CtlPtwEn | intelpt.CtlFupOnPtw
	}
	if caps.CR3Filtering {
		mask |= intelpt.CtlCR3Filter
	}
	if caps.MTC {
		mask |= intelpt.CtlMtcEn | intelpt.CtlMtcFreqMask
	}
	if caps.PowerEvents {
		mask |= intelpt.CtlPowerEventEn
	}
	if caps.IPFiltering {
		if caps.NumAddrRanges >= 1 {
			mask |= intelpt.CtlAddr0Mask
		}
		if caps.NumAddrRanges >= 2 {
			mask |= intelpt.CtlAddr1Mask
		}
		if caps.NumAddrRanges >= 3 {
			mask |= intelpt.CtlAddr2Mask
		}
		if caps.NumAddrRanges >= 4 {
			mask |= intelpt.CtlAddr3Mask
		}
	}
	if caps.PSB {
		mask |= intelpt.CtlCycEn |
			intelpt.CtlPsbFreqMask |
			intelpt.CtlCycThreshMask
	}
	return mask
}

// validateCtl rejects ctl values that request bits outside the settable
// mask or sub-field values the hardware does not enumerate.
func validateCtl(caps *cpuid.Capabilities, ctl uint64) error {
	settable := settableCtlMask(caps)
	if ctl&^settable != 0 {
		log.Warningf("bad ctl, requested %#x, valid %#x", ctl, settable)
		return zxerr.InvalidArgs
	}

	if freq := intelpt.MtcFreq(ctl); freq != 0 && (1<<freq)&caps.MtcFreqMask == 0 {
		log.Warningf("bad mtc_freq value, requested %#x, valid mask %#x", freq, caps.MtcFreqMask)
		return zxerr.InvalidArgs
	}
	if thresh := intelpt.CycThresh(ctl); thresh != 0 && (1<<thresh)&caps.CycThreshMask == 0 {
		log.Warningf("bad cyc_thresh value, requested %#x, valid mask %#x", thresh, caps.CycThreshMask)
		return zxerr.InvalidArgs
	}
	if freq := intelpt.PsbFreq(ctl); freq != 0 && (1<<freq)&caps.PsbFreqMask == 0 {
		log.Warningf("bad psb_freq value, requested %#x, valid mask %#x", freq, caps.PsbFreqMask)
		return zxerr.InvalidArgs
	}
	return nil
}
