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
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"insntrace.dev/insntrace/pkg/cpuid"
	"insntrace.dev/insntrace/pkg/errors/zxerr"
	"insntrace.dev/insntrace/pkg/hostcpu"
)

// probeCmd implements subcommands.Command for the "probe" command.
type probeCmd struct{}

// Name implements subcommands.Command.Name.
func (*probeCmd) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*probeCmd) Synopsis() string {
	return "report the Processor Trace capabilities of the host CPU"
}

// Usage implements subcommands.Command.Usage.
func (*probeCmd) Usage() string {
	return `probe - report the Processor Trace capabilities of the host CPU.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*probeCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*probeCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	caps, err := cpuid.Host()
	if err == zxerr.NotSupported {
		fmt.Println("Processor Trace: not supported")
		return subcommands.ExitFailure
	}
	if err != nil {
		return fatalf("probing cpu: %v", err)
	}

	w := os.Stdout
	fmt.Fprintf(w, "Processor Trace: supported\n")
	fmt.Fprintf(w, "cpu:               family %d model %#x stepping %d\n", caps.Family, caps.Model, caps.Stepping)
	fmt.Fprintf(w, "cpus:              %d\n", hostcpu.Count())
	fmt.Fprintf(w, "bus freq:          %d\n", caps.BusFreq)
	fmt.Fprintf(w, "mtc freq mask:     %#x\n", caps.MtcFreqMask)
	fmt.Fprintf(w, "cyc thresh mask:   %#x\n", caps.CycThreshMask)
	fmt.Fprintf(w, "psb freq mask:     %#x\n", caps.PsbFreqMask)
	fmt.Fprintf(w, "addr ranges:       %d (cfg max %d)\n", caps.NumAddrRanges, caps.AddrCfgMax)
	fmt.Fprintf(w, "cr3 filtering:     %t\n", caps.CR3Filtering)
	fmt.Fprintf(w, "psb/cyc:           %t\n", caps.PSB)
	fmt.Fprintf(w, "ip filtering:      %t\n", caps.IPFiltering)
	fmt.Fprintf(w, "mtc:               %t\n", caps.MTC)
	fmt.Fprintf(w, "ptwrite:           %t\n", caps.PTWrite)
	fmt.Fprintf(w, "power events:      %t\n", caps.PowerEvents)
	fmt.Fprintf(w, "output topa:       %t\n", caps.OutputToPA)
	fmt.Fprintf(w, "output topa multi: %t\n", caps.OutputToPAMulti)
	fmt.Fprintf(w, "output single:     %t\n", caps.OutputSingle)
	fmt.Fprintf(w, "output transport:  %t\n", caps.OutputTransport)
	fmt.Fprintf(w, "lip:               %t\n", caps.LIP)
	return subcommands.ExitSuccess
}
