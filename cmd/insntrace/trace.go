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
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"insntrace.dev/insntrace/pkg/abi/intelpt"
	"insntrace.dev/insntrace/pkg/cpuid"
	"insntrace.dev/insntrace/pkg/dma"
	"insntrace.dev/insntrace/pkg/hostcpu"
	"insntrace.dev/insntrace/pkg/insntrace"
	"insntrace.dev/insntrace/pkg/log"
	"insntrace.dev/insntrace/pkg/mtrace"
)

// traceCmd implements subcommands.Command for the "trace" command: one
// full trace cycle against an emulated control channel.
type traceCmd struct {
	configPath string
	duration   time.Duration
	outDir     string
}

// Name implements subcommands.Command.Name.
func (*traceCmd) Name() string {
	return "trace"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*traceCmd) Synopsis() string {
	return "run one alloc/start/stop/free trace cycle and report per-cpu results"
}

// Usage implements subcommands.Command.Usage.
func (*traceCmd) Usage() string {
	return `trace [flags]

Allocates a cpu-mode trace sized for every host cpu, starts it, waits,
stops it and reports how much each cpu captured. The privileged control
channel is emulated in-process, so this exercises the control plane, not
the hardware.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (cmd *traceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.configPath, "config", "", "toml buffer configuration; defaults apply if empty")
	f.DurationVar(&cmd.duration, "duration", time.Second, "how long to trace")
	f.StringVar(&cmd.outDir, "out", "", "directory for per-cpu result files; skipped if empty")
}

// cpuResult is the per-cpu record written to the output directory.
type cpuResult struct {
	CPU        uint32 `json:"cpu"`
	CaptureEnd uint64 `json:"capture_end"`
	NumChunks  uint32 `json:"num_chunks"`
	ChunkOrder uint32 `json:"chunk_order"`
	IsCircular bool   `json:"is_circular"`
}

// Execute implements subcommands.Command.Execute.
func (cmd *traceCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fileConfig, err := loadTraceConfig(cmd.configPath)
	if err != nil {
		return fatalf("loading config: %v", err)
	}
	bufferConfig, err := fileConfig.bufferConfig()
	if err != nil {
		return fatalf("invalid config: %v", err)
	}

	// The emulated channel never reaches MSRs, so the device can run
	// with emulated capabilities even where the host has no trace
	// support.
	caps, err := cpuid.Host()
	if err != nil {
		log.Infof("host has no trace support; emulating a fully featured CPU")
		caps = emulatedCaps()
	}

	numCPUs := hostcpu.Count()
	dev, err := insntrace.New(insntrace.Config{
		Capabilities: caps,
		Allocator:    dma.NewSimAllocator(0),
		Channel:      mtrace.NewEmulator(),
		NumCPUs:      numCPUs,
	})
	if err != nil {
		return fatalf("binding device: %v", err)
	}
	defer dev.Release()

	if err := dev.Open(); err != nil {
		return fatalf("opening device: %v", err)
	}
	if err := dev.AllocTrace(intelpt.TraceConfig{Mode: intelpt.ModeCPUs, NumTraces: numCPUs}); err != nil {
		return fatalf("ALLOC_TRACE: %v", err)
	}
	for cpu := uint32(0); cpu < numCPUs; cpu++ {
		if _, err := dev.AllocBuffer(bufferConfig); err != nil {
			return fatalf("ALLOC_BUFFER for cpu %d: %v", cpu, err)
		}
	}

	if err := dev.Start(); err != nil {
		return fatalf("START: %v", err)
	}
	log.Infof("tracing %d cpus for %v", numCPUs, cmd.duration)
	time.Sleep(cmd.duration)
	if err := dev.Stop(); err != nil {
		return fatalf("STOP: %v", err)
	}

	results := make([]cpuResult, numCPUs)
	var g errgroup.Group
	for cpu := uint32(0); cpu < numCPUs; cpu++ {
		g.Go(func() error {
			info, err := dev.GetBufferInfo(cpu)
			if err != nil {
				return fmt.Errorf("GET_BUFFER_INFO for cpu %d: %w", cpu, err)
			}
			config, err := dev.GetBufferConfig(cpu)
			if err != nil {
				return fmt.Errorf("GET_BUFFER_CONFIG for cpu %d: %w", cpu, err)
			}
			results[cpu] = cpuResult{
				CPU:        cpu,
				CaptureEnd: info.CaptureEnd,
				NumChunks:  config.NumChunks,
				ChunkOrder: config.ChunkOrder,
				IsCircular: config.IsCircular,
			}
			if cmd.outDir == "" {
				return nil
			}
			return writeResult(cmd.outDir, results[cpu])
		})
	}
	if err := g.Wait(); err != nil {
		return fatalf("collecting results: %v", err)
	}

	for _, r := range results {
		fmt.Printf("cpu %d: captured %d bytes of %d\n",
			r.CPU, r.CaptureEnd, uint64(r.NumChunks)<<(r.ChunkOrder+intelpt.PageShift))
	}

	for cpu := uint32(0); cpu < numCPUs; cpu++ {
		if err := dev.FreeBuffer(cpu); err != nil {
			return fatalf("FREE_BUFFER for cpu %d: %v", cpu, err)
		}
	}
	if err := dev.FreeTrace(); err != nil {
		return fatalf("FREE_TRACE: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeResult(dir string, r cpuResult) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("cpu%d.json", r.CPU))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(r)
}

// emulatedCaps describes the CPU the emulated channel pretends to drive.
func emulatedCaps() *cpuid.Capabilities {
	return &cpuid.Capabilities{
		Supported:       true,
		Family:          6,
		Model:           0x5e,
		MtcFreqMask:     0x249,
		CycThreshMask:   0x3fff,
		PsbFreqMask:     0x003f,
		NumAddrRanges:   2,
		AddrCfgMax:      2,
		CR3Filtering:    true,
		PSB:             true,
		IPFiltering:     true,
		MTC:             true,
		PTWrite:         true,
		PowerEvents:     true,
		OutputToPA:      true,
		OutputToPAMulti: true,
	}
}
