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
	"testing"

	"github.com/google/go-cmp/cmp"
	"insntrace.dev/insntrace/pkg/abi/intelpt"
	"insntrace.dev/insntrace/pkg/abi/zx"
	"insntrace.dev/insntrace/pkg/cpuid"
	"insntrace.dev/insntrace/pkg/dma"
	"insntrace.dev/insntrace/pkg/errors/zxerr"
	"insntrace.dev/insntrace/pkg/mtrace"
)

func cpusConfig(n uint32) intelpt.TraceConfig {
	return intelpt.TraceConfig{Mode: intelpt.ModeCPUs, NumTraces: n}
}

func smallBuffer() intelpt.BufferConfig {
	return intelpt.BufferConfig{
		NumChunks:  4,
		ChunkOrder: 0,
		IsCircular: true,
		Ctl:        intelpt.CtlTscEn | intelpt.CtlBranchEn,
	}
}

// slotSnapshot is the observable state of one slot, for before/after
// comparison around rejected operations.
type slotSnapshot struct {
	Allocated, Assigned   bool
	NumChunks, NumTables  uint32
	ChunkOrder            uint32
	IsCircular            bool
	Ctl, OutputBase       uint64
	OutputMaskPtrs        uint64
	CR3Match              uint64
}

type deviceSnapshot struct {
	Mode    intelpt.Mode
	Active  bool
	Present bool
	Slots   []slotSnapshot
}

func snapshot(d *Device) deviceSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := deviceSnapshot{
		Mode:    d.mode,
		Active:  d.active,
		Present: d.traces.present(),
	}
	for i := range d.traces.slots {
		per := &d.traces.slots[i]
		s.Slots = append(s.Slots, slotSnapshot{
			Allocated:      per.allocated,
			Assigned:       per.assigned,
			NumChunks:      per.numChunks,
			NumTables:      per.numTables,
			ChunkOrder:     per.chunkOrder,
			IsCircular:     per.isCircular,
			Ctl:            per.ctl,
			OutputBase:     per.outputBase,
			OutputMaskPtrs: per.outputMaskPtrs,
			CR3Match:       per.cr3Match,
		})
	}
	return s
}

// expectUnchanged runs op, expects it to fail with want, and verifies the
// device state is untouched.
func expectUnchanged(t *testing.T, d *Device, want error, name string, op func() error) {
	t.Helper()
	before := snapshot(d)
	if err := op(); err != want {
		t.Errorf("%s got %v, want %v", name, err, want)
	}
	if diff := cmp.Diff(before, snapshot(d)); diff != "" {
		t.Errorf("%s mutated state (-before +after):\n%s", name, diff)
	}
}

func TestBasicCycle(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev

	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for want := uint32(0); want < 2; want++ {
		descriptor, err := d.AllocBuffer(smallBuffer())
		if err != nil {
			t.Fatalf("AllocBuffer: %v", err)
		}
		if descriptor != want {
			t.Errorf("AllocBuffer returned descriptor %d, want %d", descriptor, want)
		}
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !env.emulator.Started() {
		t.Error("START was not forwarded to the control channel")
	}

	// Each cpu's staged ctl carries TraceEn and ToPA on top of the
	// requested bits.
	for cpu := uint32(0); cpu < 2; cpu++ {
		regs, ok := env.emulator.Staged(cpu)
		if !ok {
			t.Fatalf("cpu %d was never staged", cpu)
		}
		wantCtl := intelpt.CtlTscEn | intelpt.CtlBranchEn | intelpt.CtlToPA | intelpt.CtlTraceEn
		if regs.Ctl != wantCtl {
			t.Errorf("cpu %d staged ctl %#x, want %#x", cpu, regs.Ctl, wantCtl)
		}
		if regs.OutputBase == 0 || regs.OutputMaskPtrs != 0 {
			t.Errorf("cpu %d staged output_base %#x, mask_ptrs %#x", cpu, regs.OutputBase, regs.OutputMaskPtrs)
		}
	}

	// Simulate hardware progress on cpu 0: one full entry plus 100
	// bytes.
	regs, _ := env.emulator.Staged(0)
	regs.OutputMaskPtrs = 1<<intelpt.OutputMaskTableShift | 100<<intelpt.OutputOffsetShift
	env.emulator.SetTraceData(0, regs)

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	info, err := d.GetBufferInfo(0)
	if err != nil {
		t.Fatalf("GetBufferInfo: %v", err)
	}
	if want := uint64(intelpt.PageSize + 100); info.CaptureEnd != want {
		t.Errorf("capture end %d, want %d", info.CaptureEnd, want)
	}
	if max := uint64(4 * intelpt.PageSize); info.CaptureEnd > max {
		t.Errorf("capture end %d exceeds buffer size %d", info.CaptureEnd, max)
	}

	for descriptor := uint32(0); descriptor < 2; descriptor++ {
		if err := d.FreeBuffer(descriptor); err != nil {
			t.Fatalf("FreeBuffer(%d): %v", descriptor, err)
		}
	}
	if err := d.FreeTrace(); err != nil {
		t.Fatalf("FreeTrace: %v", err)
	}
	if live := env.allocator.Live(); live != 0 {
		t.Errorf("%d allocations leaked", live)
	}
}

func TestAllocTracePreconditions(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev

	expectUnchanged(t, d, zxerr.NotSupported, "AllocTrace(threads)", func() error {
		return d.AllocTrace(intelpt.TraceConfig{Mode: intelpt.ModeThreads, NumTraces: 1})
	})
	expectUnchanged(t, d, zxerr.InvalidArgs, "AllocTrace(unknown mode)", func() error {
		return d.AllocTrace(intelpt.TraceConfig{Mode: 7, NumTraces: 2})
	})
	expectUnchanged(t, d, zxerr.InvalidArgs, "AllocTrace(wrong cpu count)", func() error {
		return d.AllocTrace(cpusConfig(3))
	})
	expectUnchanged(t, d, zxerr.BadState, "GetTraceConfig before alloc", func() error {
		_, err := d.GetTraceConfig()
		return err
	})

	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	expectUnchanged(t, d, zxerr.BadState, "second AllocTrace", func() error {
		return d.AllocTrace(cpusConfig(2))
	})

	config, err := d.GetTraceConfig()
	if err != nil {
		t.Fatalf("GetTraceConfig: %v", err)
	}
	if config.Mode != intelpt.ModeCPUs || config.NumTraces != 2 {
		t.Errorf("GetTraceConfig returned %+v", config)
	}
}

func TestAllocTraceUnsupportedCPU(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*cpuid.Capabilities)
	}{
		{"no trace support", func(c *cpuid.Capabilities) { c.Supported = false }},
		{"no topa output", func(c *cpuid.Capabilities) { c.OutputToPA = false }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			caps := testCaps()
			tc.mutate(caps)
			env := newTestEnv(t, caps, 2)
			if err := env.dev.AllocTrace(cpusConfig(2)); err != zxerr.NotSupported {
				t.Errorf("AllocTrace got %v, want %v", err, zxerr.NotSupported)
			}
		})
	}
}

func TestAllocTraceMaxTraces(t *testing.T) {
	env := newTestEnv(t, testCaps(), intelpt.MaxNumTraces+1)
	if err := env.dev.AllocTrace(cpusConfig(intelpt.MaxNumTraces + 1)); err != zxerr.InvalidArgs {
		t.Errorf("AllocTrace got %v, want %v", err, zxerr.InvalidArgs)
	}
}

func TestAllocTraceChannelFailure(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	env.emulator.FailOn(zx.MtraceInsntraceAllocTrace, zxerr.NoMemory)

	if err := env.dev.AllocTrace(cpusConfig(2)); err != zxerr.NoMemory {
		t.Fatalf("AllocTrace got %v, want %v", err, zxerr.NoMemory)
	}
	// The vector allocation was undone; a later attempt succeeds.
	env.emulator.FailOn(zx.MtraceInsntraceAllocTrace, nil)
	if err := env.dev.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace after failure got %v, want nil", err)
	}
}

func TestAllocBufferValidation(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}

	alloc := func(config intelpt.BufferConfig) func() error {
		return func() error {
			_, err := d.AllocBuffer(config)
			return err
		}
	}

	zero := smallBuffer()
	zero.NumChunks = 0
	expectUnchanged(t, d, zxerr.InvalidArgs, "zero chunks", alloc(zero))

	many := smallBuffer()
	many.NumChunks = intelpt.MaxNumChunks + 1
	expectUnchanged(t, d, zxerr.InvalidArgs, "too many chunks", alloc(many))

	order := smallBuffer()
	order.ChunkOrder = intelpt.MaxChunkOrder + 1
	expectUnchanged(t, d, zxerr.InvalidArgs, "chunk order too large", alloc(order))

	// 4096 chunks of 2^8 pages is 4GiB, over the per-trace budget.
	huge := smallBuffer()
	huge.NumChunks = intelpt.MaxNumChunks
	huge.ChunkOrder = intelpt.MaxChunkOrder
	expectUnchanged(t, d, zxerr.InvalidArgs, "over space budget", alloc(huge))

	badCtl := smallBuffer()
	badCtl.Ctl |= intelpt.CtlTraceEn
	expectUnchanged(t, d, zxerr.InvalidArgs, "ctl outside settable mask", alloc(badCtl))

	if live := env.allocator.Live(); live != 0 {
		t.Errorf("%d allocations leaked by rejected requests", live)
	}
}

func TestAllocBufferCapabilityRejection(t *testing.T) {
	caps := testCaps()
	caps.CR3Filtering = false
	env := newTestEnv(t, caps, 2)
	if err := env.dev.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}

	config := smallBuffer()
	config.Ctl |= intelpt.CtlCR3Filter
	if _, err := env.dev.AllocBuffer(config); err != zxerr.InvalidArgs {
		t.Errorf("AllocBuffer with CR3_FILTER got %v, want %v", err, zxerr.InvalidArgs)
	}
}

func TestAllocBufferNoResources(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.AllocBuffer(smallBuffer()); err != nil {
			t.Fatalf("AllocBuffer: %v", err)
		}
	}
	if _, err := d.AllocBuffer(smallBuffer()); err != zxerr.NoResources {
		t.Errorf("AllocBuffer with all slots allocated got %v, want %v", err, zxerr.NoResources)
	}

	// Freeing one slot makes its descriptor available again.
	if err := d.FreeBuffer(1); err != nil {
		t.Fatalf("FreeBuffer: %v", err)
	}
	descriptor, err := d.AllocBuffer(smallBuffer())
	if err != nil {
		t.Fatalf("AllocBuffer after free: %v", err)
	}
	if descriptor != 1 {
		t.Errorf("AllocBuffer returned descriptor %d, want 1", descriptor)
	}
}

func TestBufferConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}

	config := intelpt.BufferConfig{
		NumChunks:  8,
		ChunkOrder: 2,
		IsCircular: false,
		Ctl:        intelpt.CtlOSAllowed | intelpt.CtlUserAllowed | intelpt.CtlBranchEn | intelpt.CtlCR3Filter,
		CR3Match:   0x12345000,
	}
	config.AddrRanges[0] = intelpt.AddrRange{A: 0x400000, B: 0x500000}

	descriptor, err := d.AllocBuffer(config)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	got, err := d.GetBufferConfig(descriptor)
	if err != nil {
		t.Fatalf("GetBufferConfig: %v", err)
	}
	if diff := cmp.Diff(config, got); diff != "" {
		t.Errorf("GetBufferConfig differs from allocation (-want +got):\n%s", diff)
	}

	if _, err := d.GetBufferConfig(descriptor + 5); err != zxerr.InvalidArgs {
		t.Errorf("GetBufferConfig(out of range) got %v, want %v", err, zxerr.InvalidArgs)
	}
	if _, err := d.GetBufferConfig(1); err != zxerr.InvalidArgs {
		t.Errorf("GetBufferConfig(unallocated) got %v, want %v", err, zxerr.InvalidArgs)
	}
}

func TestLifecycleWhileActive(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.AllocBuffer(smallBuffer()); err != nil {
			t.Fatalf("AllocBuffer: %v", err)
		}
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	expectUnchanged(t, d, zxerr.BadState, "FreeBuffer while active", func() error {
		return d.FreeBuffer(0)
	})
	expectUnchanged(t, d, zxerr.BadState, "FreeTrace while active", func() error {
		return d.FreeTrace()
	})
	expectUnchanged(t, d, zxerr.BadState, "Start while active", func() error {
		return d.Start()
	})
	expectUnchanged(t, d, zxerr.BadState, "GetBufferInfo while active", func() error {
		_, err := d.GetBufferInfo(0)
		return err
	})

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.FreeBuffer(0); err != nil {
		t.Errorf("FreeBuffer after stop got %v, want nil", err)
	}
}

func TestStartPreconditions(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev

	expectUnchanged(t, d, zxerr.BadState, "Start before AllocTrace", func() error {
		return d.Start()
	})
	expectUnchanged(t, d, zxerr.BadState, "Stop before AllocTrace", func() error {
		return d.Stop()
	})

	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	if _, err := d.AllocBuffer(smallBuffer()); err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	// cpu 1 has no buffer yet.
	expectUnchanged(t, d, zxerr.BadState, "Start with missing buffer", func() error {
		return d.Start()
	})
	expectUnchanged(t, d, zxerr.BadState, "Stop while inactive", func() error {
		return d.Stop()
	})
}

func TestStartStagesEachCPU(t *testing.T) {
	env := newTestEnv(t, testCaps(), 4)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(4)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := d.AllocBuffer(smallBuffer()); err != nil {
			t.Fatalf("AllocBuffer: %v", err)
		}
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for cpu := uint32(0); cpu < 4; cpu++ {
		if _, ok := env.emulator.Staged(cpu); !ok {
			t.Errorf("cpu %d was never staged", cpu)
		}
	}
}

// flakyChannel fails the nth STAGE_TRACE_DATA call.
type flakyChannel struct {
	inner     mtrace.Channel
	failAt    int
	stageSeen int
}

func (c *flakyChannel) Control(kind zx.MtraceKind, action zx.MtraceAction, options uint32, payload []byte) error {
	if action == zx.MtraceInsntraceStageTraceData {
		c.stageSeen++
		if c.stageSeen == c.failAt {
			return zxerr.NoMemory
		}
	}
	return c.inner.Control(kind, action, options, payload)
}

func TestStartPartialStageFailureSealsDevice(t *testing.T) {
	allocator := dma.NewSimAllocator(0)
	channel := &flakyChannel{inner: mtrace.NewEmulator(), failAt: 2}
	d, err := New(Config{
		Capabilities: testCaps(),
		Allocator:    allocator,
		Channel:      channel,
		NumCPUs:      2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.AllocBuffer(smallBuffer()); err != nil {
			t.Fatalf("AllocBuffer: %v", err)
		}
	}

	// cpu 0 stages, cpu 1 fails: the device seals itself since the
	// staged cpu cannot be unstaged.
	if err := d.Start(); err != zxerr.NoMemory {
		t.Fatalf("Start got %v, want %v", err, zxerr.NoMemory)
	}
	if err := d.Start(); err != zxerr.BadState {
		t.Errorf("Start on sealed device got %v, want %v", err, zxerr.BadState)
	}
	if _, err := d.GetBufferConfig(0); err != zxerr.BadState {
		t.Errorf("GetBufferConfig on sealed device got %v, want %v", err, zxerr.BadState)
	}

	// Release still tears everything down.
	d.Release()
	if live := allocator.Live(); live != 0 {
		t.Errorf("%d allocations leaked by sealed device", live)
	}
}

func TestStartFirstStageFailureLeavesDeviceUsable(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.AllocBuffer(smallBuffer()); err != nil {
			t.Fatalf("AllocBuffer: %v", err)
		}
	}

	env.emulator.FailOn(zx.MtraceInsntraceStageTraceData, zxerr.NoMemory)
	expectUnchanged(t, d, zxerr.NoMemory, "Start with first stage failing", func() error {
		return d.Start()
	})

	env.emulator.FailOn(zx.MtraceInsntraceStageTraceData, nil)
	if err := d.Start(); err != nil {
		t.Errorf("Start after failure cleared got %v, want nil", err)
	}
}

func TestStartControlFailure(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.AllocBuffer(smallBuffer()); err != nil {
			t.Fatalf("AllocBuffer: %v", err)
		}
	}

	env.emulator.FailOn(zx.MtraceInsntraceStart, zxerr.Internal)
	if err := d.Start(); err != zxerr.Internal {
		t.Fatalf("Start got %v, want %v", err, zxerr.Internal)
	}

	// active never became true; the staged cpus remain assigned, so
	// teardown has to go through release.
	if err := d.Stop(); err != zxerr.BadState {
		t.Errorf("Stop after failed start got %v, want %v", err, zxerr.BadState)
	}
	if err := d.FreeTrace(); err != zxerr.BadState {
		t.Errorf("FreeTrace with assigned buffers got %v, want %v", err, zxerr.BadState)
	}

	d.Release()
	if live := env.allocator.Live(); live != 0 {
		t.Errorf("%d allocations leaked", live)
	}
}

func TestStopReportsOperationalError(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.AllocBuffer(smallBuffer()); err != nil {
			t.Fatalf("AllocBuffer: %v", err)
		}
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	regs, _ := env.emulator.Staged(1)
	regs.Status |= intelpt.StatusError
	env.emulator.SetTraceData(1, regs)

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The snapshot, error bit included, lands back in the slot and the
	// buffers are unassigned.
	s := snapshot(d)
	if s.Slots[0].Assigned || s.Slots[1].Assigned {
		t.Error("slots still assigned after stop")
	}
	d.mu.Lock()
	status := d.traces.slots[1].status
	d.mu.Unlock()
	if status&intelpt.StatusErrorMask == 0 {
		t.Errorf("cpu 1 status %#x lost the error bit", status)
	}
}

func TestFreeTraceChannelFailureMarksUnusable(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}

	env.emulator.FailOn(zx.MtraceInsntraceFreeTrace, zxerr.Internal)
	if err := d.FreeTrace(); err != nil {
		t.Fatalf("FreeTrace got %v, want nil (failure is logged, not returned)", err)
	}

	// The device is now unusable.
	if _, err := d.GetTraceConfig(); err != zxerr.BadState {
		t.Errorf("GetTraceConfig got %v, want %v", err, zxerr.BadState)
	}
	if err := d.AllocTrace(cpusConfig(2)); err != zxerr.BadState {
		t.Errorf("AllocTrace got %v, want %v", err, zxerr.BadState)
	}
}

func TestFreeTraceIdempotence(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	if err := d.FreeTrace(); err != nil {
		t.Fatalf("FreeTrace: %v", err)
	}
	if err := d.FreeTrace(); err != zxerr.BadState {
		t.Errorf("second FreeTrace got %v, want %v", err, zxerr.BadState)
	}

	// The cycle can run again after a clean teardown.
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Errorf("AllocTrace after FreeTrace got %v, want nil", err)
	}
}

func TestGetChunkHandle(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	descriptor, err := d.AllocBuffer(smallBuffer())
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	h, err := d.GetChunkHandle(descriptor, 2)
	if err != nil {
		t.Fatalf("GetChunkHandle: %v", err)
	}
	want := zx.RightTransfer | zx.RightWait | zx.RightInspect |
		zx.RightGetProperty | zx.RightRead | zx.RightMap
	if got := h.Rights(); got != want {
		t.Errorf("duplicated handle carries rights %#x, want %#x", got, want)
	}
	if _, err := h.Duplicate(zx.RightWrite); err != zxerr.AccessDenied {
		t.Errorf("write access through chunk handle got %v, want %v", err, zxerr.AccessDenied)
	}

	if _, err := d.GetChunkHandle(descriptor, 4); err != zxerr.InvalidArgs {
		t.Errorf("GetChunkHandle(chunk out of range) got %v, want %v", err, zxerr.InvalidArgs)
	}
	if _, err := d.GetChunkHandle(9, 0); err != zxerr.InvalidArgs {
		t.Errorf("GetChunkHandle(descriptor out of range) got %v, want %v", err, zxerr.InvalidArgs)
	}
}

func TestThreadModeStubs(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	if err := env.dev.AssignThreadBuffer(0, 0); err != zxerr.NotSupported {
		t.Errorf("AssignThreadBuffer got %v, want %v", err, zxerr.NotSupported)
	}
	if err := env.dev.ReleaseThreadBuffer(0, 0); err != zxerr.NotSupported {
		t.Errorf("ReleaseThreadBuffer got %v, want %v", err, zxerr.NotSupported)
	}
}

func TestOpenClose(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.Open(); err != zxerr.AlreadyBound {
		t.Errorf("second Open got %v, want %v", err, zxerr.AlreadyBound)
	}
	d.Close()
	if err := d.Open(); err != nil {
		t.Errorf("Open after Close got %v, want nil", err)
	}
}

func TestReleaseMidTrace(t *testing.T) {
	env := newTestEnv(t, testCaps(), 2)
	d := env.dev
	if err := d.AllocTrace(cpusConfig(2)); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.AllocBuffer(smallBuffer()); err != nil {
			t.Fatalf("AllocBuffer: %v", err)
		}
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Release while tracing: stop is forced, buffers are freed, and
	// the device refuses everything afterwards.
	d.Release()
	if env.emulator.Started() {
		t.Error("tracing still running after release")
	}
	if live := env.allocator.Live(); live != 0 {
		t.Errorf("%d allocations leaked by release", live)
	}
	if err := d.Open(); err != zxerr.BadState {
		t.Errorf("Open after release got %v, want %v", err, zxerr.BadState)
	}
	if err := d.AllocTrace(cpusConfig(2)); err != zxerr.BadState {
		t.Errorf("AllocTrace after release got %v, want %v", err, zxerr.BadState)
	}

	// Releasing again is harmless.
	d.Release()
}
