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
	"encoding/binary"

	"insntrace.dev/insntrace/pkg/abi/intelpt"
	"insntrace.dev/insntrace/pkg/cleanup"
	"insntrace.dev/insntrace/pkg/dma"
	"insntrace.dev/insntrace/pkg/errors/zxerr"
	"insntrace.dev/insntrace/pkg/log"
)

func readEntry(table dma.Memory, idx uint32) uint64 {
	return binary.LittleEndian.Uint64(table.Bytes()[8*idx:])
}

func writeEntry(table dma.Memory, idx uint32, val uint64) {
	binary.LittleEndian.PutUint64(table.Bytes()[8*idx:], val)
}

// computeTopaEntryCount returns the number of ToPA entries needed for
// numChunks chunks, including the END entries across all needed tables.
func computeTopaEntryCount(numChunks uint32) uint32 {
	numEndEntries := (numChunks + intelpt.TopaTableEntries - 2) /
		(intelpt.TopaTableEntries - 1)
	result := numChunks + numEndEntries

	log.Debugf("compute_topa_entry_count: num_entries: %d", numChunks)
	log.Debugf("compute_topa_entry_count: num_end_entries: %d", numEndEntries)
	log.Debugf("compute_topa_entry_count: total entries: %d", result)

	return result
}

// makeTopa fills in the ToPA tables for an allocated slot. A circular
// collection of buffers is set up, even if we're going to apply the stop
// bit to the last entry.
func makeTopa(per *perTraceState) {
	sizeLog2 := per.chunkOrder + intelpt.PageShift

	currTable := uint32(0)
	currIdx := uint32(0)
	lastTable := uint32(0)
	lastIdx := uint32(0)

	for _, chunk := range per.chunks {
		val := intelpt.TopaEntryPhys(chunk.Phys()) | intelpt.TopaEntrySize(sizeLog2)
		writeEntry(per.topas[currTable], currIdx, val)
		lastTable, lastIdx = currTable, currIdx

		// Make sure we leave one at the end of the table for the END
		// marker.
		if currIdx >= intelpt.TopaTableEntries-2 {
			currIdx = 0
			currTable++
		} else {
			currIdx++
		}
	}

	// Populate END entries for completed tables. Assume the table is
	// circular; the stop bit is applied to the last entry below.
	for i := uint32(0); i < currTable; i++ {
		next := i + 1
		if i == per.numTables-1 {
			next = 0
		}
		val := intelpt.TopaEntryPhys(per.topas[next].Phys()) | intelpt.TopaEntryEnd
		writeEntry(per.topas[i], intelpt.TopaTableEntries-1, val)
	}

	// Populate the END entry for a possibly non-full last table.
	if currTable < per.numTables {
		val := intelpt.TopaEntryPhys(per.topas[0].Phys()) | intelpt.TopaEntryEnd
		writeEntry(per.topas[currTable], currIdx, val)
	}

	// Add the STOP flag to the last non-END entry in the tables.
	if !per.isCircular {
		val := readEntry(per.topas[lastTable], lastIdx) | intelpt.TopaEntryStop
		writeEntry(per.topas[lastTable], lastIdx, val)
	}
}

// allocBuffer1 allocates the chunks and ToPA tables for one slot and links
// them. Everything allocated so far is released if any step fails.
func (d *Device) allocBuffer1(per *perTraceState, num, order uint32, isCircular bool) error {
	*per = perTraceState{}

	cu := cleanup.Make(func() { freeBuffer1(per) })
	defer cu.Clean()

	chunkBytes := uint64(intelpt.PageSize) << order
	alignLog2 := intelpt.PageShift + order
	per.chunks = make([]dma.Memory, 0, num)
	for i := uint32(0); i < num; i++ {
		// ToPA entries of size N must be aligned to N, too.
		chunk, err := d.allocator.AllocateContiguous(chunkBytes, alignLog2)
		if err != nil {
			return err
		}
		// Keep track of allocated buffers as we go in case we later
		// fail: we want to be able to free those that got allocated.
		per.chunks = append(per.chunks, chunk)
		per.numChunks++
		// Catch bugs in the allocator. If it doesn't give us a
		// properly aligned buffer we'll get an "operational error"
		// later. See Intel Vol3 36.2.6.2.
		if mask := uint64(1)<<alignLog2 - 1; chunk.Phys()&mask != 0 {
			log.Warningf("chunk has bad alignment: alignment %d, got %#x", alignLog2, chunk.Phys())
			return zxerr.Internal
		}
	}

	per.chunkOrder = order
	per.isCircular = isCircular

	// TODO(dje): No need to allocate the max on the last table.
	entryCount := computeTopaEntryCount(num)
	tableCount := (entryCount + intelpt.TopaTableEntries - 1) /
		intelpt.TopaTableEntries

	if entryCount < 2 {
		log.Infof("invalid ToPA entry count: %d", entryCount)
		return zxerr.InvalidArgs
	}

	// Some early Processor Trace implementations only supported having
	// a table with a single real entry and an END.
	if !d.caps.OutputToPAMulti && entryCount > 2 {
		return zxerr.NotSupported
	}

	per.topas = make([]dma.Memory, 0, tableCount)
	for i := uint32(0); i < tableCount; i++ {
		table, err := d.allocator.AllocateContiguous(8*intelpt.TopaTableEntries, intelpt.PageShift)
		if err != nil {
			return zxerr.NoMemory
		}
		per.topas = append(per.topas, table)
		per.numTables++
	}

	makeTopa(per)

	cu.Release()
	return nil
}

// freeBuffer1 releases a slot's ToPA tables and chunks and returns it to
// the unallocated state.
func freeBuffer1(per *perTraceState) {
	for _, table := range per.topas {
		table.Release()
	}
	for _, chunk := range per.chunks {
		chunk.Release()
	}
	*per = perTraceState{}
}

// computeCaptureSize walks the tables to discover how much data has been
// captured for per. If this is a circular buffer this is just where
// tracing stopped.
func (d *Device) computeCaptureSize(per *perTraceState) uint64 {
	currTablePA := per.outputBase
	currIdx := intelpt.OutputEntryIndex(per.outputMaskPtrs)
	currOffset := intelpt.OutputEntryOffset(per.outputMaskPtrs)

	log.Debugf("compute_capture_size: table %#x, entry %d, offset %d",
		currTablePA, currIdx, currOffset)

	var total uint64
	for _, table := range per.topas {
		tablePA := table.Phys()
		for entry := uint32(0); entry < intelpt.TopaTableEntries-1; entry++ {
			if tablePA == currTablePA && entry >= currIdx {
				return total + uint64(currOffset)
			}
			total += uint64(1) << intelpt.TopaEntryExtractSize(readEntry(table, entry))
		}
	}

	// The register snapshot names a position outside the tables. Treat
	// as a data-quality issue: count it and report an empty capture.
	d.captureMisses.Add(1)
	log.Warningf("unexpectedly exited capture loop")
	return 0
}
