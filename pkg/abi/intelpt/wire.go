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

package intelpt

import (
	"encoding/binary"
)

// Op identifies an operation on the device's control surface.
type Op uint32

// Operations. Request and reply layouts are the wire records below; size
// checking is the dispatcher's job.
const (
	OpAllocTrace Op = iota
	OpFreeTrace
	OpGetTraceConfig
	OpAllocBuffer
	OpAssignThreadBuffer
	OpReleaseThreadBuffer
	OpGetBufferConfig
	OpGetBufferInfo
	OpGetChunkHandle
	OpFreeBuffer
	OpStart
	OpStop
)

// String implements fmt.Stringer.String.
func (op Op) String() string {
	switch op {
	case OpAllocTrace:
		return "ALLOC_TRACE"
	case OpFreeTrace:
		return "FREE_TRACE"
	case OpGetTraceConfig:
		return "GET_TRACE_CONFIG"
	case OpAllocBuffer:
		return "ALLOC_BUFFER"
	case OpAssignThreadBuffer:
		return "ASSIGN_THREAD_BUFFER"
	case OpReleaseThreadBuffer:
		return "RELEASE_THREAD_BUFFER"
	case OpGetBufferConfig:
		return "GET_BUFFER_CONFIG"
	case OpGetBufferInfo:
		return "GET_BUFFER_INFO"
	case OpGetChunkHandle:
		return "GET_CHUNK_HANDLE"
	case OpFreeBuffer:
		return "FREE_BUFFER"
	case OpStart:
		return "START"
	case OpStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// AddrRange is one IP filter range, [A, B].
type AddrRange struct {
	A uint64
	B uint64
}

// TraceConfig is the ALLOC_TRACE request and the GET_TRACE_CONFIG reply.
type TraceConfig struct {
	Mode      Mode
	NumTraces uint32
}

// TraceConfigSize is the wire size of TraceConfig.
const TraceConfigSize = 8

// SizeBytes returns the wire size of tc.
func (tc *TraceConfig) SizeBytes() int { return TraceConfigSize }

// MarshalBytes serializes tc into dst.
func (tc *TraceConfig) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(tc.Mode))
	binary.LittleEndian.PutUint32(dst[4:], tc.NumTraces)
}

// UnmarshalBytes deserializes tc from src.
func (tc *TraceConfig) UnmarshalBytes(src []byte) {
	tc.Mode = Mode(binary.LittleEndian.Uint32(src[0:]))
	tc.NumTraces = binary.LittleEndian.Uint32(src[4:])
}

// BufferConfig is the ALLOC_BUFFER request and the GET_BUFFER_CONFIG reply.
type BufferConfig struct {
	// NumChunks is the number of chunks, each 2^ChunkOrder pages.
	NumChunks uint32

	// ChunkOrder is the log2 size of each chunk, in pages.
	ChunkOrder uint32

	// IsCircular selects a circular buffer; otherwise tracing stops when
	// the buffer fills.
	IsCircular bool

	// Ctl holds the requested IA32_RTIT_CTL value. TraceEn and ToPA are
	// added by the driver at start time.
	Ctl uint64

	// CR3Match is the requested IA32_RTIT_CR3_MATCH value.
	CR3Match uint64

	// AddrRanges are the requested IP filter ranges.
	AddrRanges [MaxNumAddrRanges]AddrRange
}

// BufferConfigSize is the wire size of BufferConfig. IsCircular occupies
// one byte at offset 8; Ctl is aligned up to offset 16.
const BufferConfigSize = 16 + 16 + 16*MaxNumAddrRanges

// SizeBytes returns the wire size of bc.
func (bc *BufferConfig) SizeBytes() int { return BufferConfigSize }

// MarshalBytes serializes bc into dst.
func (bc *BufferConfig) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], bc.NumChunks)
	binary.LittleEndian.PutUint32(dst[4:], bc.ChunkOrder)
	dst[8] = 0
	if bc.IsCircular {
		dst[8] = 1
	}
	for i := 9; i < 16; i++ {
		dst[i] = 0
	}
	binary.LittleEndian.PutUint64(dst[16:], bc.Ctl)
	binary.LittleEndian.PutUint64(dst[24:], bc.CR3Match)
	for i, r := range bc.AddrRanges {
		binary.LittleEndian.PutUint64(dst[32+16*i:], r.A)
		binary.LittleEndian.PutUint64(dst[40+16*i:], r.B)
	}
}

// UnmarshalBytes deserializes bc from src.
func (bc *BufferConfig) UnmarshalBytes(src []byte) {
	bc.NumChunks = binary.LittleEndian.Uint32(src[0:])
	bc.ChunkOrder = binary.LittleEndian.Uint32(src[4:])
	bc.IsCircular = src[8] != 0
	bc.Ctl = binary.LittleEndian.Uint64(src[16:])
	bc.CR3Match = binary.LittleEndian.Uint64(src[24:])
	for i := range bc.AddrRanges {
		bc.AddrRanges[i].A = binary.LittleEndian.Uint64(src[32+16*i:])
		bc.AddrRanges[i].B = binary.LittleEndian.Uint64(src[40+16*i:])
	}
}

// RegisterSet is the fixed-layout register block exchanged with the
// privileged trace facility by STAGE_TRACE_DATA and GET_TRACE_DATA.
type RegisterSet struct {
	Ctl            uint64
	Status         uint64
	OutputBase     uint64
	OutputMaskPtrs uint64
	CR3Match       uint64
	AddrRanges     [MaxNumAddrRanges]AddrRange
}

// RegisterSetSize is the wire size of RegisterSet.
const RegisterSetSize = 40 + 16*MaxNumAddrRanges

// SizeBytes returns the wire size of rs.
func (rs *RegisterSet) SizeBytes() int { return RegisterSetSize }

// MarshalBytes serializes rs into dst.
func (rs *RegisterSet) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], rs.Ctl)
	binary.LittleEndian.PutUint64(dst[8:], rs.Status)
	binary.LittleEndian.PutUint64(dst[16:], rs.OutputBase)
	binary.LittleEndian.PutUint64(dst[24:], rs.OutputMaskPtrs)
	binary.LittleEndian.PutUint64(dst[32:], rs.CR3Match)
	for i, r := range rs.AddrRanges {
		binary.LittleEndian.PutUint64(dst[40+16*i:], r.A)
		binary.LittleEndian.PutUint64(dst[48+16*i:], r.B)
	}
}

// UnmarshalBytes deserializes rs from src.
func (rs *RegisterSet) UnmarshalBytes(src []byte) {
	rs.Ctl = binary.LittleEndian.Uint64(src[0:])
	rs.Status = binary.LittleEndian.Uint64(src[8:])
	rs.OutputBase = binary.LittleEndian.Uint64(src[16:])
	rs.OutputMaskPtrs = binary.LittleEndian.Uint64(src[24:])
	rs.CR3Match = binary.LittleEndian.Uint64(src[32:])
	for i := range rs.AddrRanges {
		rs.AddrRanges[i].A = binary.LittleEndian.Uint64(src[40+16*i:])
		rs.AddrRanges[i].B = binary.LittleEndian.Uint64(src[48+16*i:])
	}
}

// BufferInfo is the GET_BUFFER_INFO reply.
type BufferInfo struct {
	// CaptureEnd is the byte offset, into the logical concatenation of
	// all chunks, at which hardware last wrote. If the buffer is
	// circular this is just where tracing stopped.
	CaptureEnd uint64
}

// BufferInfoSize is the wire size of BufferInfo.
const BufferInfoSize = 8

// SizeBytes returns the wire size of bi.
func (bi *BufferInfo) SizeBytes() int { return BufferInfoSize }

// MarshalBytes serializes bi into dst.
func (bi *BufferInfo) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], bi.CaptureEnd)
}

// UnmarshalBytes deserializes bi from src.
func (bi *BufferInfo) UnmarshalBytes(src []byte) {
	bi.CaptureEnd = binary.LittleEndian.Uint64(src[0:])
}

// ChunkHandleReq is the GET_CHUNK_HANDLE request.
type ChunkHandleReq struct {
	Descriptor uint32
	ChunkNum   uint32
}

// ChunkHandleReqSize is the wire size of ChunkHandleReq.
const ChunkHandleReqSize = 8

// SizeBytes returns the wire size of req.
func (req *ChunkHandleReq) SizeBytes() int { return ChunkHandleReqSize }

// MarshalBytes serializes req into dst.
func (req *ChunkHandleReq) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], req.Descriptor)
	binary.LittleEndian.PutUint32(dst[4:], req.ChunkNum)
}

// UnmarshalBytes deserializes req from src.
func (req *ChunkHandleReq) UnmarshalBytes(src []byte) {
	req.Descriptor = binary.LittleEndian.Uint32(src[0:])
	req.ChunkNum = binary.LittleEndian.Uint32(src[4:])
}

// AssignThreadBuffer is the ASSIGN_THREAD_BUFFER and RELEASE_THREAD_BUFFER
// request. Thread is a raw handle value, opaque to the control plane.
type AssignThreadBuffer struct {
	Descriptor uint32
	Thread     uint32
}

// AssignThreadBufferSize is the wire size of AssignThreadBuffer.
const AssignThreadBufferSize = 8

// SizeBytes returns the wire size of req.
func (req *AssignThreadBuffer) SizeBytes() int { return AssignThreadBufferSize }

// MarshalBytes serializes req into dst.
func (req *AssignThreadBuffer) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], req.Descriptor)
	binary.LittleEndian.PutUint32(dst[4:], req.Thread)
}

// UnmarshalBytes deserializes req from src.
func (req *AssignThreadBuffer) UnmarshalBytes(src []byte) {
	req.Descriptor = binary.LittleEndian.Uint32(src[0:])
	req.Thread = binary.LittleEndian.Uint32(src[4:])
}

// DescriptorSize is the wire size of a buffer descriptor (the ALLOC_BUFFER
// reply and the GET_BUFFER_CONFIG, GET_BUFFER_INFO and FREE_BUFFER request).
const DescriptorSize = 4

// HandleSize is the wire size of a handle value (the GET_CHUNK_HANDLE
// reply).
const HandleSize = 4
