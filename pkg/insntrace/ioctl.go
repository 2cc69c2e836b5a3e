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
	"insntrace.dev/insntrace/pkg/errors/zxerr"
)

func (d *Device) tracesPresent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.traces.present()
}

// Ioctl dispatches one operation from its wire form: cmd is the request
// payload and replymax the caller's reply capacity. The reply payload is
// returned. Request sizes are exact; undersized reply buffers fail with
// zxerr.BufferTooSmall.
func (d *Device) Ioctl(op intelpt.Op, cmd []byte, replymax int) ([]byte, error) {
	// Nothing but ALLOC_TRACE means anything until the trace exists.
	if op != intelpt.OpAllocTrace && !d.tracesPresent() {
		return nil, zxerr.BadState
	}

	switch op {
	case intelpt.OpAllocTrace:
		if replymax != 0 {
			return nil, zxerr.InvalidArgs
		}
		if len(cmd) != intelpt.TraceConfigSize {
			return nil, zxerr.InvalidArgs
		}
		var config intelpt.TraceConfig
		config.UnmarshalBytes(cmd)
		return nil, d.AllocTrace(config)

	case intelpt.OpFreeTrace:
		if len(cmd) != 0 || replymax != 0 {
			return nil, zxerr.InvalidArgs
		}
		return nil, d.FreeTrace()

	case intelpt.OpGetTraceConfig:
		if len(cmd) != 0 {
			return nil, zxerr.InvalidArgs
		}
		config, err := d.GetTraceConfig()
		if err != nil {
			return nil, err
		}
		if replymax < config.SizeBytes() {
			return nil, zxerr.BufferTooSmall
		}
		reply := make([]byte, config.SizeBytes())
		config.MarshalBytes(reply)
		return reply, nil

	case intelpt.OpAllocBuffer:
		if len(cmd) != intelpt.BufferConfigSize {
			return nil, zxerr.InvalidArgs
		}
		if replymax < intelpt.DescriptorSize {
			return nil, zxerr.BufferTooSmall
		}
		var config intelpt.BufferConfig
		config.UnmarshalBytes(cmd)
		descriptor, err := d.AllocBuffer(config)
		if err != nil {
			return nil, err
		}
		reply := make([]byte, intelpt.DescriptorSize)
		binary.LittleEndian.PutUint32(reply, descriptor)
		return reply, nil

	case intelpt.OpAssignThreadBuffer, intelpt.OpReleaseThreadBuffer:
		if replymax != 0 {
			return nil, zxerr.InvalidArgs
		}
		if len(cmd) != intelpt.AssignThreadBufferSize {
			return nil, zxerr.InvalidArgs
		}
		var req intelpt.AssignThreadBuffer
		req.UnmarshalBytes(cmd)
		if op == intelpt.OpAssignThreadBuffer {
			return nil, d.AssignThreadBuffer(req.Descriptor, req.Thread)
		}
		return nil, d.ReleaseThreadBuffer(req.Descriptor, req.Thread)

	case intelpt.OpGetBufferConfig:
		if len(cmd) != intelpt.DescriptorSize {
			return nil, zxerr.InvalidArgs
		}
		if replymax < intelpt.BufferConfigSize {
			return nil, zxerr.BufferTooSmall
		}
		config, err := d.GetBufferConfig(binary.LittleEndian.Uint32(cmd))
		if err != nil {
			return nil, err
		}
		reply := make([]byte, config.SizeBytes())
		config.MarshalBytes(reply)
		return reply, nil

	case intelpt.OpGetBufferInfo:
		if len(cmd) != intelpt.DescriptorSize {
			return nil, zxerr.InvalidArgs
		}
		if replymax < intelpt.BufferInfoSize {
			return nil, zxerr.BufferTooSmall
		}
		info, err := d.GetBufferInfo(binary.LittleEndian.Uint32(cmd))
		if err != nil {
			return nil, err
		}
		reply := make([]byte, info.SizeBytes())
		info.MarshalBytes(reply)
		return reply, nil

	case intelpt.OpGetChunkHandle:
		if len(cmd) != intelpt.ChunkHandleReqSize {
			return nil, zxerr.InvalidArgs
		}
		if replymax < intelpt.HandleSize {
			return nil, zxerr.BufferTooSmall
		}
		var req intelpt.ChunkHandleReq
		req.UnmarshalBytes(cmd)
		h, err := d.GetChunkHandle(req.Descriptor, req.ChunkNum)
		if err != nil {
			return nil, err
		}
		reply := make([]byte, intelpt.HandleSize)
		binary.LittleEndian.PutUint32(reply, h.ID())
		return reply, nil

	case intelpt.OpFreeBuffer:
		if replymax != 0 {
			return nil, zxerr.InvalidArgs
		}
		if len(cmd) != intelpt.DescriptorSize {
			return nil, zxerr.InvalidArgs
		}
		return nil, d.FreeBuffer(binary.LittleEndian.Uint32(cmd))

	case intelpt.OpStart:
		if len(cmd) != 0 || replymax != 0 {
			return nil, zxerr.InvalidArgs
		}
		return nil, d.Start()

	case intelpt.OpStop:
		if len(cmd) != 0 || replymax != 0 {
			return nil, zxerr.InvalidArgs
		}
		return nil, d.Stop()

	default:
		return nil, zxerr.InvalidArgs
	}
}
