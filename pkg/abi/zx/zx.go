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

// Package zx defines the subset of the Zircon ABI consumed by the trace
// control plane: status codes, handle rights, and the mtrace control
// surface.
package zx

// Status is a Zircon status code. OK is zero, errors are negative.
type Status int32

// Status codes, as defined by the external status space.
const (
	OK Status = 0

	ErrInternal       Status = -1
	ErrNotSupported   Status = -2
	ErrNoResources    Status = -3
	ErrNoMemory       Status = -4
	ErrInvalidArgs    Status = -10
	ErrBadHandle      Status = -11
	ErrOutOfRange     Status = -14
	ErrBufferTooSmall Status = -15
	ErrBadState       Status = -20
	ErrNotFound       Status = -25
	ErrAlreadyBound   Status = -27
	ErrUnavailable    Status = -28
	ErrAccessDenied   Status = -30
)

// Rights is a bitmask of operations permitted on a handle.
type Rights uint32

// Handle rights.
const (
	RightNone        Rights = 0
	RightDuplicate   Rights = 1 << 0
	RightTransfer    Rights = 1 << 1
	RightRead        Rights = 1 << 2
	RightWrite       Rights = 1 << 3
	RightExecute     Rights = 1 << 4
	RightMap         Rights = 1 << 5
	RightGetProperty Rights = 1 << 6
	RightSetProperty Rights = 1 << 7
	RightSignal      Rights = 1 << 12
	RightWait        Rights = 1 << 14
	RightInspect     Rights = 1 << 15
)

// MtraceKind selects the tracing facility addressed by an mtrace control
// call.
type MtraceKind uint32

// MtraceKindInsntrace addresses the instruction-trace facility.
const MtraceKindInsntrace MtraceKind = 0

// MtraceAction is the operation requested of the mtrace facility.
type MtraceAction uint32

// Instruction-trace actions.
const (
	MtraceInsntraceAllocTrace MtraceAction = iota
	MtraceInsntraceFreeTrace
	MtraceInsntraceStageTraceData
	MtraceInsntraceGetTraceData
	MtraceInsntraceStart
	MtraceInsntraceStop
)
