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

// Package mtrace abstracts the privileged trace-control syscall.
//
// The control plane never programs MSRs itself; it forwards
// (kind, action, options, payload) tuples over a Channel and the kernel
// side does the rest. The call is synchronous and bounded.
package mtrace

import (
	"insntrace.dev/insntrace/pkg/abi/zx"
)

// Channel is the privileged control channel.
type Channel interface {
	// Control performs one privileged trace-control operation. options
	// carries the buffer descriptor for per-trace actions. For staging
	// actions payload is read by the callee; for retrieval actions it
	// is filled in by the callee. Payload sizes are fixed per action.
	Control(kind zx.MtraceKind, action zx.MtraceAction, options uint32, payload []byte) error
}
