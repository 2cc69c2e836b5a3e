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

//go:build linux

// Package hostcpu queries the CPU topology of the host.
package hostcpu

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Count returns the number of CPUs usable by the calling process.
func Count() uint32 {
	var s unix.CPUSet
	if err := unix.SchedGetaffinity(0, &s); err != nil {
		return uint32(runtime.NumCPU())
	}
	return uint32(s.Count())
}
