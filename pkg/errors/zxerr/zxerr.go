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

// Package zxerr contains Zircon status codes exported as error interface
// pointers. Errors of the same code are represented by a single value,
// allowing for fast comparison and return operations.
package zxerr

import (
	"insntrace.dev/insntrace/pkg/abi/zx"
	"insntrace.dev/insntrace/pkg/errors"
)

// The canonical error values for the status space consumed by the trace
// control plane.
var (
	Internal       = errors.New(zx.ErrInternal, "internal error")
	NotSupported   = errors.New(zx.ErrNotSupported, "not supported")
	NoResources    = errors.New(zx.ErrNoResources, "no resources")
	NoMemory       = errors.New(zx.ErrNoMemory, "no memory")
	InvalidArgs    = errors.New(zx.ErrInvalidArgs, "invalid arguments")
	BadHandle      = errors.New(zx.ErrBadHandle, "bad handle")
	OutOfRange     = errors.New(zx.ErrOutOfRange, "out of range")
	BufferTooSmall = errors.New(zx.ErrBufferTooSmall, "buffer too small")
	BadState       = errors.New(zx.ErrBadState, "bad state")
	NotFound       = errors.New(zx.ErrNotFound, "not found")
	AlreadyBound   = errors.New(zx.ErrAlreadyBound, "already bound")
	Unavailable    = errors.New(zx.ErrUnavailable, "unavailable")
	AccessDenied   = errors.New(zx.ErrAccessDenied, "access denied")
)

var statusMap = map[zx.Status]*errors.Error{
	zx.ErrInternal:       Internal,
	zx.ErrNotSupported:   NotSupported,
	zx.ErrNoResources:    NoResources,
	zx.ErrNoMemory:       NoMemory,
	zx.ErrInvalidArgs:    InvalidArgs,
	zx.ErrBadHandle:      BadHandle,
	zx.ErrOutOfRange:     OutOfRange,
	zx.ErrBufferTooSmall: BufferTooSmall,
	zx.ErrBadState:       BadState,
	zx.ErrNotFound:       NotFound,
	zx.ErrAlreadyBound:   AlreadyBound,
	zx.ErrUnavailable:    Unavailable,
	zx.ErrAccessDenied:   AccessDenied,
}

// FromStatus returns the canonical error for a status code. It returns nil
// for zx.OK and Internal for codes outside the consumed status space.
func FromStatus(s zx.Status) error {
	if s == zx.OK {
		return nil
	}
	if err, ok := statusMap[s]; ok {
		return err
	}
	return Internal
}

// Status returns the status code carried by err. A nil err maps to zx.OK;
// an error from outside this package maps to zx.ErrInternal.
func Status(err error) zx.Status {
	if err == nil {
		return zx.OK
	}
	if e, ok := err.(*errors.Error); ok {
		return e.Status()
	}
	return zx.ErrInternal
}
