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

//go:build amd64

package cpuid

// allowedFunctions lists the basic cpuid functions the probe is allowed to
// execute. Anything else reads as zeros.
var allowedFunctions = [...]bool{
	vendorID:            true,
	featureInfo:         true,
	extendedFeatureInfo: true,
	ptCapability:        true,
	tscFrequency:        true,
}

// Native executes CPUID on the host.
//
// This implements Function.
type Native struct{}

// native is the native Query function.
func native(in In) (out Out)

// Query executes CPUID natively.
//
// This implements Function.
func (*Native) Query(in In) Out {
	if int(in.Eax) < len(allowedFunctions) && allowedFunctions[in.Eax] {
		return native(in)
	}
	return Out{} // All zeros.
}
