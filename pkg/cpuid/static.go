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

package cpuid

// Static is a static CPUID function with a fixed set of leaves. Missing
// leaves read as zeros, matching hardware behavior for out-of-range
// functions.
//
// This implements Function.
type Static map[In]Out

// Query implements Function.Query.
func (s Static) Query(in In) Out {
	return s[in]
}
