// Copyright 2026 The gVisor Authors.
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

package hpt

// HcallCount returns the number of hypercalls counted with the given call
// and status.
func HcallCount(hcall, status string) uint64 {
	return hcalls.Value(hcall, status)
}

// FaultCount returns the number of faults counted with the given verdict.
func FaultCount(verdict string) uint64 {
	return faults.Value(verdict)
}
