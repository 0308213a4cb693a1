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

// Package hostarch describes host page geometry and memory attributes as seen
// by the hashed page table code.
package hostarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a base page.
	PageMask = PageSize - 1

	// MediumPageShift is the binary log of the 64K page size.
	MediumPageShift = 16

	// HugePageShift is the binary log of the 16M page size.
	HugePageShift = 24
)

// PageRoundDown returns addr rounded down to the base page size.
func PageRoundDown(addr uint64) uint64 {
	return addr &^ PageMask
}

// IsPageAligned reports whether addr is aligned to size, which must be a
// power of two.
func IsPageAligned(addr, size uint64) bool {
	return addr&(size-1) == 0
}
