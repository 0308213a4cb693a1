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

// Package atomicbitops provides extensions to the sync/atomic package.
//
// All read-modify-write operations implemented by this package have
// acquire-release memory ordering (like sync/atomic).
package atomicbitops

import (
	"sync/atomic"
)

// AndUint64 atomically applies bitwise and operation to *addr with val, and
// returns the previous value.
//
//go:nosplit
func AndUint64(addr *uint64, val uint64) uint64 {
	for {
		o := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, o, o&val) {
			return o
		}
	}
}

// OrUint64 atomically applies bitwise or operation to *addr with val, and
// returns the previous value.
//
//go:nosplit
func OrUint64(addr *uint64, val uint64) uint64 {
	for {
		o := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, o, o|val) {
			return o
		}
	}
}

// CompareAndSwapUint64 is like sync/atomic.CompareAndSwapUint64, but returns
// the value previously stored at addr.
//
//go:nosplit
func CompareAndSwapUint64(addr *uint64, old, new uint64) (prev uint64) {
	for {
		prev = atomic.LoadUint64(addr)
		if prev != old {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, new) {
			return
		}
	}
}

// IncUnlessZeroInt32 increments the value stored at the given address and
// returns true; unless the value stored in the pointer is zero, in which case
// it is left unmodified and false is returned.
//
//go:nosplit
func IncUnlessZeroInt32(addr *int32) bool {
	for {
		v := atomic.LoadInt32(addr)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(addr, v, v+1) {
			return true
		}
	}
}
