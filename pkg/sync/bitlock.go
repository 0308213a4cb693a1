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

package sync

import (
	"sync/atomic"
)

// TryLockBits attempts to set lock in *word. It fails if any of lock or busy
// is already set. A failed compare-and-swap is not retried, so callers that
// must not miss a free word have to rescan under a real lock.
//
// There is no owner tracking: whoever holds the bit is responsible for
// clearing it with UnlockBits or ReleaseBits.
//
//go:nosplit
func TryLockBits(word *uint64, lock, busy uint64) bool {
	old := atomic.LoadUint64(word)
	if old&(lock|busy) != 0 {
		return false
	}
	return atomic.CompareAndSwapUint64(word, old, old|lock)
}

// LockBits spins until lock is set in *word by this caller.
//
//go:nosplit
func LockBits(word *uint64, lock uint64) {
	for !TryLockBits(word, lock, 0) {
		Relax()
	}
}

// UnlockBits publishes v as the new value of *word. The caller must hold the
// lock bit, and v must not contain it: the store both releases the lock and
// makes every prior write visible to the next holder.
//
//go:nosplit
func UnlockBits(word *uint64, v uint64) {
	atomic.StoreUint64(word, v)
}

// ReleaseBits clears lock in *word, preserving the rest of the word.
//
//go:nosplit
func ReleaseBits(word *uint64, lock uint64) {
	for {
		old := atomic.LoadUint64(word)
		if old&lock == 0 {
			panic("sync: release of unlocked lock bit")
		}
		if atomic.CompareAndSwapUint64(word, old, old&^lock) {
			return
		}
	}
}

// WaitBitsClear spins while any of bits is set in *word. It does not take
// the lock; callers use it to wait for a holder before retrying from the top.
//
//go:nosplit
func WaitBitsClear(word *uint64, bits uint64) {
	for atomic.LoadUint64(word)&bits != 0 {
		Relax()
	}
}
