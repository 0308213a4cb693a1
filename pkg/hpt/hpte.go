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

// Package hpt implements hashed page table management for partitioned
// guests: the hypercalls that insert, remove, protect and read guest page
// table entries, the reverse map from guest frames to table slots, TLB
// invalidation, and classification of hashed page table faults.
//
// Handlers run to completion on the calling thread and never block, sleep or
// allocate. They are expected to be called from a realmode.CPU. All waits are
// spins on lock bits embedded in the table and reverse map words. Locks are
// always acquired slot first, then the frame's rmap word. The per-partition
// tlbie lock is only taken inside the invalidation broadcast and never while
// an rmap lock is held.
package hpt

import (
	"sync/atomic"

	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/atomicbitops"
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/sync"
)

// HPTE is one slot of the hashed page table. Both words are accessed with
// atomic operations; v carries the slot's HVLOCK bit.
type HPTE struct {
	v uint64
	r uint64
}

// loadV returns the first word.
//
//go:nosplit
func (e *HPTE) loadV() uint64 {
	return atomic.LoadUint64(&e.v)
}

// loadR returns the second word.
//
//go:nosplit
func (e *HPTE) loadR() uint64 {
	return atomic.LoadUint64(&e.r)
}

// storeR stores the second word. The slot must be locked.
//
//go:nosplit
func (e *HPTE) storeR(r uint64) {
	atomic.StoreUint64(&e.r, r)
}

// clearR clears bits in the second word and returns its old value. The
// slot must be locked; the hardware may still set R/C concurrently.
//
//go:nosplit
func (e *HPTE) clearR(bits uint64) uint64 {
	return atomicbitops.AndUint64(&e.r, ^bits)
}

// storeVLocked updates the first word and keeps the slot locked.
//
//go:nosplit
func (e *HPTE) storeVLocked(v uint64) {
	atomic.StoreUint64(&e.v, v|book3s.HPTE_V_HVLOCK)
}

// tryLock attempts to lock the slot, failing if it is locked or any of busy
// is set. It never retries.
//
//go:nosplit
func (e *HPTE) tryLock(busy uint64) bool {
	return sync.TryLockBits(&e.v, book3s.HPTE_V_HVLOCK, busy)
}

// lock spins until the slot is locked.
//
//go:nosplit
func (e *HPTE) lock() {
	sync.LockBits(&e.v, book3s.HPTE_V_HVLOCK)
}

// unlock publishes v as the new first word, which releases the lock.
//
//go:nosplit
func (e *HPTE) unlock(v uint64) {
	sync.UnlockBits(&e.v, v&^book3s.HPTE_V_HVLOCK)
}

// PageSize decodes the page size of an entry, or returns 0 if the encoding
// is not supported.
//
//go:nosplit
func PageSize(v, r uint64) uint64 {
	if v&book3s.HPTE_V_LARGE == 0 {
		return 1 << hostarch.PageShift
	}
	switch {
	case r&0xf000 == 0x1000:
		return 1 << hostarch.MediumPageShift
	case r&0xff000 == 0:
		return 1 << hostarch.HugePageShift
	default:
		return 0
	}
}

// rpnGFN returns the guest frame an r word maps for a page of psize bytes.
//
//go:nosplit
func rpnGFN(r, psize uint64) uint64 {
	return ((r & book3s.HPTE_R_RPN) &^ (psize - 1)) >> hostarch.PageShift
}

// ComputeTLBIERB returns the tlbie operand that invalidates the translation
// of the entry (v, r) at index.
//
//go:nosplit
func ComputeTLBIERB(v, r, index uint64) uint64 {
	// AVA field.
	rb := (v &^ 0x7f) << 16

	vaLow := index >> 3
	if v&book3s.HPTE_V_SECONDARY != 0 {
		vaLow = ^vaLow
	}
	// XOR out the VSID bits.
	if v&book3s.HPTE_V_1TB_SEG == 0 {
		vaLow ^= v >> 12
	} else {
		vaLow ^= v >> 24
	}
	vaLow &= 0x7ff

	if v&book3s.HPTE_V_LARGE != 0 {
		// L field.
		rb |= 1
		if r&0xff000 != 0 {
			// Not 16M, so 64K: LP encoding, 7 bits of VA in the AVA/LP
			// field, and the AVAL field.
			rb |= 0x1000
			rb |= (vaLow & 0x7f) << 16
			rb |= vaLow & 0xfe
		}
	} else {
		// Remaining 11 bits of VA.
		rb |= (vaLow & 0x7ff) << 12
	}

	// B field.
	rb |= (v >> 54) & 0x300
	return rb
}

// IsWritable returns true if the permission bits of r allow a store at some
// privilege level.
//
//go:nosplit
func IsWritable(r uint64) bool {
	pp := r & (book3s.HPTE_R_PP0 | book3s.HPTE_R_PP)
	return pp != book3s.PP_RXRX && pp != book3s.PP_RXXX
}

// MakeReadonly returns r with its permission bits reduced to read-only.
//
//go:nosplit
func MakeReadonly(r uint64) uint64 {
	if r&book3s.HPTE_R_PP0 != 0 || r&book3s.HPTE_R_PP == book3s.PP_RWXX {
		return (r &^ book3s.HPTE_R_PP) | book3s.PP_RXXX
	}
	return r | book3s.PP_RXRX
}

// readPermission returns true if pp (PP0|PP) allows a load when the segment
// key bit is key.
//
//go:nosplit
func readPermission(pp, key uint64) bool {
	if key != 0 {
		return book3s.PP_RWRX <= pp && pp <= book3s.PP_RXRX
	}
	return true
}

// writePermission returns true if pp (PP0|PP) allows a store when the
// segment key bit is key.
//
//go:nosplit
func writePermission(pp, key uint64) bool {
	if key != 0 {
		return pp == book3s.PP_RWRW
	}
	return pp <= book3s.PP_RWRW
}

// storageKey returns the 5-bit storage key of r.
//
//go:nosplit
func storageKey(r uint64) uint64 {
	return ((r & book3s.HPTE_R_KEY_HI) >> 57) | ((r & book3s.HPTE_R_KEY_LO) >> 9)
}

// storageKeyPerm returns the two AMR bits for the storage key of r. Bit 1
// denies stores and bit 0 denies loads.
//
//go:nosplit
func storageKeyPerm(r, amr uint64) uint64 {
	return (amr >> (62 - 2*storageKey(r))) & 3
}

// cacheFlagsOK checks the WIMG bits of r against the backing memory.
// Ordinary memory must be mapped memory coherent, with the SAO encoding
// W|I|M accepted as coherent. I/O memory must be caching inhibited and not
// write through.
//
//go:nosplit
func cacheFlagsOK(r uint64, io bool) bool {
	wimg := r & book3s.HPTE_R_WIMG
	if wimg == book3s.HPTE_R_W|book3s.HPTE_R_I|book3s.HPTE_R_M {
		wimg = book3s.HPTE_R_M
	}
	if !io {
		return wimg == book3s.HPTE_R_M
	}
	return wimg&(book3s.HPTE_R_W|book3s.HPTE_R_I) == book3s.HPTE_R_I
}
