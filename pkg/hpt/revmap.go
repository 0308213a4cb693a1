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

import (
	"sync/atomic"

	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/atomicbitops"
	"gvisor.dev/hpt/pkg/realmode"
	"gvisor.dev/hpt/pkg/sync"
)

// Rmap word layout. There is one rmap word per guest frame of a memslot; it
// is both the head of the frame's reverse map chain and the lock protecting
// that chain.
const (
	RmapLockBit = 63
	RmapLock    = uint64(1) << RmapLockBit
	RmapRCShift = 32

	RmapReferenced = uint64(book3s.HPTE_R_R) << RmapRCShift
	RmapChanged    = uint64(book3s.HPTE_R_C) << RmapRCShift
	RmapPresent    = uint64(1) << 32
	RmapIndex      = uint64(0xffffffff)
)

// RevmapEntry is the reverse map entry of one table slot. Entries of slots
// mapping the same guest frame form a circular doubly linked list through
// forw and back. guestRPTE is the r word as the guest supplied it, before it
// was adjusted for the host backing, plus harvested R/C bits.
type RevmapEntry struct {
	guestRPTE uint64
	forw      uint32
	back      uint32
}

// GuestRPTE returns the guest's view of the slot's r word.
//
//go:nosplit
func (rev *RevmapEntry) GuestRPTE() uint64 {
	return atomic.LoadUint64(&rev.guestRPTE)
}

//go:nosplit
func (rev *RevmapEntry) setGuestRPTE(r uint64) {
	atomic.StoreUint64(&rev.guestRPTE, r)
}

// orGuestRPTE sets bits in the guest r word and returns the new value.
//
//go:nosplit
func (rev *RevmapEntry) orGuestRPTE(bits uint64) uint64 {
	return atomicbitops.OrUint64(&rev.guestRPTE, bits) | bits
}

// clearGuestRPTE clears bits in the guest r word and returns the old value.
//
//go:nosplit
func (rev *RevmapEntry) clearGuestRPTE(bits uint64) uint64 {
	return atomicbitops.AndUint64(&rev.guestRPTE, ^bits)
}

//go:nosplit
func (rev *RevmapEntry) loadForw() uint32 {
	return atomic.LoadUint32(&rev.forw)
}

//go:nosplit
func (rev *RevmapEntry) loadBack() uint32 {
	return atomic.LoadUint32(&rev.back)
}

//go:nosplit
func (rev *RevmapEntry) storeForw(i uint32) {
	atomic.StoreUint32(&rev.forw, i)
}

//go:nosplit
func (rev *RevmapEntry) storeBack(i uint32) {
	atomic.StoreUint32(&rev.back, i)
}

// lockRmap spins until the rmap word is locked.
//
//go:nosplit
func lockRmap(rmap *uint64) {
	sync.LockBits(rmap, RmapLock)
}

// unlockRmap releases the rmap lock, keeping the rest of the word.
//
//go:nosplit
func unlockRmap(rmap *uint64) {
	sync.ReleaseBits(rmap, RmapLock)
}

// setRmapLocked replaces the data bits of a locked rmap word.
//
//go:nosplit
func setRmapLocked(rmap *uint64, val uint64) {
	atomic.StoreUint64(rmap, val|RmapLock)
}

// orRmap sets bits in the rmap word, taking its lock.
//
//go:nosplit
func orRmap(rmap *uint64, bits uint64) {
	lockRmap(rmap)
	atomicbitops.OrUint64(rmap, bits)
	unlockRmap(rmap)
}

// AddRevmapChain links the slot at index into the chain of the frame whose
// rmap word is rmap, as the new head of the chain.
//
// Preconditions: the slot and rmap are locked. The rmap lock is released on
// return.
//
//go:nosplit
func (p *Partition) AddRevmapChain(index uint64, rmap *uint64) {
	rev := &p.revmap[index]
	i := uint32(index)
	word := atomic.LoadUint64(rmap)
	if word&RmapPresent != 0 {
		headIdx := uint32(word & RmapIndex)
		head := &p.revmap[headIdx]
		tailIdx := head.loadBack()
		tail := &p.revmap[tailIdx]
		rev.storeForw(headIdx)
		rev.storeBack(tailIdx)
		tail.storeForw(i)
		head.storeBack(i)
	} else {
		rev.storeForw(i)
		rev.storeBack(i)
	}
	setRmapLocked(rmap, (word&^RmapIndex)|uint64(i)|RmapPresent)
	unlockRmap(rmap)
}

// unlinkLocked removes index from the chain headed by the locked rmap word
// and returns the updated rmap word (lock bit included).
//
//go:nosplit
func (p *Partition) unlinkLocked(index uint64, rmap *uint64) uint64 {
	rev := &p.revmap[index]
	i := uint32(index)
	forw, back := rev.loadForw(), rev.loadBack()
	word := atomic.LoadUint64(rmap)
	if word&RmapPresent == 0 {
		realmode.Halt("slot %d unlinked from an empty rmap chain", index)
	}
	p.revmap[forw].storeBack(back)
	p.revmap[back].storeForw(forw)
	if uint32(word&RmapIndex) == i {
		if forw == i {
			word &^= RmapPresent | RmapIndex
		} else {
			word = (word &^ RmapIndex) | uint64(forw)
		}
	}
	rev.storeForw(i)
	rev.storeBack(i)
	setRmapLocked(rmap, word)
	return word
}

// RemoveRevmapChain unlinks the slot at index from its frame's chain and
// harvests the R/C bits of r into the slot's guest r word and the frame's
// rmap word. v and r are the entry's words, read after the translation was
// invalidated so that the R/C bits are final.
//
// Preconditions: the slot is locked. The rmap lock must not be held.
//
//go:nosplit
func (p *Partition) RemoveRevmapChain(index, v, r uint64) {
	rev := &p.revmap[index]
	rcbits := r & (book3s.HPTE_R_R | book3s.HPTE_R_C)
	ptel := rev.orGuestRPTE(rcbits)
	psize := PageSize(v, ptel)
	if psize == 0 {
		return
	}
	rmap := p.rmapFor(rpnGFN(ptel, psize), true /* includeInvalid */)
	if rmap == nil {
		return
	}
	lockRmap(rmap)
	word := p.unlinkLocked(index, rmap)
	setRmapLocked(rmap, word|rcbits<<RmapRCShift)
	unlockRmap(rmap)
}

// chainIndices returns the slot indices in the chain headed by the locked
// rmap word, starting with the head.
func (p *Partition) chainIndices(rmap *uint64) []uint64 {
	word := atomic.LoadUint64(rmap)
	if word&RmapPresent == 0 {
		return nil
	}
	head := uint32(word & RmapIndex)
	var out []uint64
	for i := head; ; {
		out = append(out, uint64(i))
		i = p.revmap[i].loadForw()
		if i == head {
			return out
		}
		if len(out) > len(p.revmap) {
			realmode.Halt("rmap chain at slot %d does not close", head)
		}
	}
}
