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
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/log"
	"gvisor.dev/hpt/pkg/sync"
)

// unmapFrame removes every translation of gfn, whose rmap word is rmap. The
// entries are left Absent so the next guest access faults to the slow path,
// which may establish a new translation.
//
// Slots are locked before their frame's rmap. Since the chain is found
// through the rmap, slot locks are only tried with the rmap held; on
// contention the rmap is dropped and the walk restarts.
//
// It returns whether any translation was removed.
func (p *Partition) unmapFrame(rmap *uint64, gfn uint64) bool {
	removed := false
	for {
		lockRmap(rmap)
		word := atomic.LoadUint64(rmap)
		if word&RmapPresent == 0 {
			unlockRmap(rmap)
			return removed
		}
		index := word & RmapIndex
		e := &p.hpt[index]
		if !e.tryLock(0) {
			unlockRmap(rmap)
			sync.WaitBitsClear(&e.v, book3s.HPTE_V_HVLOCK)
			continue
		}
		p.unlinkLocked(index, rmap)
		unlockRmap(rmap)
		removed = true

		v := e.loadV() &^ book3s.HPTE_V_HVLOCK
		rev := &p.revmap[index]
		gr := rev.GuestRPTE()
		if psize := PageSize(v, gr); v&book3s.HPTE_V_VALID != 0 && psize != 0 && rpnGFN(gr, psize) == gfn {
			v = p.invalidateLocked(index, true /* absent */)
			// The translation no longer maps emulated MMIO.
			r := e.clearR(book3s.HPTE_R_KEY)
			rcbits := r & rcBits
			if rcbits != 0 {
				orRmap(rmap, rcbits<<RmapRCShift)
				rev.orGuestRPTE(rcbits)
			}
			rmapHarvests.Increment("unmap")
		}
		e.unlock(v)
	}
}

// UnmapFrame removes every translation of gfn. It is called when the host
// translation of the frame is about to change.
func (p *Partition) UnmapFrame(gfn uint64) {
	rmap := p.rmapFor(gfn, true /* includeInvalid */)
	if rmap == nil {
		return
	}
	p.notifier.BeginInvalidate()
	p.unmapFrame(rmap, gfn)
	p.notifier.EndInvalidate()
}

// forEachFrame calls fn for every guest frame backed by host virtual
// addresses in [start, end).
func (p *Partition) forEachFrame(start, end uint64, fn func(m *Memslot, gfn uint64)) {
	for _, m := range p.Memslots() {
		slotEnd := m.UserspaceAddr + m.NPages<<hostarch.PageShift
		hvaStart := max(start, m.UserspaceAddr)
		hvaEnd := min(end, slotEnd)
		if hvaStart >= hvaEnd {
			continue
		}
		first := m.BaseGFN + (hvaStart-m.UserspaceAddr)>>hostarch.PageShift
		last := m.BaseGFN + (hvaEnd-m.UserspaceAddr+hostarch.PageSize-1)>>hostarch.PageShift
		for gfn := first; gfn < last; gfn++ {
			fn(m, gfn)
		}
	}
}

// UnmapHVARange removes every translation of guest frames backed by host
// virtual addresses in [start, end). Enter calls that looked up host
// translations before the unmap completed install their entries Absent.
func (p *Partition) UnmapHVARange(start, end uint64) {
	p.notifier.BeginInvalidate()
	defer p.notifier.EndInvalidate()
	n := 0
	p.forEachFrame(start, end, func(m *Memslot, gfn uint64) {
		// The rmap lock must be taken even for an empty chain: Enter links
		// its entry under that lock after checking for invalidations.
		if p.unmapFrame(&m.rmap[gfn-m.BaseGFN], gfn) {
			n++
		}
	})
	if n > 0 {
		log.Debugf("Partition %d: unmapped %d frames for hva [%#x, %#x)", p.lpid, n, start, end)
	}
}

// AgeFrame clears the referenced state of gfn and returns whether it was
// referenced since the last call. Referenced bits of live entries are
// cleared and their translations invalidated so that the next access sets
// them again.
func (p *Partition) AgeFrame(gfn uint64) bool {
	rmap := p.rmapFor(gfn, true /* includeInvalid */)
	if rmap == nil {
		return false
	}
	ret := false
	for {
		lockRmap(rmap)
		if atomicbitops.AndUint64(rmap, ^RmapReferenced)&RmapReferenced != 0 {
			ret = true
		}
		index, ok := p.referencedInChain(rmap)
		if !ok {
			unlockRmap(rmap)
			return ret
		}
		e := &p.hpt[index]
		if !e.tryLock(0) {
			unlockRmap(rmap)
			sync.WaitBitsClear(&e.v, book3s.HPTE_V_HVLOCK)
			continue
		}
		// The slot can't leave the chain while we hold its lock.
		unlockRmap(rmap)

		v := e.loadV() &^ book3s.HPTE_V_HVLOCK
		if v&book3s.HPTE_V_VALID != 0 && e.loadR()&book3s.HPTE_R_R != 0 {
			r := e.clearR(book3s.HPTE_R_R) &^ book3s.HPTE_R_R
			rb := [1]uint64{ComputeTLBIERB(v, r, index)}
			p.doTLBIEs(rb[:], true /* global */, false /* needSync */)
			p.revmap[index].orGuestRPTE(book3s.HPTE_R_R)
			rmapHarvests.Increment("age")
			ret = true
		}
		e.unlock(v)
	}
}

// referencedInChain returns the first slot in the chain of the locked rmap
// word whose live entry has R set.
//
//go:nosplit
func (p *Partition) referencedInChain(rmap *uint64) (uint64, bool) {
	word := atomic.LoadUint64(rmap)
	if word&RmapPresent == 0 {
		return 0, false
	}
	head := uint32(word & RmapIndex)
	for i := head; ; {
		if p.hpt[i].loadR()&book3s.HPTE_R_R != 0 {
			return uint64(i), true
		}
		i = p.revmap[i].loadForw()
		if i == head {
			return 0, false
		}
	}
}

// TestAgeFrame returns whether gfn was referenced since it was last aged,
// without clearing anything.
func (p *Partition) TestAgeFrame(gfn uint64) bool {
	rmap := p.rmapFor(gfn, true /* includeInvalid */)
	if rmap == nil {
		return false
	}
	if atomic.LoadUint64(rmap)&RmapReferenced != 0 {
		return true
	}
	lockRmap(rmap)
	defer unlockRmap(rmap)
	if atomic.LoadUint64(rmap)&RmapReferenced != 0 {
		return true
	}
	_, ok := p.referencedInChain(rmap)
	return ok
}

// AgeHVARange ages every guest frame backed by host virtual addresses in
// [start, end) and returns whether any was referenced.
func (p *Partition) AgeHVARange(start, end uint64) bool {
	ret := false
	p.forEachFrame(start, end, func(_ *Memslot, gfn uint64) {
		if p.AgeFrame(gfn) {
			ret = true
		}
	})
	return ret
}
