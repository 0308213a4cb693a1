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
	"gvisor.dev/hpt/pkg/bits"
	"gvisor.dev/hpt/pkg/hostarch"
)

// Enter implements H_ENTER: it inserts the entry (pteh, ptel) in the group
// of pteIndex, or exactly at pteIndex if flags has H_EXACT. It returns the
// chosen slot index and a hypercall status.
//
// The guest physical address in ptel is translated to a host physical
// address. A frame with no backing (emulated MMIO, or a host page that is
// not present) is inserted Absent, so that the first access faults to the
// slow path.
func (c *VCPU) Enter(flags, pteIndex, pteh, ptel uint64) (uint64, int64) {
	p := c.partition

	psize := PageSize(pteh, ptel)
	if psize == 0 {
		return 0, book3s.H_PARAMETER
	}
	writing := IsWritable(ptel)
	pteh &^= book3s.HPTE_V_HVLOCK | book3s.HPTE_V_ABSENT | book3s.HPTE_V_VALID
	gptel := ptel

	// Snapshot the invalidation sequence before looking at the memslot
	// and host translations. An invalidation after this point is detected
	// below, with the rmap locked.
	seq := p.notifier.Snapshot()

	gpa := (ptel & book3s.HPTE_R_RPN) &^ (psize - 1)
	gfn := gpa >> hostarch.PageShift
	m := p.lookupMemslot(gfn)
	var rmap *uint64
	if m == nil || m.Invalid() {
		// Emulated MMIO. The maximal storage key makes every access a
		// key fault that is routed to the emulator.
		pteh |= book3s.HPTE_V_ABSENT
		ptel |= book3s.HPTE_R_KEY_HI | book3s.HPTE_R_KEY_LO
	} else {
		if !m.isAligned(psize) {
			return 0, book3s.H_PARAMETER
		}
		rmap = &m.rmap[gfn-m.BaseGFN]

		var (
			pteSize uint64
			hostPA  uint64
			io      bool
		)
		if !p.usingMMUNotifiers {
			entry := m.slotPhys[gfn-m.BaseGFN]
			if entry == 0 {
				return 0, book3s.H_TOO_HARD
			}
			io = entry&slotPhysIOBits != 0
			pteSize = hostarch.PageSize << (entry & slotPhysOrderMask)
			hostPA = entry &^ (hostarch.PageSize - 1)
			if writing && m.ReadOnly {
				ptel = MakeReadonly(ptel)
			}
		} else {
			hva := m.hva(gfn)
			pte := p.host.LookupHostPTE(hva, writing && !m.ReadOnly)
			pteSize = psize
			if pte.Shift != 0 {
				pteSize = uint64(1) << pte.Shift
			}
			if pte.Present {
				if writing && (!pte.Writable || m.ReadOnly) {
					ptel = MakeReadonly(ptel)
				}
				io = pte.MemoryType.IsIO()
				hostPA = hostPhysAddr(pte, hva)
			}
		}
		if pteSize < psize {
			return 0, book3s.H_PARAMETER
		}

		pa := bits.AlignDown(hostPA, psize)
		ptel &^= book3s.HPTE_R_RPN &^ (psize - 1)
		ptel |= pa
		if pa != 0 {
			pteh |= book3s.HPTE_V_VALID
		} else {
			pteh |= book3s.HPTE_V_ABSENT
		}

		if pa != 0 && !cacheFlagsOK(ptel, io) {
			if !io {
				return 0, book3s.H_PARAMETER
			}
			// Caching inhibited access to I/O backing is made memory
			// coherent instead.
			ptel &^= book3s.HPTE_R_W | book3s.HPTE_R_I | book3s.HPTE_R_G
			ptel |= book3s.HPTE_R_M
		}
	}

	if pteIndex >= p.npte {
		return 0, book3s.H_PARAMETER
	}
	const busy = book3s.HPTE_V_VALID | book3s.HPTE_V_ABSENT
	var e *HPTE
	if flags&book3s.H_EXACT == 0 {
		pteIndex &^= book3s.HPTES_PER_GROUP - 1
		group := p.hpt[pteIndex : pteIndex+book3s.HPTES_PER_GROUP]
		i := 0
		for ; i < book3s.HPTES_PER_GROUP; i++ {
			if group[i].loadV()&busy == 0 && group[i].tryLock(busy) {
				break
			}
		}
		if i == book3s.HPTES_PER_GROUP {
			// tryLock never retries, so a free slot may have been missed
			// while another thread held its lock. Lock each slot and
			// check it.
			for i = 0; i < book3s.HPTES_PER_GROUP; i++ {
				group[i].lock()
				v := group[i].loadV()
				if v&busy == 0 {
					break
				}
				group[i].unlock(v)
			}
			if i == book3s.HPTES_PER_GROUP {
				return 0, book3s.H_PTEG_FULL
			}
		}
		pteIndex += uint64(i)
		e = &group[i]
	} else {
		e = &p.hpt[pteIndex]
		if !e.tryLock(busy) {
			e.lock()
			if v := e.loadV(); v&busy != 0 {
				e.unlock(v)
				return 0, book3s.H_PTEG_FULL
			}
		}
	}

	p.revmap[pteIndex].setGuestRPTE(gptel)

	if pteh&book3s.HPTE_V_VALID != 0 {
		lockRmap(rmap)
		if p.notifier.Retry(seq) {
			// The host translation was invalidated, or the memslot
			// removed, after we read it.
			pteh = (pteh &^ book3s.HPTE_V_VALID) | book3s.HPTE_V_ABSENT
			unlockRmap(rmap)
		} else {
			rcbits := atomic.LoadUint64(rmap) >> RmapRCShift
			p.AddRevmapChain(pteIndex, rmap)
			// Only set R/C in the real entry if already set in the rmap.
			ptel &= rcbits | ^uint64(book3s.HPTE_R_R|book3s.HPTE_R_C)
		}
	}

	e.storeR(ptel)
	// The r word must be visible before the entry becomes valid.
	p.hw.EIEIO()
	e.unlock(pteh)
	p.hw.PTESync()
	return pteIndex, book3s.H_SUCCESS
}
