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
	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/atomicbitops"
)

const rcBits = book3s.HPTE_R_R | book3s.HPTE_R_C

// ClearRef implements H_CLEAR_REF: it clears the referenced bit of the entry
// at pteIndex and returns the guest r word as it was, with the hardware R/C
// bits merged in.
func (c *VCPU) ClearRef(flags, pteIndex uint64) (uint64, int64) {
	p := c.partition
	if pteIndex >= p.npte {
		return 0, book3s.H_PARAMETER
	}
	e := &p.hpt[pteIndex]
	e.lock()
	v := e.loadV() &^ book3s.HPTE_V_HVLOCK
	if v&(book3s.HPTE_V_VALID|book3s.HPTE_V_ABSENT) == 0 {
		e.unlock(v)
		return 0, book3s.H_NOT_FOUND
	}

	rev := &p.revmap[pteIndex]
	gr := rev.clearGuestRPTE(book3s.HPTE_R_R)
	if v&book3s.HPTE_V_VALID != 0 {
		r := e.loadR()
		gr |= r & rcBits
		if r&book3s.HPTE_R_R != 0 {
			// Clear R and flush the translation so the next access
			// sets it again. The translation stays valid, so no sync
			// is needed before the tlbie.
			r = e.clearR(book3s.HPTE_R_R) &^ book3s.HPTE_R_R
			rb := [1]uint64{ComputeTLBIERB(v, r, pteIndex)}
			p.doTLBIEs(rb[:], true /* global */, false /* needSync */)
			if rmap := p.rmapForEntry(v, gr); rmap != nil {
				orRmap(rmap, RmapReferenced)
			}
		}
	}
	e.unlock(v)
	return gr, book3s.H_SUCCESS
}

// ClearMod implements H_CLEAR_MOD: it clears the changed bit of the entry at
// pteIndex and returns the guest r word as it was, with the hardware R/C
// bits merged in.
func (c *VCPU) ClearMod(flags, pteIndex uint64) (uint64, int64) {
	p := c.partition
	if pteIndex >= p.npte {
		return 0, book3s.H_PARAMETER
	}
	e := &p.hpt[pteIndex]
	e.lock()
	v := e.loadV() &^ book3s.HPTE_V_HVLOCK
	if v&(book3s.HPTE_V_VALID|book3s.HPTE_V_ABSENT) == 0 {
		e.unlock(v)
		return 0, book3s.H_NOT_FOUND
	}

	rev := &p.revmap[pteIndex]
	gr := rev.clearGuestRPTE(book3s.HPTE_R_C)
	if v&book3s.HPTE_V_VALID != 0 {
		// C is only stable once the translation is gone. The entry is
		// Absent until it is unlocked, so a fault in the meantime goes
		// to the slow path instead of reflecting to the guest.
		p.invalidateLocked(pteIndex, true /* absent */)
		r := e.loadR()
		gr |= r & rcBits
		if r&book3s.HPTE_R_C != 0 {
			e.storeR(r &^ book3s.HPTE_R_C)
			p.hw.EIEIO()
			if rmap := p.rmapForEntry(v, gr); rmap != nil {
				orRmap(rmap, RmapChanged)
			}
		}
	}
	e.unlock(v)
	p.hw.PTESync()
	return gr, book3s.H_SUCCESS
}

// rmapForEntry returns the rmap word of the frame mapped by an entry with
// first word v and guest r word gr, or nil if there is none.
func (p *Partition) rmapForEntry(v, gr uint64) *uint64 {
	psize := PageSize(v, gr)
	if psize == 0 {
		return nil
	}
	return p.rmapFor(rpnGFN(gr, psize), true /* includeInvalid */)
}

// WalkerSetRC sets the hardware R/C bits of bits in the entry at index if it
// is Valid, as the hardware table walker does on access. It takes no lock
// and returns whether the entry was Valid.
//
//go:nosplit
func (p *Partition) WalkerSetRC(index, bits uint64) bool {
	e := &p.hpt[index]
	if e.loadV()&book3s.HPTE_V_VALID == 0 {
		return false
	}
	atomicbitops.OrUint64(&e.r, bits&rcBits)
	return true
}
