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
)

// protectionMask is the set of r bits H_PROTECT may change.
const protectionMask = book3s.HPTE_R_PP0 | book3s.HPTE_R_PP | book3s.HPTE_R_N | book3s.HPTE_R_KEY_HI | book3s.HPTE_R_KEY_LO

// protectionBits converts H_PROTECT flags to r bits.
//
//go:nosplit
func protectionBits(flags uint64) uint64 {
	return (flags<<55)&book3s.HPTE_R_PP0 |
		(flags<<48)&book3s.HPTE_R_KEY_HI |
		flags&(book3s.HPTE_R_PP|book3s.HPTE_R_N|book3s.HPTE_R_KEY_LO)
}

// Protect implements H_PROTECT: it replaces the page protection, no-execute
// and storage key bits of the entry at pteIndex, subject to the H_AVPN
// condition in flags.
func (c *VCPU) Protect(flags, pteIndex, avpn uint64) int64 {
	p := c.partition
	if pteIndex >= p.npte {
		return book3s.H_PARAMETER
	}
	e := &p.hpt[pteIndex]
	e.lock()
	v := e.loadV() &^ book3s.HPTE_V_HVLOCK
	if v&(book3s.HPTE_V_VALID|book3s.HPTE_V_ABSENT) == 0 ||
		(flags&book3s.H_AVPN != 0 && v&book3s.HPTE_V_AVPN_VAL_MASK != avpn) {
		e.unlock(v)
		return book3s.H_NOT_FOUND
	}
	if p.onlineVCPUs.Load() == 1 {
		flags |= book3s.H_LOCAL
	}

	bits := protectionBits(flags)
	rev := &p.revmap[pteIndex]
	gr := (rev.GuestRPTE() &^ protectionMask) | bits
	rev.setGuestRPTE(gr)
	r := (e.loadR() &^ protectionMask) | bits

	if v&book3s.HPTE_V_VALID != 0 {
		// The translation must be gone before the new permissions are
		// stored, or a processor could cache a mix of old and new.
		rb := [1]uint64{ComputeTLBIERB(v, r, pteIndex)}
		e.storeVLocked(v &^ book3s.HPTE_V_VALID)
		p.doTLBIEs(rb[:], c.globalInvalidates(flags), true /* needSync */)

		// Don't let the guest gain write access the host doesn't give.
		if IsWritable(r) && !p.hostWritable(v, gr) {
			r = MakeReadonly(r)
		}
	}

	e.storeR(r)
	p.hw.EIEIO()
	e.unlock(v)
	p.hw.PTESync()
	return book3s.H_SUCCESS
}

// hostWritable returns false if the frame mapped by the guest r word gr is
// known to be read-only on the host.
func (p *Partition) hostWritable(v, gr uint64) bool {
	psize := PageSize(v, gr)
	if psize == 0 {
		return true
	}
	gfn := rpnGFN(gr, psize)
	m := p.lookupMemslot(gfn)
	if m == nil || m.Invalid() {
		return true
	}
	if m.ReadOnly {
		return false
	}
	if !p.usingMMUNotifiers {
		return true
	}
	pte := p.host.LookupHostPTE(m.hva(gfn), false /* writing */)
	return !pte.Present || pte.Writable
}
