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

// Fault verdicts returned by HPTEFault. Any other value is a hardware status
// to deliver to the guest.
const (
	// FaultRetry means the entry changed under the fault; the guest should
	// simply retry the access.
	FaultRetry = 0

	// FaultEscalate means the fault must be handled by the host slow path.
	FaultEscalate = -1

	// FaultEscalateFetch is FaultEscalate for a probable emulated MMIO
	// access; the slow path also needs the faulting instruction.
	FaultEscalateFetch = -2
)

// basePageShift maps the SLB LP field of a large page segment to the base
// page shift. 1M pages are not supported and never match an entry.
var basePageShift = [4]uint{24, 16, 20, 20}

// hashParams derives the primary hash, the compare mask and the expected
// first word of a translation of eaddr in the segment slbV.
//
//go:nosplit
func (p *Partition) hashParams(eaddr, slbV uint64) (hash, mask, val uint64, pshift uint) {
	mask = book3s.SLB_VSID_B | book3s.HPTE_V_AVPN | book3s.HPTE_V_SECONDARY
	pshift = 12
	if slbV&book3s.SLB_VSID_L != 0 {
		mask |= book3s.HPTE_V_LARGE
		val |= book3s.HPTE_V_LARGE
		pshift = basePageShift[(slbV&book3s.SLB_VSID_LP)>>4]
	}

	var somask, vsid uint64
	if slbV&book3s.SLB_VSID_B_1T != 0 {
		somask = uint64(1)<<book3s.SID_SHIFT_1T - 1
		vsid = (slbV &^ book3s.SLB_VSID_B) >> book3s.SLB_VSID_SHIFT_1T
		vsid ^= vsid << 25
	} else {
		somask = uint64(1)<<book3s.SID_SHIFT - 1
		vsid = (slbV &^ book3s.SLB_VSID_B) >> book3s.SLB_VSID_SHIFT
	}
	hash = (vsid ^ (eaddr&somask)>>pshift) & p.hptMask

	// The AVPN also carries the segment size.
	avpn := slbV &^ (somask >> 16)
	avpn |= (eaddr & somask) >> 16
	if pshift >= 24 {
		avpn &^= uint64(1)<<(pshift-16) - 1
	} else {
		avpn &^= 0x7f
	}
	val |= avpn
	return hash, mask, val, pshift
}

// HashedLocation returns the first slot of the primary group for eaddr in
// the segment slbV, and the first word (Valid included) that an entry
// translating it must carry. Guests use it to build H_ENTER arguments.
func (p *Partition) HashedLocation(eaddr, slbV uint64) (pteIndex, v uint64) {
	hash, _, val, _ := p.hashParams(eaddr, slbV)
	return hash * book3s.HPTES_PER_GROUP, val | book3s.HPTE_V_VALID
}

// FindLockHPTE searches the primary and secondary groups for an entry
// translating eaddr in the segment slbV that has any of valid set in its
// first word. It returns the index of the entry, which is left locked, or
// -1.
//
//go:nosplit
func (p *Partition) FindLockHPTE(eaddr, slbV, valid uint64) int64 {
	hash, mask, val, pshift := p.hashParams(eaddr, slbV)
	for {
		group := p.hpt[hash*book3s.HPTES_PER_GROUP : (hash+1)*book3s.HPTES_PER_GROUP]
		for i := range group {
			e := &group[i]
			// Racy read first; most entries won't match.
			v := e.loadV() &^ book3s.HPTE_V_HVLOCK
			if v&valid == 0 || v&mask != val {
				continue
			}

			e.lock()
			v = e.loadV() &^ book3s.HPTE_V_HVLOCK
			r := e.loadR()
			if v&valid != 0 && v&mask == val && PageSize(v, r) == uint64(1)<<pshift {
				return int64(hash*book3s.HPTES_PER_GROUP) + int64(i)
			}
			e.unlock(v)
		}

		if val&book3s.HPTE_V_SECONDARY != 0 {
			return -1
		}
		val |= book3s.HPTE_V_SECONDARY
		hash ^= p.hptMask
	}
}

// UnlockHPTE releases the slot at index, locked by FindLockHPTE, leaving
// its first word otherwise unchanged.
//
//go:nosplit
func (p *Partition) UnlockHPTE(index uint64) {
	e := &p.hpt[index]
	e.unlock(e.loadV())
}

// HPTEFault classifies a hashed page table fault on addr in the segment
// slbV. status is the DSISR (data) or SRR1 (instruction) value of the fault.
//
// It returns FaultRetry, FaultEscalate or FaultEscalateFetch, or status
// decorated with the reason to deliver the fault to the guest. For the
// escalations, the matching entry is recorded in c.PgFault.
func (c *VCPU) HPTEFault(addr, slbV, status uint64, data bool) int64 {
	ret := c.hpteFault(addr, slbV, status, data)
	switch ret {
	case FaultRetry:
		faults.Increment("retry")
	case FaultEscalate:
		faults.Increment("escalate")
	case FaultEscalateFetch:
		faults.Increment("escalate_fetch")
	default:
		faults.Increment("reflect")
	}
	return ret
}

func (c *VCPU) hpteFault(addr, slbV, status uint64, data bool) int64 {
	p := c.partition
	valid := uint64(book3s.HPTE_V_VALID)
	if status&book3s.DSISR_NOHPTE != 0 {
		valid |= book3s.HPTE_V_ABSENT
	}

	index := p.FindLockHPTE(addr, slbV, valid)
	if index < 0 {
		if status&book3s.DSISR_NOHPTE != 0 {
			// There really is no entry.
			return int64(status)
		}
		// The entry went away since the protection fault.
		return FaultRetry
	}
	e := &p.hpt[index]
	v := e.loadV() &^ book3s.HPTE_V_HVLOCK
	r := e.loadR()
	gr := p.revmap[index].GuestRPTE()
	e.unlock(v)

	// The entry became valid since the fault; retry the access.
	if status&book3s.DSISR_NOHPTE != 0 && v&book3s.HPTE_V_VALID != 0 {
		return FaultRetry
	}

	pp := gr & (book3s.HPTE_R_PP0 | book3s.HPTE_R_PP)
	key := uint64(book3s.SLB_VSID_KS)
	if c.MSR&book3s.MSR_PR != 0 {
		key = book3s.SLB_VSID_KP
	}
	// DSISR_NOHPTE and SRR1_ISI_NOPT are the same bit.
	status &^= book3s.DSISR_NOHPTE
	switch {
	case !data:
		if gr&(book3s.HPTE_R_N|book3s.HPTE_R_G) != 0 {
			return int64(status | book3s.SRR1_ISI_N_OR_G)
		}
		if !readPermission(pp, slbV&key) {
			return int64(status | book3s.SRR1_ISI_PROT)
		}
	case status&book3s.DSISR_ISSTORE != 0:
		if !writePermission(pp, slbV&key) {
			return int64(status | book3s.DSISR_PROTFAULT)
		}
	default:
		if !readPermission(pp, slbV&key) {
			return int64(status | book3s.DSISR_PROTFAULT)
		}
	}

	if data && c.MSR&book3s.MSR_DR != 0 {
		perm := storageKeyPerm(gr, c.AMR)
		if status&book3s.DSISR_ISSTORE != 0 {
			perm >>= 1
		}
		if perm&1 != 0 {
			return int64(status | book3s.DSISR_KEYFAULT)
		}
	}

	c.PgFault = PageFault{
		Addr:  addr,
		Index: index,
		V:     v,
		R:     r,
	}

	// Key 31 marks emulated MMIO.
	if data && c.MSR&book3s.MSR_IR != 0 && r&book3s.HPTE_R_KEY == book3s.HPTE_R_KEY {
		return FaultEscalateFetch
	}
	return FaultEscalate
}
