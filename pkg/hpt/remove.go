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

// matches returns whether the occupied entry v satisfies the H_AVPN or
// H_ANDCOND condition of flags against avpn.
//
//go:nosplit
func matches(v, flags, avpn uint64) bool {
	if v&(book3s.HPTE_V_VALID|book3s.HPTE_V_ABSENT) == 0 {
		return false
	}
	if flags&book3s.H_AVPN != 0 && v&book3s.HPTE_V_AVPN_VAL_MASK != avpn {
		return false
	}
	if flags&book3s.H_ANDCOND != 0 && v&avpn != 0 {
		return false
	}
	return true
}

// zeroLocked clears the locked slot at index, which releases it.
//
//go:nosplit
func (p *Partition) zeroLocked(index uint64) {
	e := &p.hpt[index]
	e.storeR(0)
	e.unlock(0)
}

// Remove implements H_REMOVE: it removes the entry at pteIndex, subject to
// the H_AVPN or H_ANDCOND condition in flags, and returns its first word and
// the guest's view of its second word, with R/C harvested.
func (c *VCPU) Remove(flags, pteIndex, avpn uint64) (v, r uint64, ret int64) {
	p := c.partition
	if pteIndex >= p.npte {
		return 0, 0, book3s.H_PARAMETER
	}
	e := &p.hpt[pteIndex]
	e.lock()
	v = e.loadV() &^ book3s.HPTE_V_HVLOCK
	if !matches(v, flags, avpn) {
		e.unlock(v)
		return 0, 0, book3s.H_NOT_FOUND
	}

	if v&book3s.HPTE_V_VALID != 0 {
		e.storeVLocked(v &^ book3s.HPTE_V_VALID)
		rb := [1]uint64{ComputeTLBIERB(v, e.loadR(), pteIndex)}
		p.doTLBIEs(rb[:], c.globalInvalidates(flags), true /* needSync */)
		// R/C are final once the invalidation has completed.
		p.RemoveRevmapChain(pteIndex, v, e.loadR())
	}
	r = p.revmap[pteIndex].GuestRPTE()
	p.zeroLocked(pteIndex)
	return v, r, book3s.H_SUCCESS
}

// Bulk remove response codes, in the top byte of a request word.
const (
	bulkRemoveSuccess  = 0x80
	bulkRemoveNotFound = 0x90
	bulkRemoveParam    = 0xa0
	bulkRemoveIndex    = uint64(1)<<56 - 1

	// bulkRemoveRCShift moves R/C of an r word to the response's RC
	// field.
	bulkRemoveRCShift = 56 - 5
)

// BulkRemove implements H_BULK_REMOVE. args holds up to four (request,
// avpn) pairs; each request word is rewritten with its response. Requests
// are processed in batches so that the translations of a batch are
// invalidated together. A request marked end stops processing; a malformed
// request stops processing with H_PARAMETER.
func (c *VCPU) BulkRemove(args *[8]uint64) int64 {
	p := c.partition
	global := c.globalInvalidates(0)

	var (
		rbs     [book3s.H_BULK_REMOVE_MAX_BATCH]uint64
		reqs    [book3s.H_BULK_REMOVE_MAX_BATCH]int
		indices [book3s.H_BULK_REMOVE_MAX_BATCH]uint64
	)
	ret := int64(book3s.H_SUCCESS)
	for i := 0; i < book3s.H_BULK_REMOVE_MAX_BATCH && ret == book3s.H_SUCCESS; {
		n := 0
		for ; i < book3s.H_BULK_REMOVE_MAX_BATCH; i++ {
			j := 2 * i
			pteIndex := args[j] & bulkRemoveIndex
			flags := args[j] >> 56
			req := flags >> 6
			flags &= 3
			if req == 3 {
				// End of list.
				i = book3s.H_BULK_REMOVE_MAX_BATCH
				break
			}
			if req != 1 || flags == 3 || pteIndex >= p.npte {
				args[j] = (bulkRemoveParam|flags)<<56 + pteIndex
				ret = book3s.H_PARAMETER
				break
			}

			e := &p.hpt[pteIndex]
			if !e.tryLock(0) {
				// Finish the current batch before waiting.
				if n > 0 {
					break
				}
				e.lock()
			}
			v := e.loadV() &^ book3s.HPTE_V_HVLOCK
			found := false
			if v&(book3s.HPTE_V_VALID|book3s.HPTE_V_ABSENT) != 0 {
				switch flags {
				case 0:
					found = true
				case 1:
					found = v&args[j+1] == 0
				case 2:
					found = v&book3s.HPTE_V_AVPN_VAL_MASK == args[j+1]
				}
			}
			if !found {
				e.unlock(v)
				args[j] = (bulkRemoveNotFound|flags)<<56 + pteIndex
				continue
			}

			args[j] = (bulkRemoveSuccess|flags)<<56 + pteIndex
			if v&book3s.HPTE_V_VALID == 0 {
				rcbits := p.revmap[pteIndex].GuestRPTE() & (book3s.HPTE_R_R | book3s.HPTE_R_C)
				args[j] |= rcbits << bulkRemoveRCShift
				p.zeroLocked(pteIndex)
				continue
			}

			// Leave it locked until the batch is invalidated.
			e.storeVLocked(v &^ book3s.HPTE_V_VALID)
			rbs[n] = ComputeTLBIERB(v, e.loadR(), pteIndex)
			reqs[n] = j
			indices[n] = pteIndex
			n++
		}

		if n == 0 {
			break
		}
		p.doTLBIEs(rbs[:n], global, true /* needSync */)
		for k := 0; k < n; k++ {
			pteIndex := indices[k]
			e := &p.hpt[pteIndex]
			p.RemoveRevmapChain(pteIndex, e.loadV()&^book3s.HPTE_V_HVLOCK, e.loadR())
			rcbits := p.revmap[pteIndex].GuestRPTE() & (book3s.HPTE_R_R | book3s.HPTE_R_C)
			args[reqs[k]] |= rcbits << bulkRemoveRCShift
			p.zeroLocked(pteIndex)
		}
	}
	return ret
}
