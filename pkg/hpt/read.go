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

// Read implements H_READ: it copies one entry, or four with H_READ_4, into
// out as (v, r) pairs and returns the number of entries read. Absent
// entries are reported as Valid. With H_R_XLATE, r is the guest's view of
// the entry with the hardware R/C bits merged in.
//
// No lock is taken; a torn read of an entry being modified is acceptable.
func (c *VCPU) Read(flags, pteIndex uint64, out *[8]uint64) (int, int64) {
	p := c.partition
	if pteIndex >= p.npte {
		return 0, book3s.H_PARAMETER
	}
	n := 1
	if flags&book3s.H_READ_4 != 0 {
		pteIndex &^= 3
		n = 4
	}
	for i := 0; i < n; i++ {
		index := pteIndex + uint64(i)
		e := &p.hpt[index]
		v := e.loadV() &^ book3s.HPTE_V_HVLOCK
		r := e.loadR()
		if v&book3s.HPTE_V_ABSENT != 0 {
			v = (v &^ book3s.HPTE_V_ABSENT) | book3s.HPTE_V_VALID
		}
		if v&book3s.HPTE_V_VALID != 0 && flags&book3s.H_R_XLATE != 0 {
			r = p.revmap[index].GuestRPTE() | (r & (book3s.HPTE_R_R | book3s.HPTE_R_C))
		}
		out[2*i] = v
		out[2*i+1] = r
	}
	return n, book3s.H_SUCCESS
}
