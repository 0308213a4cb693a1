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

package hwsim

import (
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/hpt/pkg/atomicbitops"
	"gvisor.dev/hpt/pkg/bits"
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/hpt"
	"gvisor.dev/hpt/pkg/sync"
)

// Mapping maps a range of host virtual memory to host physical memory with
// a single host page size.
type Mapping struct {
	// HVA is the first host virtual address. It must be aligned to the
	// host page size.
	HVA uint64

	// Size is the length of the range. It must be a multiple of the host
	// page size.
	Size uint64

	// PA is the host physical address of HVA. It must be aligned to the
	// host page size.
	PA uint64

	// Shift is the binary log of the host page size. Zero means
	// hostarch.PageShift.
	Shift uint

	// Writable is false for read-only mappings.
	Writable bool

	// Type is the host memory type.
	Type hostarch.MemoryType

	// present is cleared by Evict.
	present bool
}

func (m *Mapping) end() uint64 {
	return m.HVA + m.Size
}

func mappingLess(a, b *Mapping) bool {
	return a.HVA < b.HVA
}

// HostTable implements hpt.HostTranslator with an in-memory host page
// table. Lookups take no locks: they read an immutable snapshot, and
// updates publish a new one.
type HostTable struct {
	mu       sync.Mutex
	master   *btree.BTreeG[*Mapping]
	snapshot atomic.Pointer[btree.BTreeG[*Mapping]]

	lookups atomicbitops.Uint64
}

// NewHostTable returns an empty host table.
func NewHostTable() *HostTable {
	h := &HostTable{
		master: btree.NewG(8, mappingLess),
	}
	h.snapshot.Store(h.master.Clone())
	return h
}

// Map adds a mapping. It must not overlap an existing one.
func (h *HostTable) Map(m Mapping) error {
	if m.Shift == 0 {
		m.Shift = hostarch.PageShift
	}
	pageSize := uint64(1) << m.Shift
	if m.Size == 0 || !bits.IsAligned(m.HVA, pageSize) || !bits.IsAligned(m.PA, pageSize) || !bits.IsAligned(m.Size, pageSize) {
		return fmt.Errorf("mapping [%#x, %#x) -> %#x not aligned to host page size %#x", m.HVA, m.end(), m.PA, pageSize)
	}
	m.present = true

	h.mu.Lock()
	defer h.mu.Unlock()
	var overlap *Mapping
	h.master.Ascend(func(other *Mapping) bool {
		if other.HVA < m.end() && m.HVA < other.end() {
			overlap = other
			return false
		}
		return true
	})
	if overlap != nil {
		return fmt.Errorf("mapping [%#x, %#x) overlaps [%#x, %#x)", m.HVA, m.end(), overlap.HVA, overlap.end())
	}
	h.master.ReplaceOrInsert(&m)
	h.snapshot.Store(h.master.Clone())
	return nil
}

// update replaces the mapping starting at hva with the result of fn.
func (h *HostTable) update(hva uint64, fn func(m *Mapping)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	old, ok := h.master.Get(&Mapping{HVA: hva})
	if !ok {
		return fmt.Errorf("no mapping at %#x", hva)
	}
	m := *old
	fn(&m)
	h.master.ReplaceOrInsert(&m)
	h.snapshot.Store(h.master.Clone())
	return nil
}

// Unmap removes the mapping starting at hva.
func (h *HostTable) Unmap(hva uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.master.Delete(&Mapping{HVA: hva}); !ok {
		return fmt.Errorf("no mapping at %#x", hva)
	}
	h.snapshot.Store(h.master.Clone())
	return nil
}

// Evict marks the mapping starting at hva not present, as if its pages were
// reclaimed. The page size is still reported.
func (h *HostTable) Evict(hva uint64) error {
	return h.update(hva, func(m *Mapping) { m.present = false })
}

// Restore marks the mapping starting at hva present again.
func (h *HostTable) Restore(hva uint64) error {
	return h.update(hva, func(m *Mapping) { m.present = true })
}

// SetWritable changes the write permission of the mapping starting at hva.
func (h *HostTable) SetWritable(hva uint64, writable bool) error {
	return h.update(hva, func(m *Mapping) { m.Writable = writable })
}

// LookupHostPTE implements hpt.HostTranslator.LookupHostPTE.
func (h *HostTable) LookupHostPTE(hva uint64, writing bool) hpt.HostPTE {
	h.lookups.Add(1)
	var found *Mapping
	h.snapshot.Load().DescendLessOrEqual(&Mapping{HVA: hva}, func(m *Mapping) bool {
		if hva < m.end() {
			found = m
		}
		return false
	})
	if found == nil {
		return hpt.HostPTE{}
	}
	pte := hpt.HostPTE{
		Shift:      found.Shift,
		MemoryType: found.Type,
	}
	if !found.present {
		return pte
	}
	pageStart := bits.AlignDown(hva, uint64(1)<<found.Shift)
	pte.Present = true
	pte.Writable = found.Writable
	pte.PFN = (found.PA + pageStart - found.HVA) >> hostarch.PageShift
	return pte
}

// Lookups returns the number of LookupHostPTE calls.
func (h *HostTable) Lookups() uint64 {
	return h.lookups.Load()
}
