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
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/atomicbitops"
	"gvisor.dev/hpt/pkg/bits"
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/log"
)

var (
	// ErrSlotOverlap is returned when a memslot overlaps an existing one.
	ErrSlotOverlap = errors.New("memslot overlaps an existing memslot")

	// ErrSlotNotFound is returned when no memslot has the requested ID.
	ErrSlotNotFound = errors.New("memslot not found")
)

// HostPTE is the host translation of a host virtual address.
type HostPTE struct {
	// Present is false if the address is not currently backed.
	Present bool

	// Writable is false if the host maps the page read-only.
	Writable bool

	// PFN is the first host physical frame of the host page, in base
	// pages.
	PFN uint64

	// Shift is the binary log of the host page size. Zero means the
	// address is not mapped at all.
	Shift uint

	// MemoryType is the host caching mode of the page.
	MemoryType hostarch.MemoryType
}

// HostTranslator looks up host page table entries. It is the host half of
// guest address translation.
type HostTranslator interface {
	// LookupHostPTE returns the host PTE mapping hva. writing indicates the
	// caller wants a writable mapping; implementations may use it to break
	// copy-on-write sharing, but they never block.
	LookupHostPTE(hva uint64, writing bool) HostPTE
}

// slotPhys entry layout: host physical address, I/W bits for I/O memory and
// the host page order (in base pages) in the low bits.
const (
	slotPhysOrderMask = 0x1f
	slotPhysIOBits    = book3s.HPTE_R_I | book3s.HPTE_R_W
)

// MemslotOpts describes a memslot.
type MemslotOpts struct {
	// ID identifies the memslot for removal.
	ID int

	// BaseGFN is the first guest frame.
	BaseGFN uint64

	// NPages is the number of guest frames.
	NPages uint64

	// UserspaceAddr is the host virtual address of the first frame.
	UserspaceAddr uint64

	// ReadOnly prevents writable guest mappings of the memslot.
	ReadOnly bool
}

// Memslot is a range of guest frames backed by a range of host virtual
// memory.
type Memslot struct {
	MemslotOpts

	// invalid is set while the memslot is being removed. Enter treats the
	// frames of an invalid memslot as emulated MMIO.
	invalid atomicbitops.Bool

	// rmap holds one rmap word per frame.
	rmap []uint64

	// slotPhys holds one pinned host frame per guest frame when MMU
	// notifiers are not in use.
	slotPhys []uint64
}

// contains returns true if gfn is in the memslot.
func (m *Memslot) contains(gfn uint64) bool {
	return gfn >= m.BaseGFN && gfn-m.BaseGFN < m.NPages
}

// hva returns the host virtual address of gfn.
func (m *Memslot) hva(gfn uint64) uint64 {
	return m.UserspaceAddr + (gfn-m.BaseGFN)<<hostarch.PageShift
}

// isAligned returns true if a page of psize bytes lies entirely within the
// memslot wherever it is placed.
func (m *Memslot) isAligned(psize uint64) bool {
	if psize <= hostarch.PageSize {
		return true
	}
	frames := psize >> hostarch.PageShift
	return bits.IsAligned(m.BaseGFN, frames) && bits.IsAligned(m.NPages, frames)
}

// Invalid returns true if the memslot is being removed.
func (m *Memslot) Invalid() bool {
	return m.invalid.Load()
}

// Rmap returns the rmap word of gfn.
func (m *Memslot) Rmap(gfn uint64) uint64 {
	return atomic.LoadUint64(&m.rmap[gfn-m.BaseGFN])
}

func memslotLess(a, b *Memslot) bool {
	return a.BaseGFN < b.BaseGFN
}

// memslotDegree is the btree degree of the memslot set.
const memslotDegree = 8

// memslotSet is an immutable snapshot of the partition's memslots. Readers
// load it without locks; writers publish a new clone.
type memslotSet = btree.BTreeG[*Memslot]

// lookupMemslot returns the memslot containing gfn, or nil.
func (p *Partition) lookupMemslot(gfn uint64) *Memslot {
	set := p.memslots.Load()
	if set == nil {
		return nil
	}
	var found *Memslot
	set.DescendLessOrEqual(&Memslot{MemslotOpts: MemslotOpts{BaseGFN: gfn}}, func(m *Memslot) bool {
		if m.contains(gfn) {
			found = m
		}
		return false
	})
	return found
}

// rmapFor returns the rmap word of gfn, or nil if no memslot covers it.
// Invalid memslots are skipped unless includeInvalid is set.
func (p *Partition) rmapFor(gfn uint64, includeInvalid bool) *uint64 {
	m := p.lookupMemslot(gfn)
	if m == nil || (!includeInvalid && m.Invalid()) {
		return nil
	}
	return &m.rmap[gfn-m.BaseGFN]
}

// AddMemslot adds a memslot to the partition. When MMU notifiers are not in
// use, the host backing of every frame is looked up and pinned now; frames
// that are not backed cause Enter to return H_TOO_HARD.
func (p *Partition) AddMemslot(opts MemslotOpts) (*Memslot, error) {
	if opts.NPages == 0 {
		return nil, fmt.Errorf("memslot %d has no pages", opts.ID)
	}
	if opts.BaseGFN+opts.NPages < opts.BaseGFN || opts.BaseGFN+opts.NPages > RmapIndex {
		return nil, fmt.Errorf("memslot %d range [%#x, %#x) out of range", opts.ID, opts.BaseGFN, opts.BaseGFN+opts.NPages)
	}
	if !bits.IsAligned(opts.UserspaceAddr, hostarch.PageSize) {
		return nil, fmt.Errorf("memslot %d host address %#x is not page aligned", opts.ID, opts.UserspaceAddr)
	}
	m := &Memslot{
		MemslotOpts: opts,
		rmap:        make([]uint64, opts.NPages),
	}
	if !p.usingMMUNotifiers {
		m.slotPhys = make([]uint64, opts.NPages)
		for i := range m.slotPhys {
			m.slotPhys[i] = p.pin(m, opts.BaseGFN+uint64(i))
		}
	}

	p.memslotsMu.Lock()
	defer p.memslotsMu.Unlock()
	var conflict error
	p.memslotsMaster.Ascend(func(other *Memslot) bool {
		if other.ID == opts.ID {
			conflict = fmt.Errorf("memslot ID %d already in use", opts.ID)
			return false
		}
		if other.BaseGFN < opts.BaseGFN+opts.NPages && opts.BaseGFN < other.BaseGFN+other.NPages {
			conflict = fmt.Errorf("memslot %d [%#x, %#x) and memslot %d: %w", opts.ID, opts.BaseGFN, opts.BaseGFN+opts.NPages, other.ID, ErrSlotOverlap)
			return false
		}
		return true
	})
	if conflict != nil {
		return nil, conflict
	}
	p.memslotsMaster.ReplaceOrInsert(m)
	p.memslots.Store(p.memslotsMaster.Clone())
	log.Infof("Partition %d: added memslot %d, gfn [%#x, %#x) at hva %#x", p.lpid, opts.ID, opts.BaseGFN, opts.BaseGFN+opts.NPages, opts.UserspaceAddr)
	return m, nil
}

// pin returns the slotPhys entry for gfn, or zero if gfn is not backed.
func (p *Partition) pin(m *Memslot, gfn uint64) uint64 {
	if p.host == nil {
		return 0
	}
	hva := m.hva(gfn)
	pte := p.host.LookupHostPTE(hva, !m.ReadOnly)
	if !pte.Present || pte.Shift < hostarch.PageShift {
		return 0
	}
	entry := hostPhysAddr(pte, hva) | uint64(pte.Shift-hostarch.PageShift)
	if pte.MemoryType.IsIO() {
		entry |= book3s.HPTE_R_I
	}
	return entry
}

// hostPhysAddr returns the host physical address of the base page
// containing hva, given the host PTE mapping it.
//
//go:nosplit
func hostPhysAddr(pte HostPTE, hva uint64) uint64 {
	offset := hva & (uint64(1)<<pte.Shift - 1)
	return hostarch.PageRoundDown(pte.PFN<<hostarch.PageShift + offset)
}

// RemoveMemslot removes the memslot with the given ID. The memslot is first
// marked invalid so no new translations are linked to it, then every frame
// it covers is unmapped.
func (p *Partition) RemoveMemslot(id int) error {
	p.memslotsMu.Lock()
	defer p.memslotsMu.Unlock()
	var m *Memslot
	p.memslotsMaster.Ascend(func(other *Memslot) bool {
		if other.ID == id {
			m = other
			return false
		}
		return true
	})
	if m == nil {
		return fmt.Errorf("removing memslot %d: %w", id, ErrSlotNotFound)
	}

	m.invalid.Store(true)
	p.notifier.BeginInvalidate()
	for gfn := m.BaseGFN; gfn < m.BaseGFN+m.NPages; gfn++ {
		p.unmapFrame(&m.rmap[gfn-m.BaseGFN], gfn)
	}
	p.notifier.EndInvalidate()
	p.memslotsMaster.Delete(m)
	p.memslots.Store(p.memslotsMaster.Clone())
	log.Infof("Partition %d: removed memslot %d", p.lpid, id)
	return nil
}

// Memslots returns the partition's memslots ordered by base frame.
func (p *Partition) Memslots() []*Memslot {
	set := p.memslots.Load()
	if set == nil {
		return nil
	}
	out := make([]*Memslot, 0, set.Len())
	set.Ascend(func(m *Memslot) bool {
		out = append(out, m)
		return true
	})
	return out
}
