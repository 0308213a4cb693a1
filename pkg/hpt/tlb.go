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
	"gvisor.dev/hpt/pkg/bits"
)

// MemoryFence orders memory accesses against other processors and the
// hardware table walker.
type MemoryFence interface {
	// EIEIO orders prior stores before subsequent stores.
	EIEIO()

	// PTESync waits until prior table updates are visible to all table
	// walks and prior tlbie/tlbiel operations have completed locally.
	PTESync()

	// TLBSync waits until prior tlbie operations have completed on all
	// processors.
	TLBSync()
}

// Invalidator invalidates cached translations.
type Invalidator interface {
	// TLBIE invalidates the translation described by rb in partition
	// lpid on all processors.
	TLBIE(rb, lpid uint64)

	// TLBIEL invalidates the translation described by rb on the calling
	// processor only.
	TLBIEL(rb uint64)

	// TLBIELAll invalidates every translation of partition lpid on the
	// calling processor.
	TLBIELAll(lpid uint64)
}

// Hardware is the processor interface used by the table code.
type Hardware interface {
	MemoryFence
	Invalidator
}

// cpuMask is a set of physical processors.
type cpuMask struct {
	words []atomicbitops.Uint64
	n     int
}

func newCPUMask(n int) cpuMask {
	return cpuMask{
		words: make([]atomicbitops.Uint64, (n+63)/64),
		n:     n,
	}
}

// setAllExcept marks every processor but cpu.
//
//go:nosplit
func (m *cpuMask) setAllExcept(cpu int) {
	for i := range m.words {
		w := ^uint64(0)
		if rem := m.n - i*64; rem < 64 {
			w = bits.MaskOf64(rem) - 1
		}
		if cpu >= i*64 && cpu < (i+1)*64 {
			w &^= bits.MaskOf64(cpu - i*64)
		}
		m.words[i].Or(w)
	}
}

// testAndClear clears cpu and returns whether it was set.
//
//go:nosplit
func (m *cpuMask) testAndClear(cpu int) bool {
	if cpu < 0 || cpu >= m.n {
		return false
	}
	bit := bits.MaskOf64(cpu % 64)
	return m.words[cpu/64].And(^bit)&bit != 0
}

// isSet returns whether cpu is marked.
func (m *cpuMask) isSet(cpu int) bool {
	if cpu < 0 || cpu >= m.n {
		return false
	}
	return bits.IsAnyOn(m.words[cpu/64].Load(), bits.MaskOf64(cpu%64))
}

// NeedsTLBFlush returns whether cpu must flush this partition's translations
// before it next runs one of its vcpus.
func (p *Partition) NeedsTLBFlush(cpu int) bool {
	return p.needTLBFlush.isSet(cpu)
}

// FlushIfNeeded flushes the calling processor's translations for the
// partition if a local invalidation on another processor left them stale.
// It returns whether a flush was done.
//
//go:nosplit
func (p *Partition) FlushIfNeeded(cpu int) bool {
	if !p.needTLBFlush.testAndClear(cpu) {
		return false
	}
	p.hw.PTESync()
	p.hw.TLBIELAll(p.lpid)
	p.hw.PTESync()
	tlbFlushes.Increment("full")
	return true
}

// globalInvalidates decides whether an invalidation on behalf of c must be
// broadcast. When it is not, every other processor is marked as needing a
// flush before it next runs the partition.
//
//go:nosplit
func (c *VCPU) globalInvalidates(flags uint64) bool {
	p := c.partition
	var global bool
	switch {
	case p.onlineVCPUs.Load() == 1:
		global = false
	case p.usingMMUNotifiers:
		global = true
	default:
		global = flags&book3s.H_LOCAL == 0
	}
	if !global {
		// Other processors may now hold stale translations. Order the
		// table updates before the mask update.
		p.hw.EIEIO()
		p.needTLBFlush.setAllExcept(c.CPU)
	}
	return global
}

// doTLBIEs invalidates the translations described by rbs. A global
// invalidation is serialized by the partition's tlbie lock and waits for
// completion on all processors.
//
//go:nosplit
func (p *Partition) doTLBIEs(rbs []uint64, global, needSync bool) {
	if global {
		p.tlbieLock.Lock()
		if needSync {
			p.hw.PTESync()
		}
		for _, rb := range rbs {
			p.hw.TLBIE(rb, p.lpid)
		}
		p.hw.EIEIO()
		p.hw.TLBSync()
		p.hw.PTESync()
		p.tlbieLock.Unlock()
		tlbFlushes.IncrementBy(uint64(len(rbs)), "global")
		return
	}
	if needSync {
		p.hw.PTESync()
	}
	for _, rb := range rbs {
		p.hw.TLBIEL(rb)
	}
	p.hw.PTESync()
	tlbFlushes.IncrementBy(uint64(len(rbs)), "local")
}

// invalidateLocked clears Valid on the locked slot at index, optionally
// marking it Absent, and broadcasts the invalidation. It returns the new
// first word (lock bit excluded).
//
//go:nosplit
func (p *Partition) invalidateLocked(index uint64, absent bool) uint64 {
	e := &p.hpt[index]
	v := e.loadV() &^ (book3s.HPTE_V_HVLOCK | book3s.HPTE_V_VALID)
	if absent {
		v |= book3s.HPTE_V_ABSENT
	}
	e.storeVLocked(v)
	rb := [1]uint64{ComputeTLBIERB(v, e.loadR(), index)}
	p.doTLBIEs(rb[:], true /* global */, true /* needSync */)
	return v
}

// InvalidateHPTE clears Valid on the slot at index and broadcasts the
// invalidation of its translation.
//
// Preconditions: the slot is locked, e.g. by FindLockHPTE.
func (p *Partition) InvalidateHPTE(index uint64) {
	p.invalidateLocked(index, false)
}
