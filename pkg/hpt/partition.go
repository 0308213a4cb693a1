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
	"runtime"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/atomicbitops"
	"gvisor.dev/hpt/pkg/log"
	"gvisor.dev/hpt/pkg/sync"
)

// ErrBadOrder is returned for a table order outside the architected range.
var ErrBadOrder = errors.New("invalid hashed page table order")

// MaxSupportedOrder bounds the table size this package will allocate.
const MaxSupportedOrder = 34

// Opts configures a Partition.
type Opts struct {
	// Order is the binary log of the table size in bytes.
	Order uint

	// LPID is the logical partition ID used for broadcast invalidations.
	LPID uint64

	// UseMMUNotifiers selects on-demand host translation with
	// invalidation callbacks, instead of pinning every frame when the
	// memslot is added.
	UseMMUNotifiers bool

	// Hardware implements fences and TLB invalidation.
	Hardware Hardware

	// Host translates host virtual addresses of memslots.
	Host HostTranslator

	// NumCPUs is the number of physical processors that may run the
	// partition. Zero means runtime.NumCPU().
	NumCPUs int
}

// Partition is the hashed page table state of one guest.
type Partition struct {
	lpid  uint64
	order uint

	// hpt is the table itself. npte is its length and hptMask masks a
	// hash value to a PTEG number.
	hpt     []HPTE
	npte    uint64
	hptMask uint64

	// revmap holds one reverse map entry per slot.
	revmap []RevmapEntry

	// tlbieLock serializes broadcast invalidations.
	tlbieLock sync.SpinLock

	usingMMUNotifiers bool

	// notifier detects host invalidations racing with Enter.
	notifier sync.NotifierSeq

	// memslotsMu serializes memslot updates. memslotsMaster is only
	// accessed under memslotsMu; readers use the published memslots
	// snapshot.
	memslotsMu     sync.Mutex
	memslotsMaster *btree.BTreeG[*Memslot]
	memslots       atomic.Pointer[memslotSet]

	onlineVCPUs atomicbitops.Int32

	// needTLBFlush marks processors that may hold stale translations after
	// a local invalidation.
	needTLBFlush cpuMask

	hw   Hardware
	host HostTranslator
}

// NewPartition returns a new partition with an empty table.
func NewPartition(opts Opts) (*Partition, error) {
	if opts.Order < book3s.PPC_MIN_HPT_ORDER || opts.Order > book3s.PPC_MAX_HPT_ORDER {
		return nil, fmt.Errorf("order %d not in [%d, %d]: %w", opts.Order, book3s.PPC_MIN_HPT_ORDER, book3s.PPC_MAX_HPT_ORDER, ErrBadOrder)
	}
	if opts.Order > MaxSupportedOrder {
		return nil, fmt.Errorf("order %d exceeds supported maximum %d: %w", opts.Order, MaxSupportedOrder, ErrBadOrder)
	}
	if opts.Hardware == nil {
		return nil, errors.New("partition requires a hardware implementation")
	}
	if opts.UseMMUNotifiers && opts.Host == nil {
		return nil, errors.New("MMU notifier mode requires a host translator")
	}
	numCPUs := opts.NumCPUs
	if numCPUs <= 0 {
		numCPUs = runtime.NumCPU()
	}

	npte := uint64(1) << (opts.Order - 4)
	p := &Partition{
		lpid:              opts.LPID,
		order:             opts.Order,
		hpt:               make([]HPTE, npte),
		npte:              npte,
		hptMask:           (uint64(1) << (opts.Order - 7)) - 1,
		revmap:            make([]RevmapEntry, npte),
		usingMMUNotifiers: opts.UseMMUNotifiers,
		memslotsMaster:    btree.NewG(memslotDegree, memslotLess),
		needTLBFlush:      newCPUMask(numCPUs),
		hw:                opts.Hardware,
		host:              opts.Host,
	}
	p.memslots.Store(p.memslotsMaster.Clone())
	log.Infof("Partition %d: %d byte hashed page table, %d entries, notifiers=%t", p.lpid, uint64(1)<<opts.Order, npte, p.usingMMUNotifiers)
	return p, nil
}

// LPID returns the partition ID.
func (p *Partition) LPID() uint64 {
	return p.lpid
}

// NumEntries returns the number of table slots.
func (p *Partition) NumEntries() uint64 {
	return p.npte
}

// HashMask returns the mask applied to hash values to select a PTEG.
func (p *Partition) HashMask() uint64 {
	return p.hptMask
}

// UsingMMUNotifiers returns whether host translations are looked up on
// demand.
func (p *Partition) UsingMMUNotifiers() bool {
	return p.usingMMUNotifiers
}

// Entry returns the raw words of the slot at index, with the lock bit
// stripped from v, and the slot's guest r word. It takes no lock.
func (p *Partition) Entry(index uint64) (v, r, guestR uint64) {
	e := &p.hpt[index]
	return e.loadV() &^ book3s.HPTE_V_HVLOCK, e.loadR(), p.revmap[index].GuestRPTE()
}

// Locked returns whether the slot at index is locked.
func (p *Partition) Locked(index uint64) bool {
	return p.hpt[index].loadV()&book3s.HPTE_V_HVLOCK != 0
}

// Chain returns the slot indices mapping gfn, head first, or nil if gfn is
// not in a memslot or has no mappings. It takes the frame's rmap lock.
func (p *Partition) Chain(gfn uint64) []uint64 {
	rmap := p.rmapFor(gfn, true /* includeInvalid */)
	if rmap == nil {
		return nil
	}
	lockRmap(rmap)
	defer unlockRmap(rmap)
	return p.chainIndices(rmap)
}

// CheckChains verifies that every frame's reverse map chain is circular with
// symmetric links, that only Valid slots are linked, and that no slot is on
// two chains. It must only be called when the partition is quiescent.
func (p *Partition) CheckChains() error {
	seen := make(map[uint64]uint64)
	for _, m := range p.Memslots() {
		for gfn := m.BaseGFN; gfn < m.BaseGFN+m.NPages; gfn++ {
			word := m.Rmap(gfn)
			if word&RmapLock != 0 {
				return fmt.Errorf("rmap of gfn %#x is locked", gfn)
			}
			if word&RmapPresent == 0 {
				continue
			}
			head := word & RmapIndex
			i := head
			for n := uint64(0); ; n++ {
				if n > p.npte {
					return fmt.Errorf("chain of gfn %#x does not close", gfn)
				}
				if other, ok := seen[i]; ok {
					return fmt.Errorf("slot %d on chains of gfn %#x and %#x", i, other, gfn)
				}
				seen[i] = gfn
				rev := &p.revmap[i]
				if p.revmap[rev.loadForw()].loadBack() != uint32(i) {
					return fmt.Errorf("slot %d of gfn %#x: forw %d does not point back", i, gfn, rev.loadForw())
				}
				if p.hpt[i].loadV()&book3s.HPTE_V_VALID == 0 {
					return fmt.Errorf("slot %d of gfn %#x is linked but not valid", i, gfn)
				}
				i = uint64(rev.loadForw())
				if i == head {
					break
				}
			}
		}
	}
	for i := range p.hpt {
		v := p.hpt[i].loadV()
		if v&book3s.HPTE_V_HVLOCK != 0 {
			return fmt.Errorf("slot %d is locked", i)
		}
		if v&book3s.HPTE_V_VALID != 0 && v&book3s.HPTE_V_ABSENT != 0 {
			return fmt.Errorf("slot %d is both valid and absent: %#x", i, v)
		}
	}
	return nil
}

// NotifierSeq returns the partition's host invalidation gate.
func (p *Partition) NotifierSeq() *sync.NotifierSeq {
	return &p.notifier
}
