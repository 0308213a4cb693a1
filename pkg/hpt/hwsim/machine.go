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

// Package hwsim provides software implementations of the processor and host
// interfaces used by package hpt: a Machine that records fences and TLB
// invalidations, and a HostTable that simulates host page tables.
package hwsim

import (
	"fmt"

	"gvisor.dev/hpt/pkg/atomicbitops"
	"gvisor.dev/hpt/pkg/sync"
)

// Op is a recorded processor operation.
type Op int

// Recorded operations.
const (
	OpEIEIO Op = iota
	OpPTESync
	OpTLBSync
	OpTLBIE
	OpTLBIEL
	OpTLBIELAll
	numOps
)

var opNames = [numOps]string{
	OpEIEIO:     "eieio",
	OpPTESync:   "ptesync",
	OpTLBSync:   "tlbsync",
	OpTLBIE:     "tlbie",
	OpTLBIEL:    "tlbiel",
	OpTLBIELAll: "tlbiel-all",
}

// String implements fmt.Stringer.
func (o Op) String() string {
	if o < 0 || o >= numOps {
		return fmt.Sprintf("Op(%d)", int(o))
	}
	return opNames[o]
}

// Event is one recorded operation.
type Event struct {
	Op   Op
	RB   uint64
	LPID uint64
}

// Batch is a completed group of invalidations: broadcast invalidations
// closed by tlbsync, local invalidations closed by ptesync, or a full local
// flush.
type Batch struct {
	Global bool
	Full   bool
	RBs    []uint64
}

// Opts configures a Machine.
type Opts struct {
	// Record enables the event and batch logs. Counters are always kept.
	Record bool
}

// Machine implements hpt.Hardware in software.
type Machine struct {
	record bool

	counts [numOps]atomicbitops.Uint64

	// mu protects the fields below.
	mu            sync.Mutex
	events        []Event
	batches       []Batch
	pendingGlobal []uint64
	pendingLocal  []uint64

	// OnTLBIE, if set, is called for every broadcast invalidation before
	// it is recorded. It must not be changed while other threads use the
	// machine.
	OnTLBIE func(rb, lpid uint64)
}

// NewMachine returns a new Machine.
func NewMachine(opts Opts) *Machine {
	return &Machine{record: opts.Record}
}

func (m *Machine) add(ev Event) {
	m.counts[ev.Op].Add(1)
	if !m.record {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	switch ev.Op {
	case OpTLBIE:
		m.pendingGlobal = append(m.pendingGlobal, ev.RB)
	case OpTLBIEL:
		m.pendingLocal = append(m.pendingLocal, ev.RB)
	case OpTLBSync:
		if len(m.pendingGlobal) > 0 {
			m.batches = append(m.batches, Batch{Global: true, RBs: m.pendingGlobal})
			m.pendingGlobal = nil
		}
	case OpPTESync:
		if len(m.pendingLocal) > 0 {
			m.batches = append(m.batches, Batch{RBs: m.pendingLocal})
			m.pendingLocal = nil
		}
	case OpTLBIELAll:
		m.batches = append(m.batches, Batch{Full: true})
	}
}

// EIEIO implements hpt.MemoryFence.EIEIO.
func (m *Machine) EIEIO() {
	m.add(Event{Op: OpEIEIO})
}

// PTESync implements hpt.MemoryFence.PTESync.
func (m *Machine) PTESync() {
	m.add(Event{Op: OpPTESync})
}

// TLBSync implements hpt.MemoryFence.TLBSync.
func (m *Machine) TLBSync() {
	m.add(Event{Op: OpTLBSync})
}

// TLBIE implements hpt.Invalidator.TLBIE.
func (m *Machine) TLBIE(rb, lpid uint64) {
	if m.OnTLBIE != nil {
		m.OnTLBIE(rb, lpid)
	}
	m.add(Event{Op: OpTLBIE, RB: rb, LPID: lpid})
}

// TLBIEL implements hpt.Invalidator.TLBIEL.
func (m *Machine) TLBIEL(rb uint64) {
	m.add(Event{Op: OpTLBIEL, RB: rb})
}

// TLBIELAll implements hpt.Invalidator.TLBIELAll.
func (m *Machine) TLBIELAll(lpid uint64) {
	m.add(Event{Op: OpTLBIELAll, LPID: lpid})
}

// Count returns the number of times op was performed.
func (m *Machine) Count(op Op) uint64 {
	return m.counts[op].Load()
}

// Events returns a copy of the event log.
func (m *Machine) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Batches returns a copy of the completed invalidation batches.
func (m *Machine) Batches() []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Batch(nil), m.batches...)
}

// Reset clears the logs and counters.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.counts {
		m.counts[i].Store(0)
	}
	m.events = nil
	m.batches = nil
	m.pendingGlobal = nil
	m.pendingLocal = nil
}

// String summarizes the counters.
func (m *Machine) String() string {
	s := ""
	for op := Op(0); op < numOps; op++ {
		if s != "" {
			s += " "
		}
		s += fmt.Sprintf("%s=%d", op, m.Count(op))
	}
	return s
}
