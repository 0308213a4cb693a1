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

package hpt_test

import (
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/hpt"
	"gvisor.dev/hpt/pkg/hpt/hwsim"
)

// hvaOf returns the host virtual address backing gfn in the test memslot.
func hvaOf(gfn uint64) uint64 {
	return testHVA + gfn<<hostarch.PageShift
}

func TestUnmapHVARange(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true, vcpus: 2})
	f.enter(t, 8, pteh(0x20), 5, rw)
	f.enter(t, 40, pteh(0x21), 5, rw)
	f.enter(t, 16, pteh(0x22), 6, rw)
	f.p.WalkerSetRC(8, book3s.HPTE_R_C)
	seq := f.p.NotifierSeq().Snapshot()
	f.m.Reset()

	f.p.UnmapHVARange(hvaOf(5), hvaOf(6))

	for _, index := range []uint64{8, 40} {
		v, r, _ := f.p.Entry(index)
		if v&book3s.HPTE_V_VALID != 0 || v&book3s.HPTE_V_ABSENT == 0 {
			t.Errorf("slot %d v = %#x, want absent", index, v)
		}
		if r&book3s.HPTE_R_KEY != 0 {
			t.Errorf("slot %d r = %#x, want no key bits", index, r)
		}
	}
	if _, _, gr := f.p.Entry(8); gr&book3s.HPTE_R_C == 0 {
		t.Errorf("guest r of slot 8 = %#x, want C harvested", gr)
	}
	if got := f.p.Chain(5); len(got) != 0 {
		t.Errorf("Chain(5) = %v, want empty", got)
	}
	if f.p.Memslots()[0].Rmap(5)&hpt.RmapChanged == 0 {
		t.Errorf("rmap of gfn 5 lacks the changed bit")
	}
	if v, _, _ := f.p.Entry(16); v&book3s.HPTE_V_VALID == 0 {
		t.Errorf("slot 16 outside the range was invalidated: v = %#x", v)
	}
	if diff := cmp.Diff([]uint64{16}, f.p.Chain(6)); diff != "" {
		t.Errorf("Chain(6) mismatch (-want +got):\n%s", diff)
	}
	if got := f.m.Count(hwsim.OpTLBIE); got != 2 {
		t.Errorf("tlbie count = %d, want 2", got)
	}
	if !f.p.NotifierSeq().Retry(seq) {
		t.Errorf("Retry after UnmapHVARange = false, want true")
	}

	// The frame can be mapped again.
	v := pteh(0x23)
	f.enter(t, 48, v, 5, rw)
	if diff := cmp.Diff([]uint64{48}, f.p.Chain(5)); diff != "" {
		t.Errorf("Chain(5) after re-Enter mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmapHVARangePartialPage(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	f.enter(t, 8, pteh(0x20), 5, rw)
	f.enter(t, 16, pteh(0x21), 7, rw)

	// A range covering part of a page unmaps the whole page.
	f.p.UnmapHVARange(hvaOf(5)+0x800, hvaOf(5)+0x900)
	if v, _, _ := f.p.Entry(8); v&book3s.HPTE_V_VALID != 0 {
		t.Errorf("slot 8 v = %#x, want invalid", v)
	}
	if v, _, _ := f.p.Entry(16); v&book3s.HPTE_V_VALID == 0 {
		t.Errorf("slot 16 v = %#x, want valid", v)
	}

	// Ranges outside every memslot do nothing.
	f.m.Reset()
	f.p.UnmapHVARange(0, testHVA)
	f.p.UnmapHVARange(hvaOf(testPages), hvaOf(testPages)+0x10000)
	if got := f.m.Count(hwsim.OpTLBIE); got != 0 {
		t.Errorf("tlbie count = %d, want 0", got)
	}
}

func TestUnmapFrame(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.enter(t, 8, pteh(0x20), 5, rw)
	f.enter(t, 9, pteh(0x21), 5, rw)
	f.p.UnmapFrame(5)
	for _, index := range []uint64{8, 9} {
		if v, _, _ := f.p.Entry(index); v&book3s.HPTE_V_VALID != 0 {
			t.Errorf("slot %d v = %#x, want invalid", index, v)
		}
	}
	if got := f.p.Chain(5); len(got) != 0 {
		t.Errorf("Chain(5) = %v, want empty", got)
	}

	// Frames outside every memslot are ignored.
	f.p.UnmapFrame(0x5000)
}

func TestAgeFrame(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	c := f.vcpus[0]
	f.enter(t, 8, pteh(0x20), 5, rw)

	if f.p.TestAgeFrame(5) {
		t.Errorf("TestAgeFrame of unreferenced frame = true")
	}
	if f.p.AgeFrame(5) {
		t.Errorf("AgeFrame of unreferenced frame = true")
	}

	// Referenced through the live entry.
	f.p.WalkerSetRC(8, book3s.HPTE_R_R)
	if !f.p.TestAgeFrame(5) {
		t.Errorf("TestAgeFrame of referenced entry = false")
	}
	f.m.Reset()
	if !f.p.AgeFrame(5) {
		t.Errorf("AgeFrame of referenced entry = false")
	}
	_, r, gr := f.p.Entry(8)
	if r&book3s.HPTE_R_R != 0 {
		t.Errorf("live r = %#x, want R clear", r)
	}
	if gr&book3s.HPTE_R_R == 0 {
		t.Errorf("guest r = %#x, want R harvested", gr)
	}
	if got := f.m.Count(hwsim.OpTLBIE); got != 1 {
		t.Errorf("tlbie count = %d, want 1", got)
	}
	if f.p.AgeFrame(5) {
		t.Errorf("second AgeFrame = true")
	}

	// Referenced through the rmap, after the guest cleared the entry.
	f.p.WalkerSetRC(8, book3s.HPTE_R_R)
	if _, ret := c.ClearRef(0, 8); ret != book3s.H_SUCCESS {
		t.Fatalf("ClearRef = %d, want H_SUCCESS", ret)
	}
	if !f.p.TestAgeFrame(5) {
		t.Errorf("TestAgeFrame with referenced rmap = false")
	}
	if !f.p.AgeFrame(5) {
		t.Errorf("AgeFrame with referenced rmap = false")
	}
	if f.p.Memslots()[0].Rmap(5)&hpt.RmapReferenced != 0 {
		t.Errorf("AgeFrame left the referenced bit set")
	}
	if f.p.TestAgeFrame(5) {
		t.Errorf("TestAgeFrame after aging = true")
	}

	if f.p.AgeFrame(0x5000) || f.p.TestAgeFrame(0x5000) {
		t.Errorf("aging a frame outside every memslot = true")
	}
}

func TestAgeHVARange(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	f.enter(t, 8, pteh(0x20), 5, rw)
	f.enter(t, 16, pteh(0x21), 6, rw)
	f.p.WalkerSetRC(16, book3s.HPTE_R_R)

	if f.p.AgeHVARange(hvaOf(5), hvaOf(6)) {
		t.Errorf("AgeHVARange of unreferenced range = true")
	}
	if !f.p.AgeHVARange(hvaOf(0), hvaOf(testPages)) {
		t.Errorf("AgeHVARange of referenced range = false")
	}
	if _, r, _ := f.p.Entry(16); r&book3s.HPTE_R_R != 0 {
		t.Errorf("live r of slot 16 = %#x, want R clear", r)
	}
}

func TestRemoveMemslotUnmaps(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	c := f.vcpus[0]
	f.enter(t, 8, pteh(0x20), 5, rw)
	seq := f.p.NotifierSeq().Snapshot()

	if err := f.p.RemoveMemslot(1); err != nil {
		t.Fatalf("RemoveMemslot failed: %v", err)
	}
	if v, _, _ := f.p.Entry(8); v&book3s.HPTE_V_VALID != 0 || v&book3s.HPTE_V_ABSENT == 0 {
		t.Errorf("slot 8 v = %#x, want absent", v)
	}
	if got := len(f.p.Memslots()); got != 0 {
		t.Errorf("len(Memslots()) = %d, want 0", got)
	}
	if !f.p.NotifierSeq().Retry(seq) {
		t.Errorf("Retry after RemoveMemslot = false, want true")
	}

	// The frame is now emulated MMIO.
	index, ret := c.Enter(book3s.H_EXACT, 16, pteh(0x21), 5<<12|rw)
	if ret != book3s.H_SUCCESS {
		t.Fatalf("Enter = %d, want H_SUCCESS", ret)
	}
	v, r, _ := f.p.Entry(index)
	if v&book3s.HPTE_V_ABSENT == 0 || r&book3s.HPTE_R_KEY != book3s.HPTE_R_KEY {
		t.Errorf("entry = %#x, %#x, want absent MMIO", v, r)
	}
}

// countingHost records how many invalidations had started when the host
// translation was last looked up.
type countingHost struct {
	*hwsim.HostTable
	started *atomic.Uint64
	seen    atomic.Uint64
}

func (h *countingHost) LookupHostPTE(hva uint64, writing bool) hpt.HostPTE {
	h.seen.Store(h.started.Load())
	return h.HostTable.LookupHostPTE(hva, writing)
}

// An invalidation that begins after Enter looked up the host translation
// must not leave a valid entry behind once it returns.
func TestUnmapHVARangeRacesEnter(t *testing.T) {
	iters := 20000
	if testing.Short() {
		iters = 2000
	}
	host := hwsim.NewHostTable()
	if err := host.Map(hwsim.Mapping{HVA: testHVA, Size: 0x10000, Writable: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	var started, done atomic.Uint64
	ch := &countingHost{HostTable: host, started: &started}
	p, err := hpt.NewPartition(hpt.Opts{
		Order:           testOrder,
		UseMMUNotifiers: true,
		Hardware:        hwsim.NewMachine(hwsim.Opts{}),
		Host:            ch,
		NumCPUs:         1,
	})
	if err != nil {
		t.Fatalf("NewPartition failed: %v", err)
	}
	if _, err := p.AddMemslot(hpt.MemslotOpts{ID: 1, NPages: 16, UserspaceAddr: testHVA}); err != nil {
		t.Fatalf("AddMemslot failed: %v", err)
	}
	c := p.NewVCPU(0, 0)

	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			started.Add(1)
			p.UnmapHVARange(hvaOf(5), hvaOf(6))
			done.Add(1)
		}
	})

	for i := 0; i < iters; i++ {
		if _, ret := c.Enter(book3s.H_EXACT, 8, pteh(1), 5<<hostarch.PageShift|rw); ret != book3s.H_SUCCESS {
			t.Errorf("Enter = %d, want H_SUCCESS", ret)
			break
		}
		finished := done.Load()
		v, _, _ := p.Entry(8)
		if seen := ch.seen.Load(); v&book3s.HPTE_V_VALID != 0 && finished > seen {
			t.Errorf("iteration %d: v = %#x valid after invalidation %d began past the lookup (%d begun at lookup)", i, v, finished, seen)
			break
		}
		if _, _, ret := c.Remove(0, 8, 0); ret != book3s.H_SUCCESS {
			t.Errorf("Remove = %d, want H_SUCCESS", ret)
			break
		}
	}
	close(stop)
	if err := g.Wait(); err != nil {
		t.Errorf("unmap: %v", err)
	}
	if err := p.CheckChains(); err != nil {
		t.Errorf("CheckChains failed: %v", err)
	}
}
