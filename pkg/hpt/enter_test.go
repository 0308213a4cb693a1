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
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/hpt"
	"gvisor.dev/hpt/pkg/hpt/hwsim"
)

func TestEnterRead(t *testing.T) {
	for _, notifiers := range []bool{false, true} {
		t.Run(fmt.Sprintf("notifiers=%t", notifiers), func(t *testing.T) {
			f := newFixture(t, fixtureOpts{notifiers: notifiers})
			c := f.vcpus[0]
			v := pteh(0x1234)
			index, ret := c.Enter(0, 0, v, 0x1000|rw)
			if ret != book3s.H_SUCCESS || index != 0 {
				t.Fatalf("Enter = %d, %d, want 0, H_SUCCESS", index, ret)
			}

			for _, flags := range []uint64{0, book3s.H_R_XLATE} {
				var out [8]uint64
				if n, ret := c.Read(flags, 0, &out); n != 1 || ret != book3s.H_SUCCESS {
					t.Fatalf("Read(%#x) = %d, %d, want 1, H_SUCCESS", flags, n, ret)
				}
				if out[0] != v {
					t.Errorf("Read(%#x) v = %#x, want %#x", flags, out[0], v)
				}
				if got := out[1] & book3s.HPTE_R_RPN; got != 0x1000 {
					t.Errorf("Read(%#x) RPN = %#x, want 0x1000", flags, got)
				}
				if got := out[1] & (book3s.HPTE_R_PP0 | book3s.HPTE_R_PP | book3s.HPTE_R_N); got != book3s.PP_RWRW {
					t.Errorf("Read(%#x) permissions = %#x, want %#x", flags, got, book3s.PP_RWRW)
				}
			}
			if diff := cmp.Diff([]uint64{0}, f.p.Chain(1)); diff != "" {
				t.Errorf("Chain(1) mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEnterReadFour(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	c := f.vcpus[0]
	for i := uint64(0); i < 3; i++ {
		f.enter(t, 40+i, pteh(0x100+i), 0x10+i, rw)
	}
	var out [8]uint64
	n, ret := c.Read(book3s.H_READ_4, 42, &out)
	if n != 4 || ret != book3s.H_SUCCESS {
		t.Fatalf("Read(H_READ_4) = %d, %d, want 4, H_SUCCESS", n, ret)
	}
	for i := uint64(0); i < 3; i++ {
		if out[2*i] != pteh(0x100+i) {
			t.Errorf("slot %d: v = %#x, want %#x", 40+i, out[2*i], pteh(0x100+i))
		}
		if got := out[2*i+1] & book3s.HPTE_R_RPN; got != (0x10+i)<<hostarch.PageShift {
			t.Errorf("slot %d: RPN = %#x, want %#x", 40+i, got, (0x10+i)<<hostarch.PageShift)
		}
	}
	if out[6] != 0 {
		t.Errorf("empty slot 43: v = %#x, want 0", out[6])
	}
}

func TestEnterProbe(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	c := f.vcpus[0]
	for i := uint64(0); i < book3s.HPTES_PER_GROUP; i++ {
		index, ret := c.Enter(0, 19, pteh(i), (0x20+i)<<hostarch.PageShift|rw)
		if ret != book3s.H_SUCCESS || index != 16+i {
			t.Fatalf("Enter #%d = %d, %d, want %d, H_SUCCESS", i, index, ret, 16+i)
		}
	}
	if _, ret := c.Enter(0, 16, pteh(9), 0x30<<hostarch.PageShift|rw); ret != book3s.H_PTEG_FULL {
		t.Errorf("Enter into full group = %d, want H_PTEG_FULL", ret)
	}
	if _, ret := c.Enter(book3s.H_EXACT, 17, pteh(9), 0x30<<hostarch.PageShift|rw); ret != book3s.H_PTEG_FULL {
		t.Errorf("Enter(H_EXACT) into occupied slot = %d, want H_PTEG_FULL", ret)
	}
	// The next group is unaffected.
	if index, ret := c.Enter(0, 24, pteh(9), 0x30<<hostarch.PageShift|rw); ret != book3s.H_SUCCESS || index != 24 {
		t.Errorf("Enter into next group = %d, %d, want 24, H_SUCCESS", index, ret)
	}
}

func TestEnterParameterErrors(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	c := f.vcpus[0]
	for _, tc := range []struct {
		name  string
		index uint64
		v, r  uint64
	}{
		{
			name: "unsupported page size",
			v:    pteh(1) | book3s.HPTE_V_LARGE,
			r:    0x2000 | rw,
		},
		{
			name:  "index out of range",
			index: f.p.NumEntries(),
			v:     pteh(1),
			r:     0x1000 | rw,
		},
		{
			name: "host page smaller than guest page",
			v:    pteh(1) | book3s.HPTE_V_LARGE,
			r:    0x10000 | 0x1000 | rw,
		},
		{
			name: "caching inhibited RAM",
			v:    pteh(1),
			r:    0x1000 | book3s.PP_RWRW | book3s.HPTE_R_I | book3s.HPTE_R_G,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, ret := c.Enter(0, tc.index, tc.v, tc.r); ret != book3s.H_PARAMETER {
				t.Errorf("Enter = %d, want H_PARAMETER", ret)
			}
		})
	}
	// Nothing was inserted.
	for i := uint64(0); i < book3s.HPTES_PER_GROUP; i++ {
		if v, _, _ := f.p.Entry(i); v != 0 {
			t.Errorf("slot %d: v = %#x, want 0", i, v)
		}
	}
}

func TestEnterLargePage(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	c := f.vcpus[0]
	const (
		baseGFN = 0x1000
		hva     = 0x20000000
		pa      = 0x4000000
	)
	if err := f.host.Map(hwsim.Mapping{HVA: hva, Size: 0x40000, PA: pa, Shift: 16, Writable: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := f.p.AddMemslot(hpt.MemslotOpts{ID: 2, BaseGFN: baseGFN, NPages: 64, UserspaceAddr: hva}); err != nil {
		t.Fatalf("AddMemslot failed: %v", err)
	}

	// The second 64K page of the memslot.
	v := pteh(0x55) | book3s.HPTE_V_LARGE
	r := uint64(baseGFN+16)<<hostarch.PageShift | 0x1000 | rw
	index, ret := c.Enter(0, 64, v, r)
	if ret != book3s.H_SUCCESS {
		t.Fatalf("Enter = %d, want H_SUCCESS", ret)
	}
	gotV, gotR, gotGR := f.p.Entry(index)
	if gotV != v {
		t.Errorf("v = %#x, want %#x", gotV, v)
	}
	if want := uint64(pa+0x10000) | 0x1000 | rw; gotR != want {
		t.Errorf("r = %#x, want %#x", gotR, want)
	}
	if gotGR != r {
		t.Errorf("guest r = %#x, want %#x", gotGR, r)
	}
	if size := hpt.PageSize(gotV, gotR); size != 1<<16 {
		t.Errorf("PageSize of installed entry = %#x, want 64K", size)
	}
	if diff := cmp.Diff([]uint64{index}, f.p.Chain(baseGFN+16)); diff != "" {
		t.Errorf("Chain mismatch (-want +got):\n%s", diff)
	}

	// A memslot that can't hold an aligned 64K page.
	if err := f.host.Map(hwsim.Mapping{HVA: 0x30000000, Size: 0x40000, PA: 0x8000000, Shift: 16, Writable: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := f.p.AddMemslot(hpt.MemslotOpts{ID: 3, BaseGFN: 0x2008, NPages: 64, UserspaceAddr: 0x30000000}); err != nil {
		t.Fatalf("AddMemslot failed: %v", err)
	}
	if _, ret := c.Enter(0, 64, v, 0x2010000|0x1000|rw); ret != book3s.H_PARAMETER {
		t.Errorf("Enter in misaligned memslot = %d, want H_PARAMETER", ret)
	}
}

func TestEnterMMIO(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	c := f.vcpus[0]
	r := uint64(0x5000000) | rw
	f.enter(t, 8, pteh(7), 0x5000, rw)

	v, liveR, gr := f.p.Entry(8)
	if v&book3s.HPTE_V_ABSENT == 0 || v&book3s.HPTE_V_VALID != 0 {
		t.Errorf("v = %#x, want Absent and not Valid", v)
	}
	if liveR&book3s.HPTE_R_KEY != book3s.HPTE_R_KEY {
		t.Errorf("live r = %#x, want key 31", liveR)
	}
	if gr != r {
		t.Errorf("guest r = %#x, want %#x", gr, r)
	}

	var out [8]uint64
	c.Read(book3s.H_R_XLATE, 8, &out)
	if out[0] != pteh(7) {
		t.Errorf("Read v = %#x, want %#x", out[0], pteh(7))
	}
	if out[1] != r {
		t.Errorf("Read r = %#x, want %#x", out[1], r)
	}
}

func TestEnterIOMemory(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	const baseGFN = 0x3000
	if err := f.host.Map(hwsim.Mapping{HVA: 0x30000000, Size: 0x4000, PA: 0x80000000, Writable: true, Type: hostarch.MemoryTypeUncached}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := f.p.AddMemslot(hpt.MemslotOpts{ID: 2, BaseGFN: baseGFN, NPages: 4, UserspaceAddr: 0x30000000}); err != nil {
		t.Fatalf("AddMemslot failed: %v", err)
	}

	for i, tc := range []struct {
		name string
		wimg uint64
		want uint64
	}{
		{name: "caching inhibited guarded", wimg: book3s.HPTE_R_I | book3s.HPTE_R_G, want: book3s.HPTE_R_I | book3s.HPTE_R_G},
		{name: "write through", wimg: book3s.HPTE_R_W | book3s.HPTE_R_I, want: book3s.HPTE_R_M},
		{name: "coherent", wimg: book3s.HPTE_R_M | book3s.HPTE_R_G, want: book3s.HPTE_R_M},
	} {
		t.Run(tc.name, func(t *testing.T) {
			index := uint64(8 * (i + 1))
			f.enter(t, index, pteh(1), baseGFN+1, book3s.PP_RWRW|tc.wimg)
			_, r, _ := f.p.Entry(index)
			if got := r & book3s.HPTE_R_WIMG; got != tc.want {
				t.Errorf("WIMG = %#x, want %#x", got, tc.want)
			}
			if got := r & book3s.HPTE_R_RPN; got != 0x80001000 {
				t.Errorf("RPN = %#x, want 0x80001000", got)
			}
		})
	}
}

func TestEnterUnpinnedFrame(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: false})
	if _, err := f.p.AddMemslot(hpt.MemslotOpts{ID: 2, BaseGFN: 0x4000, NPages: 4, UserspaceAddr: 0x40000000}); err != nil {
		t.Fatalf("AddMemslot failed: %v", err)
	}
	if _, ret := f.vcpus[0].Enter(0, 0, pteh(1), 0x4001000|rw); ret != book3s.H_TOO_HARD {
		t.Errorf("Enter of unpinned frame = %d, want H_TOO_HARD", ret)
	}
}

func TestEnterHostNotPresent(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	if err := f.host.Evict(testHVA); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	f.enter(t, 0, pteh(1), 3, rw)
	v, r, _ := f.p.Entry(0)
	if v&book3s.HPTE_V_ABSENT == 0 {
		t.Errorf("v = %#x, want Absent", v)
	}
	if r&book3s.HPTE_R_RPN != 0 {
		t.Errorf("r = %#x, want no RPN", r)
	}
	if got := f.p.Chain(3); len(got) != 0 {
		t.Errorf("Chain(3) = %v, want empty", got)
	}
}

func TestEnterReadOnlyHost(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	if err := f.host.SetWritable(testHVA, false); err != nil {
		t.Fatalf("SetWritable failed: %v", err)
	}
	f.enter(t, 0, pteh(1), 3, rw)
	_, r, gr := f.p.Entry(0)
	if hpt.IsWritable(r) {
		t.Errorf("live r = %#x is writable", r)
	}
	if !hpt.IsWritable(gr) {
		t.Errorf("guest r = %#x is not writable", gr)
	}
}

// racingHost invalidates host translations during every lookup.
type racingHost struct {
	*hwsim.HostTable
	p *hpt.Partition
}

func (h *racingHost) LookupHostPTE(hva uint64, writing bool) hpt.HostPTE {
	h.p.NotifierSeq().BeginInvalidate()
	h.p.NotifierSeq().EndInvalidate()
	return h.HostTable.LookupHostPTE(hva, writing)
}

func TestEnterRacesInvalidation(t *testing.T) {
	host := hwsim.NewHostTable()
	if err := host.Map(hwsim.Mapping{HVA: testHVA, Size: 0x10000, Writable: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	rh := &racingHost{HostTable: host}
	p, err := hpt.NewPartition(hpt.Opts{
		Order:           testOrder,
		UseMMUNotifiers: true,
		Hardware:        hwsim.NewMachine(hwsim.Opts{}),
		Host:            rh,
		NumCPUs:         1,
	})
	if err != nil {
		t.Fatalf("NewPartition failed: %v", err)
	}
	rh.p = p
	if _, err := p.AddMemslot(hpt.MemslotOpts{ID: 1, NPages: 16, UserspaceAddr: testHVA}); err != nil {
		t.Fatalf("AddMemslot failed: %v", err)
	}
	c := p.NewVCPU(0, 0)
	if _, ret := c.Enter(0, 0, pteh(1), 0x2000|rw); ret != book3s.H_SUCCESS {
		t.Fatalf("Enter = %d, want H_SUCCESS", ret)
	}
	v, r, _ := p.Entry(0)
	if v&book3s.HPTE_V_ABSENT == 0 || v&book3s.HPTE_V_VALID != 0 {
		t.Errorf("v = %#x, want Absent", v)
	}
	if r&book3s.HPTE_R_RPN != 0x2000 {
		t.Errorf("r = %#x, want RPN 0x2000", r)
	}
	if got := p.Chain(2); len(got) != 0 {
		t.Errorf("Chain(2) = %v, want empty", got)
	}
	if err := p.CheckChains(); err != nil {
		t.Errorf("CheckChains failed: %v", err)
	}
}

func TestEnterChainAndRC(t *testing.T) {
	f := newFixture(t, fixtureOpts{notifiers: true})
	f.enter(t, 8, pteh(1), 7, rw|book3s.HPTE_R_R|book3s.HPTE_R_C)
	f.enter(t, 16, pteh(2), 7, rw)
	f.enter(t, 24, pteh(3), 7, rw)
	if diff := cmp.Diff([]uint64{24, 16, 8}, f.p.Chain(7)); diff != "" {
		t.Errorf("Chain(7) mismatch (-want +got):\n%s", diff)
	}

	// R/C are only set in the live entry if the frame already has them.
	_, r, gr := f.p.Entry(8)
	if r&(book3s.HPTE_R_R|book3s.HPTE_R_C) != 0 {
		t.Errorf("live r = %#x, want R/C clear", r)
	}
	if gr&(book3s.HPTE_R_R|book3s.HPTE_R_C) != book3s.HPTE_R_R|book3s.HPTE_R_C {
		t.Errorf("guest r = %#x, want R/C set", gr)
	}

	if _, _, ret := f.vcpus[0].Remove(0, 16, 0); ret != book3s.H_SUCCESS {
		t.Fatalf("Remove = %d, want H_SUCCESS", ret)
	}
	if diff := cmp.Diff([]uint64{24, 8}, f.p.Chain(7)); diff != "" {
		t.Errorf("Chain(7) after Remove mismatch (-want +got):\n%s", diff)
	}
}
