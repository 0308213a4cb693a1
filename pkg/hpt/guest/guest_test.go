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

package guest_test

import (
	"errors"
	"testing"

	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/hpt"
	"gvisor.dev/hpt/pkg/hpt/guest"
	"gvisor.dev/hpt/pkg/hpt/hwsim"
)

const (
	testHVA = 0x10000000
	slbV    = 0x456 << book3s.SLB_VSID_SHIFT
	ea      = 0x7000
	rw      = book3s.PP_RWRW | book3s.HPTE_R_M
)

func newDriver(t *testing.T) (*guest.Driver, *hpt.Partition) {
	t.Helper()
	host := hwsim.NewHostTable()
	if err := host.Map(hwsim.Mapping{HVA: testHVA, Size: 64 * hostarch.PageSize, Writable: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	p, err := hpt.NewPartition(hpt.Opts{
		Order:           18,
		LPID:            1,
		UseMMUNotifiers: true,
		Hardware:        hwsim.NewMachine(hwsim.Opts{}),
		Host:            host,
		NumCPUs:         2,
	})
	if err != nil {
		t.Fatalf("NewPartition failed: %v", err)
	}
	if _, err := p.AddMemslot(hpt.MemslotOpts{ID: 1, NPages: 64, UserspaceAddr: testHVA}); err != nil {
		t.Fatalf("AddMemslot failed: %v", err)
	}
	t.Cleanup(func() {
		if err := p.CheckChains(); err != nil {
			t.Errorf("CheckChains failed: %v", err)
		}
	})
	return guest.NewDriver(p.NewVCPU(0, 0), guest.Opts{Seed: 1}), p
}

func TestMapLookupUnmap(t *testing.T) {
	d, p := newDriver(t)
	r := uint64(5<<hostarch.PageShift) | rw
	slot, err := d.Map(ea, slbV, r)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	primary, _ := p.HashedLocation(ea, slbV)
	if slot&^7 != primary {
		t.Errorf("slot %d not in the primary group at %d", slot, primary)
	}

	index, v, gotR, err := d.Lookup(ea, slbV)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if index != slot || v&book3s.HPTE_V_VALID == 0 || gotR != r {
		t.Errorf("Lookup = %d, %#x, %#x, want %d, valid, %#x", index, v, gotR, slot, r)
	}
	if _, _, _, err := d.Lookup(ea+hostarch.PageSize, slbV); !errors.Is(err, guest.ErrNotMapped) {
		t.Errorf("Lookup of unmapped page error = %v, want %v", err, guest.ErrNotMapped)
	}

	if err := d.Protect(ea, slbV, book3s.PP_RXRX); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	if _, _, gotR, _ := d.Lookup(ea, slbV); gotR&book3s.HPTE_R_PP != book3s.PP_RXRX {
		t.Errorf("r after Protect = %#x, want read-only", gotR)
	}

	p.WalkerSetRC(slot, book3s.HPTE_R_R|book3s.HPTE_R_C)
	ref, chg, err := d.Harvest(ea, slbV)
	if err != nil || !ref || !chg {
		t.Errorf("Harvest = %t, %t, %v, want true, true, nil", ref, chg, err)
	}
	ref, chg, err = d.Harvest(ea, slbV)
	if err != nil || ref || chg {
		t.Errorf("second Harvest = %t, %t, %v, want false, false, nil", ref, chg, err)
	}

	if _, err := d.Unmap(ea, slbV); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if _, err := d.Unmap(ea, slbV); !errors.Is(err, guest.ErrNotMapped) {
		t.Errorf("second Unmap error = %v, want %v", err, guest.ErrNotMapped)
	}
}

func TestMapEvicts(t *testing.T) {
	d, p := newDriver(t)
	r := uint64(5<<hostarch.PageShift) | rw
	primary, _ := p.HashedLocation(ea, slbV)
	secondary := primary ^ p.HashMask()*book3s.HPTES_PER_GROUP

	// Fill the primary and then the secondary group.
	for i := 0; i < 2*book3s.HPTES_PER_GROUP; i++ {
		slot, err := d.Map(ea, slbV, r)
		if err != nil {
			t.Fatalf("Map %d failed: %v", i, err)
		}
		want := primary
		if i >= book3s.HPTES_PER_GROUP {
			want = secondary
		}
		if slot&^7 != want {
			t.Errorf("Map %d used slot %d, want group at %d", i, slot, want)
		}
	}
	if d.Evictions() != 0 {
		t.Errorf("Evictions = %d, want 0", d.Evictions())
	}

	slot, err := d.Map(ea, slbV, r)
	if err != nil {
		t.Fatalf("Map into full groups failed: %v", err)
	}
	if slot&^7 != primary {
		t.Errorf("Map used slot %d, want the evicted primary slot", slot)
	}
	if d.Evictions() != 1 {
		t.Errorf("Evictions = %d, want 1", d.Evictions())
	}
}

func TestMapBoltedGroupsFull(t *testing.T) {
	d, p := newDriver(t)
	c := p.NewVCPU(1, 1)
	primary, v := p.HashedLocation(ea, slbV)
	secondary := primary ^ p.HashMask()*book3s.HPTES_PER_GROUP
	r := uint64(6<<hostarch.PageShift) | rw
	for i := uint64(0); i < book3s.HPTES_PER_GROUP; i++ {
		if _, ret := c.Enter(book3s.H_EXACT, primary+i, v|book3s.HPTE_V_BOLTED, r); ret != book3s.H_SUCCESS {
			t.Fatalf("Enter = %d", ret)
		}
		if _, ret := c.Enter(book3s.H_EXACT, secondary+i, v|book3s.HPTE_V_BOLTED|book3s.HPTE_V_SECONDARY, r); ret != book3s.H_SUCCESS {
			t.Fatalf("Enter = %d", ret)
		}
	}

	if _, err := d.Map(ea, slbV, r); !errors.Is(err, guest.ErrGroupsFull) {
		t.Errorf("Map error = %v, want %v", err, guest.ErrGroupsFull)
	}
	if d.Evictions() != 0 {
		t.Errorf("Evictions = %d, want 0", d.Evictions())
	}
}

func TestMapHcallError(t *testing.T) {
	d, _ := newDriver(t)
	// Caching inhibited ordinary memory is refused.
	r := uint64(5<<hostarch.PageShift) | book3s.PP_RWRW | book3s.HPTE_R_I
	_, err := d.Map(ea, slbV, r)
	var herr *guest.HcallError
	if !errors.As(err, &herr) {
		t.Fatalf("Map error = %v, want HcallError", err)
	}
	if herr.Hcall != "H_ENTER" || herr.Status != book3s.H_PARAMETER {
		t.Errorf("HcallError = %+v, want H_ENTER H_PARAMETER", herr)
	}
}
