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
	"testing"

	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/hpt"
	"gvisor.dev/hpt/pkg/hpt/hwsim"
)

const (
	testOrder = 18
	testLPID  = 5

	// Guest frames [0, testPages) are backed by host virtual memory at
	// testHVA, which maps host physical memory one to one with guest
	// physical memory.
	testHVA   = 0x10000000
	testPages = 256

	// rw is an r word template: read/write at all privilege levels,
	// memory coherent.
	rw = book3s.PP_RWRW | book3s.HPTE_R_M
)

type fixture struct {
	p     *hpt.Partition
	m     *hwsim.Machine
	host  *hwsim.HostTable
	vcpus []*hpt.VCPU
}

type fixtureOpts struct {
	notifiers bool
	vcpus     int
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	f := &fixture{
		m:    hwsim.NewMachine(hwsim.Opts{Record: true}),
		host: hwsim.NewHostTable(),
	}
	if err := f.host.Map(hwsim.Mapping{HVA: testHVA, Size: testPages * hostarch.PageSize, PA: 0, Writable: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	p, err := hpt.NewPartition(hpt.Opts{
		Order:           testOrder,
		LPID:            testLPID,
		UseMMUNotifiers: opts.notifiers,
		Hardware:        f.m,
		Host:            f.host,
		NumCPUs:         8,
	})
	if err != nil {
		t.Fatalf("NewPartition failed: %v", err)
	}
	f.p = p
	if _, err := p.AddMemslot(hpt.MemslotOpts{ID: 1, BaseGFN: 0, NPages: testPages, UserspaceAddr: testHVA}); err != nil {
		t.Fatalf("AddMemslot failed: %v", err)
	}
	n := opts.vcpus
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		f.vcpus = append(f.vcpus, p.NewVCPU(i, i))
	}
	t.Cleanup(func() {
		if t.Failed() {
			return
		}
		if err := p.CheckChains(); err != nil {
			t.Errorf("CheckChains failed: %v", err)
		}
	})
	return f
}

// pteh returns a first word with the given AVPN.
func pteh(avpn uint64) uint64 {
	return avpn<<book3s.HPTE_V_AVPN_SHIFT | book3s.HPTE_V_VALID
}

// enter inserts a 4K entry for gfn at exactly index and fails the test on
// error.
func (f *fixture) enter(t *testing.T, index, v, gfn, bits uint64) {
	t.Helper()
	got, ret := f.vcpus[0].Enter(book3s.H_EXACT, index, v, gfn<<hostarch.PageShift|bits)
	if ret != book3s.H_SUCCESS || got != index {
		t.Fatalf("Enter(%d, gfn %#x) = %d, %d, want %d, H_SUCCESS", index, gfn, got, ret, index)
	}
}
