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
	"errors"
	"testing"

	"gvisor.dev/hpt/pkg/hpt"
	"gvisor.dev/hpt/pkg/hpt/hwsim"
)

func TestNewPartitionOrder(t *testing.T) {
	m := hwsim.NewMachine(hwsim.Opts{})
	for _, order := range []uint{0, 17, hpt.MaxSupportedOrder + 1, 47} {
		if _, err := hpt.NewPartition(hpt.Opts{Order: order, Hardware: m}); !errors.Is(err, hpt.ErrBadOrder) {
			t.Errorf("NewPartition(order %d) error = %v, want %v", order, err, hpt.ErrBadOrder)
		}
	}

	p, err := hpt.NewPartition(hpt.Opts{Order: 20, LPID: 9, Hardware: m, NumCPUs: 4})
	if err != nil {
		t.Fatalf("NewPartition failed: %v", err)
	}
	if got := p.NumEntries(); got != 1<<16 {
		t.Errorf("NumEntries = %d, want %d", got, 1<<16)
	}
	if got := p.HashMask(); got != 1<<13-1 {
		t.Errorf("HashMask = %#x, want %#x", got, 1<<13-1)
	}
	if got := p.LPID(); got != 9 {
		t.Errorf("LPID = %d, want 9", got)
	}
	if p.UsingMMUNotifiers() {
		t.Errorf("UsingMMUNotifiers = true, want false")
	}
	if err := p.CheckChains(); err != nil {
		t.Errorf("CheckChains of empty partition failed: %v", err)
	}
}

func TestNewPartitionMissingDeps(t *testing.T) {
	if _, err := hpt.NewPartition(hpt.Opts{Order: 18}); err == nil {
		t.Errorf("NewPartition without hardware succeeded")
	}
	m := hwsim.NewMachine(hwsim.Opts{})
	if _, err := hpt.NewPartition(hpt.Opts{Order: 18, Hardware: m, UseMMUNotifiers: true}); err == nil {
		t.Errorf("NewPartition in notifier mode without a host succeeded")
	}
}

func TestVCPULifecycle(t *testing.T) {
	f := newFixture(t, fixtureOpts{vcpus: 2})
	if got := f.p.OnlineVCPUs(); got != 2 {
		t.Fatalf("OnlineVCPUs = %d, want 2", got)
	}
	c := f.vcpus[1]
	if c.Partition() != f.p {
		t.Errorf("Partition() returned a different partition")
	}
	c.Destroy()
	f.vcpus[0].Destroy()
	if got := f.p.OnlineVCPUs(); got != 0 {
		t.Errorf("OnlineVCPUs after Destroy = %d, want 0", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("extra Destroy did not panic")
		}
	}()
	c.Destroy()
}
