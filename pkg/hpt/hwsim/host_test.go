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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/hpt"
)

func TestHostTableLookup(t *testing.T) {
	h := NewHostTable()
	if err := h.Map(Mapping{HVA: 0x100000, Size: 0x20000, PA: 0x7000000, Shift: 16, Writable: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := h.Map(Mapping{HVA: 0x200000, Size: 0x1000, PA: 0x9000, Type: hostarch.MemoryTypeUncached}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	for _, tc := range []struct {
		name string
		hva  uint64
		want hpt.HostPTE
	}{
		{
			name: "first large page",
			hva:  0x100000,
			want: hpt.HostPTE{Present: true, Writable: true, PFN: 0x7000, Shift: 16},
		},
		{
			name: "second large page",
			hva:  0x11f123,
			want: hpt.HostPTE{Present: true, Writable: true, PFN: 0x7010, Shift: 16},
		},
		{
			name: "uncached read-only",
			hva:  0x200800,
			want: hpt.HostPTE{Present: true, PFN: 0x9, Shift: 12, MemoryType: hostarch.MemoryTypeUncached},
		},
		{
			name: "hole",
			hva:  0x120000,
			want: hpt.HostPTE{},
		},
		{
			name: "below",
			hva:  0x1000,
			want: hpt.HostPTE{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, h.LookupHostPTE(tc.hva, false)); diff != "" {
				t.Errorf("LookupHostPTE(%#x) mismatch (-want +got):\n%s", tc.hva, diff)
			}
		})
	}
}

func TestHostTableUpdates(t *testing.T) {
	h := NewHostTable()
	if err := h.Map(Mapping{HVA: 0x10000, Size: 0x4000, PA: 0x40000, Writable: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := h.Map(Mapping{HVA: 0x12000, Size: 0x1000, PA: 0x1000}); err == nil {
		t.Errorf("overlapping Map succeeded")
	}
	if err := h.Map(Mapping{HVA: 0x30800, Size: 0x1000, PA: 0x1000}); err == nil {
		t.Errorf("unaligned Map succeeded")
	}

	if err := h.SetWritable(0x10000, false); err != nil {
		t.Fatalf("SetWritable failed: %v", err)
	}
	if pte := h.LookupHostPTE(0x11000, true); pte.Writable || !pte.Present {
		t.Errorf("after SetWritable(false): got %+v, want present read-only", pte)
	}

	if err := h.Evict(0x10000); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	want := hpt.HostPTE{Shift: 12}
	if diff := cmp.Diff(want, h.LookupHostPTE(0x11000, false)); diff != "" {
		t.Errorf("after Evict mismatch (-want +got):\n%s", diff)
	}

	if err := h.Restore(0x10000); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if pte := h.LookupHostPTE(0x13000, false); !pte.Present || pte.PFN != 0x43 {
		t.Errorf("after Restore: got %+v, want present PFN 0x43", pte)
	}

	if err := h.Unmap(0x10000); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if err := h.Unmap(0x10000); err == nil {
		t.Errorf("second Unmap succeeded")
	}
	if pte := h.LookupHostPTE(0x11000, false); pte.Shift != 0 {
		t.Errorf("after Unmap: got %+v, want unmapped", pte)
	}
	if got := h.Lookups(); got != 4 {
		t.Errorf("Lookups() = %d, want 4", got)
	}
}
