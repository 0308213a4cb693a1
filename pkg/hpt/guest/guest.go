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

// Package guest is the guest operating system side of the hashed page table:
// it maps, protects and unmaps effective addresses with hypercalls, the way
// a paravirtualized kernel manages its translations.
package guest

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/cenkalti/backoff"
	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/hpt"
)

var (
	// ErrGroupsFull is returned by Map when both groups of a hash stayed
	// full after every eviction attempt.
	ErrGroupsFull = errors.New("primary and secondary PTEGs are full")

	// ErrNotMapped is returned when an address has no translation.
	ErrNotMapped = errors.New("address not mapped")
)

// HcallError is a hypercall failure other than a full group.
type HcallError struct {
	Hcall  string
	Status int64
}

// Error implements error.Error.
func (e *HcallError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Hcall, e.Status)
}

// matchMask selects the bits of a first word that identify a translation.
const matchMask = book3s.HPTE_V_AVPN_VAL_MASK | book3s.HPTE_V_LARGE | book3s.HPTE_V_SECONDARY | book3s.HPTE_V_VALID

// Opts configures a Driver.
type Opts struct {
	// Seed seeds the choice of eviction victims.
	Seed uint64

	// MaxEvictions bounds the evictions done by a single Map.
	MaxEvictions uint64
}

// Driver issues page table hypercalls on one vcpu. It is not safe for
// concurrent use; run one Driver per vcpu.
type Driver struct {
	vcpu         *hpt.VCPU
	groupMask    uint64
	rng          *rand.Rand
	maxEvictions uint64
	evictions    uint64
}

// NewDriver returns a driver using c.
func NewDriver(c *hpt.VCPU, opts Opts) *Driver {
	if opts.MaxEvictions == 0 {
		opts.MaxEvictions = book3s.HPTES_PER_GROUP
	}
	return &Driver{
		vcpu:         c,
		groupMask:    c.Partition().HashMask() * book3s.HPTES_PER_GROUP,
		rng:          rand.New(rand.NewPCG(opts.Seed, uint64(c.ID))),
		maxEvictions: opts.MaxEvictions,
	}
}

// Evictions returns the number of entries Map has evicted.
func (d *Driver) Evictions() uint64 {
	return d.evictions
}

// call issues hypercall nr.
func (d *Driver) call(nr uint64, args ...uint64) int64 {
	c := d.vcpu
	c.GPR[3] = nr
	copy(c.GPR[4:], args)
	return c.Hypercall()
}

// groups returns the first slot and first word of the primary and secondary
// groups of ea.
func (d *Driver) groups(ea, slbV uint64) [2][2]uint64 {
	index, v := d.vcpu.Partition().HashedLocation(ea, slbV)
	return [2][2]uint64{
		{index, v},
		{index ^ d.groupMask, v | book3s.HPTE_V_SECONDARY},
	}
}

// Map translates ea in the segment slbV with the second word r. When both
// groups are full, a random entry of the primary group that is not bolted
// is evicted and the insertion retried. It returns the slot used.
func (d *Driver) Map(ea, slbV, r uint64) (uint64, error) {
	groups := d.groups(ea, slbV)
	var (
		slot uint64
		full bool
	)
	op := func() error {
		if full {
			victim := groups[0][0] + d.rng.Uint64N(book3s.HPTES_PER_GROUP)
			switch ret := d.call(book3s.H_REMOVE, book3s.H_ANDCOND, victim, book3s.HPTE_V_BOLTED); ret {
			case book3s.H_SUCCESS:
				d.evictions++
			case book3s.H_NOT_FOUND:
				// Bolted, or freed under us.
			default:
				return backoff.Permanent(&HcallError{Hcall: "H_REMOVE", Status: ret})
			}
		}
		for _, g := range groups {
			switch ret := d.call(book3s.H_ENTER, 0, g[0], g[1], r); ret {
			case book3s.H_SUCCESS:
				slot = d.vcpu.GPR[4]
				return nil
			case book3s.H_PTEG_FULL:
			default:
				return backoff.Permanent(&HcallError{Hcall: "H_ENTER", Status: ret})
			}
		}
		full = true
		return ErrGroupsFull
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, d.maxEvictions)); err != nil {
		return 0, fmt.Errorf("mapping %#x: %w", ea, err)
	}
	return slot, nil
}

// Lookup finds the translation of ea in the segment slbV. It returns the
// slot and the entry as the guest wrote it, with hardware R/C merged in.
func (d *Driver) Lookup(ea, slbV uint64) (index, v, r uint64, err error) {
	for _, g := range d.groups(ea, slbV) {
		for half := uint64(0); half < book3s.HPTES_PER_GROUP; half += 4 {
			base := g[0] + half
			if ret := d.call(book3s.H_READ, book3s.H_READ_4|book3s.H_R_XLATE, base); ret != book3s.H_SUCCESS {
				return 0, 0, 0, &HcallError{Hcall: "H_READ", Status: ret}
			}
			for i := uint64(0); i < 4; i++ {
				gotV, gotR := d.vcpu.GPR[4+2*i], d.vcpu.GPR[5+2*i]
				if gotV&matchMask == g[1]&matchMask {
					return base + i, gotV, gotR, nil
				}
			}
		}
	}
	return 0, 0, 0, fmt.Errorf("looking up %#x: %w", ea, ErrNotMapped)
}

// Protect changes the page protection of the translation of ea. flags
// carries the new PP, N and key bits in H_PROTECT encoding.
func (d *Driver) Protect(ea, slbV, flags uint64) error {
	index, v, _, err := d.Lookup(ea, slbV)
	if err != nil {
		return err
	}
	switch ret := d.call(book3s.H_PROTECT, flags|book3s.H_AVPN, index, v&book3s.HPTE_V_AVPN_VAL_MASK); ret {
	case book3s.H_SUCCESS:
		return nil
	case book3s.H_NOT_FOUND:
		return fmt.Errorf("protecting %#x: %w", ea, ErrNotMapped)
	default:
		return &HcallError{Hcall: "H_PROTECT", Status: ret}
	}
}

// Unmap removes the translation of ea and returns its final second word.
func (d *Driver) Unmap(ea, slbV uint64) (uint64, error) {
	index, v, _, err := d.Lookup(ea, slbV)
	if err != nil {
		return 0, err
	}
	switch ret := d.call(book3s.H_REMOVE, book3s.H_AVPN, index, v&book3s.HPTE_V_AVPN_VAL_MASK); ret {
	case book3s.H_SUCCESS:
		return d.vcpu.GPR[5], nil
	case book3s.H_NOT_FOUND:
		return 0, fmt.Errorf("unmapping %#x: %w", ea, ErrNotMapped)
	default:
		return 0, &HcallError{Hcall: "H_REMOVE", Status: ret}
	}
}

// Harvest returns the referenced and changed state of the translation of ea
// and clears it.
func (d *Driver) Harvest(ea, slbV uint64) (referenced, changed bool, err error) {
	index, _, _, err := d.Lookup(ea, slbV)
	if err != nil {
		return false, false, err
	}
	if ret := d.call(book3s.H_CLEAR_REF, 0, index); ret != book3s.H_SUCCESS {
		return false, false, &HcallError{Hcall: "H_CLEAR_REF", Status: ret}
	}
	referenced = d.vcpu.GPR[4]&book3s.HPTE_R_R != 0
	if ret := d.call(book3s.H_CLEAR_MOD, 0, index); ret != book3s.H_SUCCESS {
		return false, false, &HcallError{Hcall: "H_CLEAR_MOD", Status: ret}
	}
	changed = d.vcpu.GPR[4]&book3s.HPTE_R_C != 0
	return referenced, changed, nil
}
