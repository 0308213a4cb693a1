// Copyright 2018 The gVisor Authors.
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

// Package cmd holds implementations of the hpt commands.
package cmd

import (
	"fmt"
	"strconv"

	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/hpt"
	"gvisor.dev/hpt/pkg/hpt/hwsim"
	"gvisor.dev/hpt/runsc/config"
)

// intFlags can be used with int flags that appear multiple times.
type intFlags []int

// String implements flag.Value.
func (i *intFlags) String() string {
	return fmt.Sprintf("%v", *i)
}

// Get implements flag.Value.
func (i *intFlags) Get() any {
	return i
}

// GetArray returns the array of values.
func (i *intFlags) GetArray() []int {
	return *i
}

// Set implements flag.Value.
func (i *intFlags) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid flag value: %v", err)
	}
	if v < 0 {
		return fmt.Errorf("flag value must be greater than 0: %d", v)
	}
	*i = append(*i, v)
	return nil
}

// machine is a simulated host running one partition.
type machine struct {
	hw   *hwsim.Machine
	host *hwsim.HostTable
	p    *hpt.Partition
}

// newMachine builds the host memory and partition described by conf.
func newMachine(conf *config.Config, record bool) (*machine, error) {
	m := &machine{
		hw:   hwsim.NewMachine(hwsim.Opts{Record: record}),
		host: hwsim.NewHostTable(),
	}
	for _, ms := range conf.Memslots {
		mt, err := ms.Type()
		if err != nil {
			return nil, err
		}
		if err := m.host.Map(hwsim.Mapping{
			HVA:      ms.HostAddr,
			Size:     ms.NPages << hostarch.PageShift,
			PA:       ms.HostPA,
			Shift:    ms.HostShift,
			Writable: !ms.ReadOnly,
			Type:     mt,
		}); err != nil {
			return nil, fmt.Errorf("mapping host memory of memslot %d: %w", ms.ID, err)
		}
	}

	p, err := hpt.NewPartition(hpt.Opts{
		Order:           conf.Order,
		LPID:            conf.LPID,
		UseMMUNotifiers: conf.MMUNotifiers,
		Hardware:        m.hw,
		Host:            m.host,
		NumCPUs:         conf.VCPUs,
	})
	if err != nil {
		return nil, err
	}
	for _, ms := range conf.Memslots {
		if _, err := p.AddMemslot(hpt.MemslotOpts{
			ID:            ms.ID,
			BaseGFN:       ms.BaseGFN,
			NPages:        ms.NPages,
			UserspaceAddr: ms.HostAddr,
			ReadOnly:      ms.ReadOnly,
		}); err != nil {
			return nil, err
		}
	}
	m.p = p
	return m, nil
}
