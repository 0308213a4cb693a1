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
	"fmt"
)

// PageFault is the state stashed by HPTEFault for the slow path.
type PageFault struct {
	// Addr is the faulting effective address.
	Addr uint64

	// Index is the slot of the matching entry.
	Index int64

	// V and R are the entry's words, V without the lock bit.
	V, R uint64
}

// VCPU is a guest processor of a partition. A VCPU is used by one thread at
// a time.
type VCPU struct {
	// ID is the guest processor number.
	ID int

	// CPU is the physical processor the vcpu is currently running on.
	CPU int

	partition *Partition

	// GPR holds the general purpose registers. Hypercalls take their
	// number in GPR[3] and arguments in GPR[4] onwards, and return status
	// in GPR[3] and results in GPR[4] onwards.
	GPR [32]uint64

	// MSR is the guest machine state register.
	MSR uint64

	// AMR is the guest authority mask register.
	AMR uint64

	// PgFault is filled in when a fault is escalated.
	PgFault PageFault
}

// NewVCPU returns a new online vcpu of the partition running on physical
// processor cpu.
func (p *Partition) NewVCPU(id, cpu int) *VCPU {
	p.onlineVCPUs.Add(1)
	return &VCPU{
		ID:        id,
		CPU:       cpu,
		partition: p,
	}
}

// Partition returns the vcpu's partition.
func (c *VCPU) Partition() *Partition {
	return c.partition
}

// Destroy takes the vcpu offline.
func (c *VCPU) Destroy() {
	if c.partition.onlineVCPUs.Add(-1) < 0 {
		panic(fmt.Sprintf("vcpu %d destroyed twice", c.ID))
	}
}

// OnlineVCPUs returns the number of online vcpus.
func (p *Partition) OnlineVCPUs() int {
	return int(p.onlineVCPUs.Load())
}
