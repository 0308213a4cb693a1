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

package book3s

// Data storage interrupt status (DSISR) bits.
const (
	DSISR_NOHPTE    = 0x40000000
	DSISR_PROTFAULT = 0x08000000
	DSISR_ISSTORE   = 0x02000000
	DSISR_KEYFAULT  = 0x00200000
)

// Instruction storage interrupt bits, reported in SRR1.
const (
	SRR1_ISI_NOPT   = 0x40000000
	SRR1_ISI_N_OR_G = 0x10000000
	SRR1_ISI_PROT   = 0x08000000
)

// Machine state register bits.
const (
	MSR_PR = 1 << 14
	MSR_IR = 1 << 5
	MSR_DR = 1 << 4
)
