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

// Package book3s contains the architectural constants of the Book3S 64-bit
// hashed page table MMU and the hypervisor call ABI used to manage it.
package book3s

// First doubleword of a hashed page table entry.
const (
	HPTE_V_VALID     = 0x0000000000000001
	HPTE_V_SECONDARY = 0x0000000000000002
	HPTE_V_LARGE     = 0x0000000000000004
	HPTE_V_BOLTED    = 0x0000000000000010

	// HPTE_V_ABSENT and HPTE_V_HVLOCK are software bits reserved for the
	// hypervisor. Hardware ignores entries that are not HPTE_V_VALID.
	HPTE_V_ABSENT = 0x0000000000000020
	HPTE_V_HVLOCK = 0x0000000000000040

	HPTE_V_AVPN_SHIFT  = 7
	HPTE_V_AVPN        = 0x3fffffffffffff80
	HPTE_V_SSIZE_SHIFT = 62
	HPTE_V_1TB_SEG     = 0x4000000000000000

	// HPTE_V_AVPN_VAL_MASK masks the software and valid bits out of a first
	// doubleword for comparison against a guest supplied AVPN.
	HPTE_V_AVPN_VAL_MASK = ^uint64(0x7f)
)

// Second doubleword of a hashed page table entry.
const (
	HPTE_R_PP0       = 0x8000000000000000
	HPTE_R_TS        = 0x4000000000000000
	HPTE_R_KEY_HI    = 0x3000000000000000
	HPTE_R_RPN_SHIFT = 12
	HPTE_R_RPN       = 0x0ffffffffffff000
	HPTE_R_KEY_LO    = 0x0000000000000e00
	HPTE_R_R         = 0x0000000000000100
	HPTE_R_C         = 0x0000000000000080
	HPTE_R_W         = 0x0000000000000040
	HPTE_R_I         = 0x0000000000000020
	HPTE_R_M         = 0x0000000000000010
	HPTE_R_G         = 0x0000000000000008
	HPTE_R_N         = 0x0000000000000004
	HPTE_R_PP        = 0x0000000000000003

	HPTE_R_WIMG = HPTE_R_W | HPTE_R_I | HPTE_R_M | HPTE_R_G
	HPTE_R_KEY  = HPTE_R_KEY_HI | HPTE_R_KEY_LO
)

// Page protection values of the PP0 || PP field.
const (
	PP_RWXX = 0              // Supervisor read/write, user none.
	PP_RWRX = 1              // Supervisor read/write, user read.
	PP_RWRW = 2              // Supervisor read/write, user read/write.
	PP_RXRX = 3              // Supervisor read, user read.
	PP_RXXX = HPTE_R_PP0 | 2 // Supervisor read, user none.
)

// HPTES_PER_GROUP is the number of entries in a page table entry group.
const HPTES_PER_GROUP = 8

// HPTE_SIZE is the size in bytes of a single entry.
const HPTE_SIZE = 16

// Hashed page table size limits, as the binary log of the table size in
// bytes.
const (
	PPC_MIN_HPT_ORDER = 18
	PPC_MAX_HPT_ORDER = 46
)
