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

// Hypervisor call numbers for page table management.
const (
	H_REMOVE      = 0x04
	H_ENTER       = 0x08
	H_READ        = 0x0c
	H_CLEAR_MOD   = 0x10
	H_CLEAR_REF   = 0x14
	H_PROTECT     = 0x18
	H_BULK_REMOVE = 0x24
)

// Hypervisor call return codes.
const (
	H_SUCCESS   = 0
	H_HARDWARE  = -1
	H_FUNCTION  = -2
	H_PRIVILEGE = -3
	H_PARAMETER = -4
	H_BAD_MODE  = -5
	H_PTEG_FULL = -6
	H_NOT_FOUND = -7

	// H_TOO_HARD is never returned to the guest: it asks the caller to
	// retry the request in the slower, fully translated handler.
	H_TOO_HARD = 9999
)

// Hypervisor call flags, numbered from the most significant bit.
const (
	H_EXACT     = 1 << (63 - 24)
	H_R_XLATE   = 1 << (63 - 25)
	H_READ_4    = 1 << (63 - 26)
	H_AVPN      = 1 << (63 - 32)
	H_ANDCOND   = 1 << (63 - 33)
	H_LOCAL     = 1 << (63 - 35)
	H_ZERO_PAGE = 1 << (63 - 48)
	H_COPY_PAGE = 1 << (63 - 49)
	H_N         = 1 << (63 - 61)
	H_PP1       = 1 << (63 - 62)
	H_PP2       = 1 << (63 - 63)
)

// H_BULK_REMOVE request and response encodings, carried in the top byte of
// each translation specifier.
const (
	H_BULK_REMOVE_TYPE      = 0xc000000000000000
	H_BULK_REMOVE_REQUEST   = 0x4000000000000000
	H_BULK_REMOVE_RESPONSE  = 0x8000000000000000
	H_BULK_REMOVE_END       = 0xc000000000000000
	H_BULK_REMOVE_CODE      = 0x3000000000000000
	H_BULK_REMOVE_SUCCESS   = 0x0000000000000000
	H_BULK_REMOVE_NOT_FOUND = 0x1000000000000000
	H_BULK_REMOVE_PARM      = 0x2000000000000000
	H_BULK_REMOVE_HW        = 0x3000000000000000
	H_BULK_REMOVE_RC        = 0x0c00000000000000
	H_BULK_REMOVE_FLAGS     = 0x0300000000000000
	H_BULK_REMOVE_ABSOLUTE  = 0x0000000000000000
	H_BULK_REMOVE_ANDCOND   = 0x0100000000000000
	H_BULK_REMOVE_AVPN      = 0x0200000000000000
	H_BULK_REMOVE_PTEX      = 0x00ffffffffffffff

	// H_BULK_REMOVE_MAX_BATCH is the number of translation specifiers a
	// single call may carry.
	H_BULK_REMOVE_MAX_BATCH = 4
)
