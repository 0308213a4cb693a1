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

// Segment lookaside buffer VSID doubleword fields.
const (
	SLB_VSID_SHIFT    = 12
	SLB_VSID_SHIFT_1T = 24

	SLB_VSID_B      = 0xc000000000000000
	SLB_VSID_B_256M = 0x0000000000000000
	SLB_VSID_B_1T   = 0x4000000000000000
	SLB_VSID_KS     = 0x0000000000000800
	SLB_VSID_KP     = 0x0000000000000400
	SLB_VSID_N      = 0x0000000000000200
	SLB_VSID_L      = 0x0000000000000100
	SLB_VSID_C      = 0x0000000000000080
	SLB_VSID_LP     = 0x0000000000000030
	SLB_VSID_LP_00  = 0x0000000000000000
	SLB_VSID_LP_01  = 0x0000000000000010
)

// Segment sizes, as the binary log of the size in bytes.
const (
	SID_SHIFT    = 28
	SID_SHIFT_1T = 40
)
