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
	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/metric"
)

// Status field values of the hcalls metric.
const (
	statusSuccess  = "success"
	statusParam    = "parameter"
	statusFull     = "pteg_full"
	statusNotFound = "not_found"
	statusTooHard  = "too_hard"
	statusOther    = "other"
)

var (
	hcallField = metric.NewField("hcall", []string{
		"enter", "remove", "bulk_remove", "protect", "read", "clear_ref", "clear_mod", "unknown",
	})
	statusField = metric.NewField("status", []string{
		statusSuccess, statusParam, statusFull, statusNotFound, statusTooHard, statusOther,
	})

	hcalls = metric.MustCreateNewUint64Metric("/hpt/hcalls", false /* sync */, "Hashed page table hypercalls by call and result.", hcallField, statusField)

	faults = metric.MustCreateNewUint64Metric("/hpt/faults", false /* sync */, "Hashed page table faults by outcome.",
		metric.NewField("verdict", []string{"retry", "reflect", "escalate", "escalate_fetch"}))

	tlbFlushes = metric.MustCreateNewUint64Metric("/hpt/tlb_invalidations", false /* sync */, "TLB invalidations issued, by scope.",
		metric.NewField("scope", []string{"global", "local", "full"}))

	rmapHarvests = metric.MustCreateNewUint64Metric("/hpt/rmap_unmaps", false /* sync */, "Translations removed by host invalidation or aging.",
		metric.NewField("reason", []string{"unmap", "age"}))
)

// statusName maps a hypercall return code to its metric field value.
//
//go:nosplit
func statusName(ret int64) string {
	switch ret {
	case book3s.H_SUCCESS:
		return statusSuccess
	case book3s.H_PARAMETER:
		return statusParam
	case book3s.H_PTEG_FULL:
		return statusFull
	case book3s.H_NOT_FOUND:
		return statusNotFound
	case book3s.H_TOO_HARD:
		return statusTooHard
	default:
		return statusOther
	}
}
