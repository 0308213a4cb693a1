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
	"time"

	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/log"
)

var unknownHcallLog = log.BasicRateLimitedLogger(time.Minute)

// Hypercall handles the hypercall in c's registers: the number in GPR[3]
// and arguments from GPR[4]. On return GPR[3] holds the status and results
// start at GPR[4]; result registers are only written on success.
//
// H_TOO_HARD is returned without touching GPR[3] for calls that must be
// handled by the host slow path, including unknown calls.
func (c *VCPU) Hypercall() int64 {
	var (
		ret  int64
		name string
	)
	args := c.GPR[4:]
	switch req := c.GPR[3]; req {
	case book3s.H_ENTER:
		name = "enter"
		var index uint64
		index, ret = c.Enter(args[0], args[1], args[2], args[3])
		if ret == book3s.H_SUCCESS {
			args[0] = index
		}
	case book3s.H_REMOVE:
		name = "remove"
		var v, r uint64
		v, r, ret = c.Remove(args[0], args[1], args[2])
		if ret == book3s.H_SUCCESS {
			args[0], args[1] = v, r
		}
	case book3s.H_BULK_REMOVE:
		name = "bulk_remove"
		ret = c.BulkRemove((*[8]uint64)(args[:8]))
	case book3s.H_PROTECT:
		name = "protect"
		ret = c.Protect(args[0], args[1], args[2])
	case book3s.H_READ:
		name = "read"
		var out [8]uint64
		var n int
		n, ret = c.Read(args[0], args[1], &out)
		if ret == book3s.H_SUCCESS {
			copy(args, out[:2*n])
		}
	case book3s.H_CLEAR_REF:
		name = "clear_ref"
		var gr uint64
		gr, ret = c.ClearRef(args[0], args[1])
		if ret == book3s.H_SUCCESS {
			args[0] = gr
		}
	case book3s.H_CLEAR_MOD:
		name = "clear_mod"
		var gr uint64
		gr, ret = c.ClearMod(args[0], args[1])
		if ret == book3s.H_SUCCESS {
			args[0] = gr
		}
	default:
		name = "unknown"
		ret = book3s.H_TOO_HARD
		unknownHcallLog.Warningf("Partition %d vcpu %d: unhandled hypercall %#x", c.partition.lpid, c.ID, req)
	}
	hcalls.Increment(name, statusName(ret))
	if ret != book3s.H_TOO_HARD {
		c.GPR[3] = uint64(ret)
	}
	return ret
}
