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

// Package realmode runs hypervisor fast paths on dedicated OS threads that
// stand in for physical processors running with translation disabled.
//
// Code running under CPU.Run must not block, allocate on behalf of the
// guest, or log while holding hashed page table locks. A CPU is pinned to
// its OS thread for the duration of Run, and optionally to a host processor
// and a real-time scheduling class.
package realmode

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
	"gvisor.dev/hpt/pkg/atomicbitops"
	"gvisor.dev/hpt/pkg/log"
)

// ErrBusy is returned by Run when the CPU is already running.
var ErrBusy = errors.New("realmode CPU is already running")

const (
	// cpuIdle is the state of a CPU that is not running.
	cpuIdle uint32 = iota

	// cpuRunning is the state of a CPU inside Run.
	cpuRunning
)

// Opts configures a CPU.
type Opts struct {
	// HostCPU is the host processor the thread is pinned to, or -1 to run
	// with the inherited affinity.
	HostCPU int

	// RealTime requests SCHED_FIFO at Priority for the duration of Run.
	RealTime bool

	// Priority is the SCHED_FIFO priority used when RealTime is set.
	Priority uint32
}

// CPU is a processor that runs real-mode code.
type CPU struct {
	// ID is the processor number used by the hashed page table for TLB
	// flush bookkeeping.
	ID int

	opts Opts

	// state is cpuIdle or cpuRunning.
	state atomicbitops.Uint32

	// tid is the OS thread backing the CPU while it runs, or zero.
	tid atomicbitops.Int32
}

// NewCPU returns a new idle CPU.
func NewCPU(id int, opts Opts) *CPU {
	return &CPU{ID: id, opts: opts}
}

// TID returns the OS thread currently backing c, or zero if c is idle.
func (c *CPU) TID() int {
	return int(c.tid.Load())
}

// Running returns true if c is inside Run.
func (c *CPU) Running() bool {
	return c.state.Load() == cpuRunning
}

func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.ID)
}

// Run runs fn on a locked OS thread configured per the CPU options. Thread
// affinity and scheduling attributes are restored before Run returns.
func (c *CPU) Run(fn func() error) error {
	if !c.state.CompareAndSwap(cpuIdle, cpuRunning) {
		return ErrBusy
	}
	defer c.state.Store(cpuIdle)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.tid.Store(int32(unix.Gettid()))
	defer c.tid.Store(0)

	if c.opts.HostCPU >= 0 {
		restore, err := pin(c.opts.HostCPU)
		if err != nil {
			return fmt.Errorf("error pinning %v to host CPU %d: %v", c, c.opts.HostCPU, err)
		}
		defer restore()
	}
	if c.opts.RealTime {
		restore, err := setRealTime(c.opts.Priority)
		if err != nil {
			return fmt.Errorf("error setting real-time priority %d for %v: %w", c.opts.Priority, c, err)
		}
		defer restore()
	}
	log.Debugf("%v running on thread %d", c, c.TID())
	return fn()
}

// pin binds the calling thread to hostCPU and returns a function restoring
// the previous affinity.
func pin(hostCPU int) (func(), error) {
	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		return nil, err
	}
	var set unix.CPUSet
	set.Set(hostCPU)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return nil, err
	}
	return func() {
		if err := unix.SchedSetaffinity(0, &old); err != nil {
			log.Warningf("Failed to restore thread affinity: %v", err)
		}
	}, nil
}

// setRealTime moves the calling thread to SCHED_FIFO and returns a function
// restoring the previous scheduling attributes.
func setRealTime(priority uint32) (func(), error) {
	old, err := unix.SchedGetAttr(0, 0)
	if err != nil {
		return nil, err
	}
	attr := *old
	attr.Policy = unix.SCHED_FIFO
	attr.Priority = priority
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return nil, err
	}
	return func() {
		if err := unix.SchedSetAttr(0, old, 0); err != nil {
			log.Warningf("Failed to restore thread scheduling attributes: %v", err)
		}
	}, nil
}

// Halt stops the calling processor after a consistency failure that cannot
// be reported to the caller. It logs the failure and panics.
func Halt(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	log.Warningf("Real-mode halt: %s", msg)
	panic("realmode halt: " + msg)
}
