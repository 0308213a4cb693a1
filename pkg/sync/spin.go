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

package sync

import (
	"sync/atomic"
)

// relaxIterations is the length of a single Relax busy wait.
const relaxIterations = 30

// relaxWord is read by Relax so the busy loop has a side effect the compiler
// must keep.
var relaxWord uint32

// Relax is the spin-wait hint used between lock attempts. It never yields to
// the scheduler: the callers model code that runs with preemption disabled.
//
//go:nosplit
func Relax() {
	for i := 0; i < relaxIterations; i++ {
		atomic.LoadUint32(&relaxWord)
	}
}

// SpinLock is a word-sized lock that is acquired by spinning.
//
// The zero value is unlocked.
type SpinLock struct {
	_    NoCopy
	word uint32
}

// TryLock attempts to acquire the lock without spinning.
//
//go:nosplit
func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.word, 0, 1)
}

// Lock spins until the lock is acquired.
//
//go:nosplit
func (l *SpinLock) Lock() {
	for !l.TryLock() {
		Relax()
	}
}

// Unlock releases the lock.
//
//go:nosplit
func (l *SpinLock) Unlock() {
	if atomic.SwapUint32(&l.word, 0) == 0 {
		panic("sync: unlock of unlocked SpinLock")
	}
}

// Locked reports whether the lock is currently held by anyone.
//
//go:nosplit
func (l *SpinLock) Locked() bool {
	return atomic.LoadUint32(&l.word) != 0
}
