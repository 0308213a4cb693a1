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

// NotifierSeq tracks invalidations of host translations so that a reader who
// translated an address without holding any lock can tell, later and under
// its own lock, whether the translation may already be stale.
//
// Readers call Snapshot before translating and Retry(seq) once the result is
// about to be published. Writers bracket an invalidation with
// BeginInvalidate and EndInvalidate.
//
// Unlike SeqCount, readers never loop: a stale result is installed in a
// disabled form by the caller instead.
type NotifierSeq struct {
	_ NoCopy

	// seq is incremented at the end of every invalidation.
	seq uint64

	// inProgress is the number of invalidations that have begun and not yet
	// ended.
	inProgress int64
}

// Snapshot returns the current sequence number.
//
//go:nosplit
func (s *NotifierSeq) Snapshot() uint64 {
	return atomic.LoadUint64(&s.seq)
}

// Retry reports whether an invalidation is in progress, or has completed
// since seq was returned by Snapshot.
//
//go:nosplit
func (s *NotifierSeq) Retry(seq uint64) bool {
	if atomic.LoadInt64(&s.inProgress) != 0 {
		return true
	}
	return atomic.LoadUint64(&s.seq) != seq
}

// BeginInvalidate marks the start of a range invalidation.
func (s *NotifierSeq) BeginInvalidate() {
	atomic.AddInt64(&s.inProgress, 1)
}

// EndInvalidate marks the end of a range invalidation.
func (s *NotifierSeq) EndInvalidate() {
	atomic.AddUint64(&s.seq, 1)
	if atomic.AddInt64(&s.inProgress, -1) < 0 {
		panic("sync: EndInvalidate without BeginInvalidate")
	}
}
