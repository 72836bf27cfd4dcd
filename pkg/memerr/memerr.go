// Copyright 2025 The LimitlessOS Authors.
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

// Package memerr defines the reported failure kinds of the memory core.
//
// These cover the caller's problems: exhaustion, bad arguments, bad
// addresses. Invariant failures inside the core (refcount underflow, a frame
// on two lists, a buddy pointer outside its zone) are not errors; they panic
// immediately with a diagnostic snapshot, since continuing would corrupt
// unrelated memory.
package memerr

import "errors"

var (
	// ErrNoMemory indicates that no zone can satisfy the request and
	// reclaim/OOM did not help. It is surfaced to the caller and never
	// silently retried.
	ErrNoMemory = errors.New("out of memory")

	// ErrBadAddress indicates a pointer outside any region, or one lacking
	// the requested permission. User threads receive it as a segmentation
	// fault; kernel faults panic instead.
	ErrBadAddress = errors.New("bad address")

	// ErrAlignment indicates a non-page-aligned address or length. The
	// operation returns without mutating anything.
	ErrAlignment = errors.New("address or length not page-aligned")

	// ErrConflict indicates that a fixed-address mapping collides with an
	// existing region.
	ErrConflict = errors.New("mapping conflicts with existing region")

	// ErrWouldBlock indicates that a no-wait allocation could not be
	// satisfied without sleeping.
	ErrWouldBlock = errors.New("operation would block")

	// ErrInterrupted indicates that the calling thread was killed while
	// waiting; the operation it was waiting on still runs to completion.
	ErrInterrupted = errors.New("wait interrupted")

	// ErrNoBacker indicates a file operation on a vnode with no registered
	// backer.
	ErrNoBacker = errors.New("vnode has no registered backer")
)
