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

// Package memutil provides the host mapping that backs the simulated
// physical memory.
package memutil

import (
	"golang.org/x/sys/unix"
)

// MapAnon returns a private anonymous host mapping of the given size. The
// mapping is demand-zero on the host, so untouched simulated frames cost no
// host memory.
func MapAnon(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// Unmap releases a mapping returned by MapAnon.
func Unmap(b []byte) error {
	return unix.Munmap(b)
}

// Decommit returns the host pages backing b to the host kernel without
// unmapping them; subsequent reads return zeroes. Used when a simulated frame
// block is freed so a long-lived machine does not pin its peak footprint.
func Decommit(b []byte) error {
	return unix.Madvise(b, unix.MADV_DONTNEED)
}
