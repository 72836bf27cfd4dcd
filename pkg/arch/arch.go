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

// Package arch defines the machine-level types shared by the memory core:
// virtual addresses, page frame numbers, access permissions, and page
// geometry.
package arch

import "fmt"

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the machine page size in bytes.
	PageSize = 1 << PageShift

	// HugePageShift is log2(HugePageSize).
	HugePageShift = 21

	// HugePageSize is the huge page size in bytes.
	HugePageSize = 1 << HugePageShift

	// MaxOrder is the largest buddy order; an order-MaxOrder block spans
	// 2^MaxOrder contiguous frames.
	MaxOrder = 10
)

// Addr is a virtual address.
type Addr uint64

// PFN is a page frame number, the index of a physical frame.
type PFN uint64

// NilPFN is an out-of-band PFN used as a list terminator in intrusive
// frame lists.
const NilPFN = PFN(^uint64(0))

// PhysAddr returns the physical byte address of the first byte of the frame.
func (p PFN) PhysAddr() uint64 {
	return uint64(p) << PageShift
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// false iff rounding up wrapped around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v within its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v) & (PageSize - 1)
}

// IsPageAligned returns true if v is a multiple of PageSize.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageNumber returns the virtual page number containing v.
func (v Addr) PageNumber() uint64 {
	return uint64(v) >> PageShift
}

// AddRange returns a half-open AddrRange of the given length starting at v.
// ok is false iff the end wraps around.
func (v Addr) AddRange(length uint64) (AddrRange, bool) {
	end := v + Addr(length)
	return AddrRange{v, end}, end >= v
}

// AddrRange is a half-open range of virtual addresses.
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Contains returns true if addr falls within ar.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// Overlaps returns true if ar and other share at least one address.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// Intersect returns the intersection of ar and other.
func (ar AddrRange) Intersect(other AddrRange) AddrRange {
	if ar.Start < other.Start {
		ar.Start = other.Start
	}
	if ar.End > other.End {
		ar.End = other.End
	}
	if ar.End < ar.Start {
		ar.End = ar.Start
	}
	return ar
}

// WellFormed returns true if ar.Start <= ar.End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// IsPageAligned returns true if both ends of ar are page-aligned.
func (ar AddrRange) IsPageAligned() bool {
	return ar.Start.IsPageAligned() && ar.End.IsPageAligned()
}

// String implements fmt.Stringer.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(ar.Start), uint64(ar.End))
}

// IsPageAligned returns true if length is a multiple of PageSize.
func IsPageAligned(length uint64) bool {
	return length&(PageSize-1) == 0
}

// PagesForBytes returns the number of whole pages needed to hold length
// bytes.
func PagesForBytes(length uint64) uint64 {
	return (length + PageSize - 1) >> PageShift
}
