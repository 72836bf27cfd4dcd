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

package pagetables

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
)

// RuntimeAllocator backs tables with the Go heap and hands out synthetic
// physical addresses. It exists for tests and tooling that exercise the
// walker without physical memory.
//
// Allocators are shared between address spaces, so table bookkeeping is
// guarded by a mutex; faults in different spaces allocate concurrently.
type RuntimeAllocator struct {
	mu     sync.Mutex
	tables map[uint64]*PTEs
	phys   map[*PTEs]uint64
	next   uint64
}

// NewRuntimeAllocator returns an empty runtime-backed allocator.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		tables: make(map[uint64]*PTEs),
		phys:   make(map[*PTEs]uint64),
		next:   arch.PageSize,
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := new(PTEs)
	pa := r.next
	r.next += arch.PageSize
	r.tables[pa] = t
	r.phys[t] = pa
	return t
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	pa, ok := r.phys[ptes]
	if !ok {
		panic("pagetables: PhysicalFor of unknown table")
	}
	return pa
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uint64) *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[physical]
	if !ok {
		panic(fmt.Sprintf("pagetables: LookupPTEs of unknown physical %#x", physical))
	}
	return t
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pa := r.phys[ptes]
	delete(r.tables, pa)
	delete(r.phys, ptes)
}

// Live returns the number of live tables; tests use it to catch leaks.
func (r *RuntimeAllocator) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables)
}

// FrameAllocator backs tables with real frames so table physical
// addresses are genuine frame addresses.
type FrameAllocator struct {
	alloc *buddy.Allocator
	db    *frame.DB
	node  int

	mu     sync.Mutex
	tables map[uint64]*PTEs
	phys   map[*PTEs]uint64
}

// NewFrameAllocator returns a frame-backed allocator preferring the given
// node.
func NewFrameAllocator(a *buddy.Allocator, node int) *FrameAllocator {
	return &FrameAllocator{
		alloc:  a,
		db:     a.DB(),
		node:   node,
		tables: make(map[uint64]*PTEs),
		phys:   make(map[*PTEs]uint64),
	}
}

// NewPTEs implements Allocator.NewPTEs. Failure to allocate a table page
// is fatal; translation cannot proceed without one.
func (f *FrameAllocator) NewPTEs() *PTEs {
	pfn, err := f.alloc.AllocPage(buddy.GFPKernel|buddy.GFPZero, f.node)
	if err != nil {
		panic(fmt.Sprintf("pagetables: table page allocation failed: %v", err))
	}
	b := f.db.Bytes(pfn)
	t := (*PTEs)(unsafe.Pointer(&b[0]))
	f.mu.Lock()
	f.tables[pfn.PhysAddr()] = t
	f.phys[t] = pfn.PhysAddr()
	f.mu.Unlock()
	return t
}

// PhysicalFor implements Allocator.PhysicalFor.
func (f *FrameAllocator) PhysicalFor(ptes *PTEs) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	pa, ok := f.phys[ptes]
	if !ok {
		panic("pagetables: PhysicalFor of unknown table")
	}
	return pa
}

// LookupPTEs implements Allocator.LookupPTEs.
func (f *FrameAllocator) LookupPTEs(physical uint64) *PTEs {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[physical]
	if !ok {
		panic(fmt.Sprintf("pagetables: LookupPTEs of unknown physical %#x", physical))
	}
	return t
}

// FreePTEs implements Allocator.FreePTEs.
func (f *FrameAllocator) FreePTEs(ptes *PTEs) {
	f.mu.Lock()
	pa, ok := f.phys[ptes]
	if !ok {
		f.mu.Unlock()
		panic("pagetables: FreePTEs of unknown table")
	}
	delete(f.tables, pa)
	delete(f.phys, ptes)
	f.mu.Unlock()
	f.alloc.FreePages(arch.PFN(pa>>arch.PageShift), 0)
}

// Live returns the number of live tables.
func (f *FrameAllocator) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables)
}
