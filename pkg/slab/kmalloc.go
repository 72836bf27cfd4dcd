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

package slab

import (
	"fmt"
	"sync"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
	"github.com/LimitlessOS-official/limitless-mm/pkg/memerr"
)

// kmallocSizes are the bucket sizes of the general-purpose heap. Requests
// above the largest bucket go straight to buddy at the smallest order that
// fits.
var kmallocSizes = []uint64{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

// Heap is the kmalloc/kfree front end: a family of size-bucketed caches
// plus a table of direct buddy allocations.
type Heap struct {
	alloc *buddy.Allocator
	db    *frame.DB

	mu      sync.Mutex
	buckets []*Cache
	byID    map[uint32]*Cache
	large   map[arch.PFN]uint8
	nextID  uint32
	cpus    int
}

// NewHeap builds the kmalloc bucket family.
func NewHeap(a *buddy.Allocator, cpus int) (*Heap, error) {
	h := &Heap{
		alloc: a,
		db:    a.DB(),
		byID:  make(map[uint32]*Cache),
		large: make(map[arch.PFN]uint8),
		cpus:  cpus,
	}
	for _, size := range kmallocSizes {
		c, err := h.NewCache(fmt.Sprintf("kmalloc-%d", size), size, 0, Options{CPUs: cpus})
		if err != nil {
			return nil, err
		}
		h.buckets = append(h.buckets, c)
	}
	return h, nil
}

// NewCache creates a named cache registered with the heap, so Kfree can
// route objects back by the owning frame's slab id.
func (h *Heap) NewCache(name string, size, align uint64, opts Options) (*Cache, error) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	if opts.CPUs == 0 {
		opts.CPUs = h.cpus
	}
	c, err := NewCache(h.alloc, id, name, size, align, opts)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.byID[id] = c
	h.mu.Unlock()
	return c, nil
}

// Kmalloc allocates size bytes. Small requests come from the bucket family;
// larger ones from buddy directly.
func (h *Heap) Kmalloc(size uint64, gfp buddy.GFP, cpu int) (arch.PAddr, error) {
	if size == 0 {
		return 0, memerr.ErrNoMemory
	}
	for i, bucket := range kmallocSizes {
		if size <= bucket {
			return h.buckets[i].Alloc(cpu)
		}
	}
	order := orderFor(size)
	if order > arch.MaxOrder {
		return 0, memerr.ErrNoMemory
	}
	pfn, err := h.alloc.AllocPages(order, gfp, 0)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.large[pfn] = order
	h.mu.Unlock()
	return arch.PAddr(pfn.PhysAddr()), nil
}

// Kfree releases a kmalloc allocation. Slab objects route to their owning
// cache via the frame descriptor; large allocations via the heap's order
// table.
func (h *Heap) Kfree(addr arch.PAddr, cpu int) {
	pfn := addr.PFN()
	fr := h.db.Frame(pfn)
	if fr.FlagSet(frame.Slab) {
		h.mu.Lock()
		c, ok := h.byID[fr.SlabID]
		h.mu.Unlock()
		if !ok {
			panic(fmt.Sprintf("slab: kfree of %#x from unknown cache %d", addr, fr.SlabID))
		}
		c.Free(cpu, addr)
		return
	}

	h.mu.Lock()
	order, ok := h.large[pfn]
	if ok {
		delete(h.large, pfn)
	}
	h.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("slab: kfree of %#x which was not kmalloc'd", addr))
	}
	h.alloc.FreePages(pfn, order)
}

// Shrink drops every cache's retained empty slabs, returning pages freed.
// The reclaim task calls this before touching the LRU lists.
func (h *Heap) Shrink() int {
	h.mu.Lock()
	caches := make([]*Cache, 0, len(h.byID))
	for _, c := range h.byID {
		caches = append(caches, c)
	}
	h.mu.Unlock()

	freed := 0
	for _, c := range caches {
		freed += c.Shrink()
	}
	return freed
}

// orderFor returns the smallest order whose block holds size bytes.
func orderFor(size uint64) uint8 {
	order := uint8(0)
	for uint64(arch.PageSize)<<order < size {
		order++
	}
	return order
}
