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

// Package slab implements fixed-size object caches over buddy pages.
//
// Each slab page is carved into floor(PageSize/objectSize) objects threaded
// as an embedded freelist; free objects store the index of the next free
// object in their first word. A cache keeps three slab lists (full, partial,
// empty) and a per-CPU magazine of recently freed objects for a lock-free
// fast path.
package slab

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
)

const (
	// minObjectSize is the smallest object a cache serves; the embedded
	// freelist needs the first word.
	minObjectSize = 8

	// DefaultMagazineCap is one cache line's worth of object words.
	DefaultMagazineCap = 8

	// defaultMaxEmpty is the high-water count of retained empty slabs;
	// beyond it, empty slab pages return to buddy.
	defaultMaxEmpty = 2

	nilIdx = ^uint32(0)
)

// Ctor initializes an object when it is first carved from a slab. It does
// NOT run on every allocation; callers re-initialize only mutable state.
type Ctor func(obj []byte)

// Options configures a cache.
type Options struct {
	// CPUs is the number of per-CPU magazines. Zero means one.
	CPUs int

	// MagazineCap is the magazine capacity. Zero means DefaultMagazineCap.
	MagazineCap int

	// MaxEmpty is the retained-empty-slab high water. Zero means the
	// default.
	MaxEmpty int

	// Node is the preferred NUMA node for slab pages.
	Node int

	// Ctor, when non-nil, runs once per object at carve time.
	Ctor Ctor
}

type listID int

const (
	listFull listID = iota
	listPartial
	listEmpty
)

// slabMeta is the out-of-band descriptor of one slab page.
type slabMeta struct {
	pfn      arch.PFN
	inuse    uint32
	carved   uint32
	freeHead uint32
	prev     *slabMeta
	next     *slabMeta
	list     listID
}

type magazine struct {
	mu   sync.Mutex
	objs []arch.PAddr
}

// CacheStats is a snapshot of cache activity.
type CacheStats struct {
	Allocs       uint64
	Frees        uint64
	Slabs        uint64
	MagazineHits uint64
}

// cacheCounters are the live counters; the hot paths touch them without the
// cache lock.
type cacheCounters struct {
	allocs  atomic.Uint64
	frees   atomic.Uint64
	slabs   atomic.Uint64
	magHits atomic.Uint64
}

// Cache is a named pool of fixed-size objects.
type Cache struct {
	id      uint32
	name    string
	objSize uint32
	perSlab uint32
	ctor    Ctor
	node    int
	alloc   *buddy.Allocator
	db      *frame.DB

	mu       sync.Mutex
	lists    [3]*slabMeta
	byPFN    map[arch.PFN]*slabMeta
	empties  int
	maxEmpty int
	stats    cacheCounters

	magCap int
	mags   []magazine
}

// NewCache creates an object cache. size is rounded up to align (default 8).
// Objects larger than a page are the buddy allocator's job, not slab's.
func NewCache(a *buddy.Allocator, id uint32, name string, size, align uint64, opts Options) (*Cache, error) {
	if align == 0 {
		align = minObjectSize
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("slab: cache %q alignment %d not a power of two", name, align)
	}
	size = (size + align - 1) &^ (align - 1)
	if size < minObjectSize {
		size = minObjectSize
	}
	if size > arch.PageSize {
		return nil, fmt.Errorf("slab: cache %q object size %d exceeds page size", name, size)
	}
	cpus := opts.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	magCap := opts.MagazineCap
	if magCap <= 0 {
		magCap = DefaultMagazineCap
	}
	maxEmpty := opts.MaxEmpty
	if maxEmpty <= 0 {
		maxEmpty = defaultMaxEmpty
	}
	c := &Cache{
		id:       id,
		name:     name,
		objSize:  uint32(size),
		perSlab:  uint32(arch.PageSize / size),
		ctor:     opts.Ctor,
		node:     opts.Node,
		alloc:    a,
		db:       a.DB(),
		byPFN:    make(map[arch.PFN]*slabMeta),
		maxEmpty: maxEmpty,
		magCap:   magCap,
		mags:     make([]magazine, cpus),
	}
	return c, nil
}

// Name returns the cache's name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the rounded object size.
func (c *Cache) ObjectSize() uint64 { return uint64(c.objSize) }

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Allocs:       c.stats.allocs.Load(),
		Frees:        c.stats.frees.Load(),
		Slabs:        c.stats.slabs.Load(),
		MagazineHits: c.stats.magHits.Load(),
	}
}

// Bytes returns the storage of the object at addr.
func (c *Cache) Bytes(addr arch.PAddr) []byte {
	page := c.db.Bytes(addr.PFN())
	off := addr.PageOffset()
	return page[off : off+uint64(c.objSize) : off+uint64(c.objSize)]
}

// Alloc returns one object. The fast path pops the calling CPU's magazine
// without touching the cache lock.
func (c *Cache) Alloc(cpu int) (arch.PAddr, error) {
	mag := &c.mags[cpu%len(c.mags)]
	mag.mu.Lock()
	if n := len(mag.objs); n > 0 {
		obj := mag.objs[n-1]
		mag.objs = mag.objs[:n-1]
		mag.mu.Unlock()
		c.stats.allocs.Add(1)
		c.stats.magHits.Add(1)
		return obj, nil
	}
	mag.mu.Unlock()

	c.mu.Lock()
	for {
		obj, ok := c.tryAllocLocked()
		if !ok {
			// Need a fresh slab page. The zone lock ranks above the cache
			// lock, so drop the cache lock across the buddy call and
			// revalidate after reacquiring.
			c.mu.Unlock()
			pfn, err := c.alloc.AllocPage(buddy.GFPKernel, c.node)
			if err != nil {
				return 0, err
			}
			fr := c.db.Frame(pfn)
			fr.SetFlags(frame.Slab)
			fr.SlabID = c.id
			c.mu.Lock()
			m := &slabMeta{pfn: pfn, freeHead: nilIdx}
			c.byPFN[pfn] = m
			c.stats.slabs.Add(1)
			c.listPush(m, listPartial)
			continue
		}
		c.stats.allocs.Add(1)
		// Refill the magazine to half capacity so the next allocations on
		// this CPU stay lock-free. Best effort: refill never grows the
		// cache.
		var refill []arch.PAddr
		for len(refill) < c.magCap/2 {
			extra, ok := c.tryAllocLocked()
			if !ok {
				break
			}
			refill = append(refill, extra)
		}
		c.mu.Unlock()

		if len(refill) > 0 {
			mag.mu.Lock()
			space := c.magCap - len(mag.objs)
			if space > len(refill) {
				space = len(refill)
			}
			mag.objs = append(mag.objs, refill[:space]...)
			overflow := refill[space:]
			mag.mu.Unlock()
			if len(overflow) > 0 {
				c.release(overflow)
			}
		}
		return obj, nil
	}
}

// tryAllocLocked takes the front object of a partial slab, promoting the
// slab to full when its last object goes. With no partials it promotes a
// retained empty slab. Returns false when the cache needs a new page.
//
// Preconditions: c.mu is locked.
func (c *Cache) tryAllocLocked() (arch.PAddr, bool) {
	m := c.lists[listPartial]
	if m == nil {
		m = c.lists[listEmpty]
		if m == nil {
			return 0, false
		}
		c.listRemove(m)
		c.empties--
		c.listPush(m, listPartial)
	}
	idx := c.takeObjLocked(m)
	if m.inuse == c.perSlab {
		c.listRemove(m)
		c.listPush(m, listFull)
	}
	return arch.PAddr(m.pfn.PhysAddr() + uint64(idx)*uint64(c.objSize)), true
}

// release returns objects to their slabs and frees any slab pages that
// emptied past the high water, after the cache lock is dropped.
func (c *Cache) release(objs []arch.PAddr) {
	c.mu.Lock()
	var victims []arch.PFN
	for _, o := range objs {
		if v := c.freeLocked(o); v != arch.NilPFN {
			victims = append(victims, v)
		}
	}
	c.mu.Unlock()
	c.freeSlabPages(victims)
}

// Free returns one object. The fast path pushes onto the calling CPU's
// magazine; a full magazine flushes half its objects back to the owning
// slabs. The magazine lock is dropped before the cache lock is taken,
// honoring the lock order.
func (c *Cache) Free(cpu int, addr arch.PAddr) {
	c.stats.frees.Add(1)
	mag := &c.mags[cpu%len(c.mags)]
	mag.mu.Lock()
	if len(mag.objs) < c.magCap {
		mag.objs = append(mag.objs, addr)
		mag.mu.Unlock()
		return
	}
	// Magazine full: take half out, then release it before locking the
	// cache.
	half := len(mag.objs) / 2
	spill := make([]arch.PAddr, half+1)
	copy(spill, mag.objs[len(mag.objs)-half:])
	spill[half] = addr
	mag.objs = mag.objs[:len(mag.objs)-half]
	mag.mu.Unlock()

	c.release(spill)
}

// Shrink releases every retained empty slab page back to buddy, returning
// the number of pages freed. The reclaim task calls this under pressure.
func (c *Cache) Shrink() int {
	c.mu.Lock()
	var victims []arch.PFN
	for c.lists[listEmpty] != nil {
		m := c.lists[listEmpty]
		c.listRemove(m)
		c.empties--
		delete(c.byPFN, m.pfn)
		c.stats.slabs.Add(^uint64(0))
		victims = append(victims, m.pfn)
	}
	c.mu.Unlock()

	c.freeSlabPages(victims)
	return len(victims)
}

// Drain empties all magazines back into the slab lists; used before Shrink
// in teardown paths and tests.
func (c *Cache) Drain() {
	for i := range c.mags {
		mag := &c.mags[i]
		mag.mu.Lock()
		objs := mag.objs
		mag.objs = nil
		mag.mu.Unlock()
		if len(objs) > 0 {
			c.release(objs)
		}
	}
}

// takeObjLocked pops the slab's freelist, carving a fresh object (and
// running the constructor) when the freelist is empty.
func (c *Cache) takeObjLocked(m *slabMeta) uint32 {
	var idx uint32
	if m.freeHead != nilIdx {
		idx = m.freeHead
		m.freeHead = c.nextFree(m, idx)
	} else {
		if m.carved >= c.perSlab {
			panic(fmt.Sprintf("slab: cache %q slab %d has no free objects but is not full", c.name, m.pfn))
		}
		idx = m.carved
		m.carved++
		if c.ctor != nil {
			c.ctor(c.objBytes(m, idx))
		}
	}
	m.inuse++
	return idx
}

// freeLocked pushes the object back onto its slab's freelist and rebalances
// the slab lists. A slab whose last object returns moves toward the empty
// list; past the high water it is detached and its page returned, as the
// victim PFN, for the caller to free once the cache lock is dropped.
//
// Preconditions: c.mu is locked.
func (c *Cache) freeLocked(addr arch.PAddr) arch.PFN {
	pfn := addr.PFN()
	m, ok := c.byPFN[pfn]
	if !ok {
		panic(fmt.Sprintf("slab: cache %q free of %#x which is not in any slab", c.name, addr))
	}
	off := addr.PageOffset()
	if off%uint64(c.objSize) != 0 {
		panic(fmt.Sprintf("slab: cache %q free of misaligned address %#x", c.name, addr))
	}
	idx := uint32(off / uint64(c.objSize))
	c.setNextFree(m, idx, m.freeHead)
	m.freeHead = idx
	if m.inuse == 0 {
		panic(fmt.Sprintf("slab: cache %q double free in slab %d", c.name, m.pfn))
	}
	m.inuse--

	switch {
	case m.list == listFull:
		c.listRemove(m)
		c.listPush(m, listPartial)
	case m.inuse == 0 && m.list == listPartial:
		c.listRemove(m)
		if c.empties >= c.maxEmpty {
			delete(c.byPFN, m.pfn)
			c.stats.slabs.Add(^uint64(0))
			return m.pfn
		}
		c.listPush(m, listEmpty)
		c.empties++
	}
	return arch.NilPFN
}

// freeSlabPages strips slab identity from detached pages and hands them
// back to buddy. Must be called without the cache lock held.
func (c *Cache) freeSlabPages(victims []arch.PFN) {
	for _, pfn := range victims {
		fr := c.db.Frame(pfn)
		fr.ClearFlags(frame.Slab)
		fr.SlabID = 0
		c.alloc.FreePages(pfn, 0)
	}
}

func (c *Cache) objBytes(m *slabMeta, idx uint32) []byte {
	page := c.db.Bytes(m.pfn)
	off := uint64(idx) * uint64(c.objSize)
	return page[off : off+uint64(c.objSize)]
}

func (c *Cache) nextFree(m *slabMeta, idx uint32) uint32 {
	return binary.LittleEndian.Uint32(c.objBytes(m, idx))
}

func (c *Cache) setNextFree(m *slabMeta, idx, next uint32) {
	binary.LittleEndian.PutUint32(c.objBytes(m, idx), next)
}

func (c *Cache) listPush(m *slabMeta, l listID) {
	m.list = l
	m.prev = nil
	m.next = c.lists[l]
	if m.next != nil {
		m.next.prev = m
	}
	c.lists[l] = m
}

func (c *Cache) listRemove(m *slabMeta) {
	if m.prev != nil {
		m.prev.next = m.next
	} else {
		c.lists[m.list] = m.next
	}
	if m.next != nil {
		m.next.prev = m.prev
	}
	m.prev = nil
	m.next = nil
}
