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

// Package frame implements the physical frame database: one descriptor per
// machine page, indexed by page frame number, constructed once at boot from
// the firmware memory map.
package frame

import (
	"fmt"
	"sync/atomic"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/memutil"
)

// Flags is the frame flag bitset. Flags are mutated under whichever lock
// guards the frame's current owner (zone lock for BUDDY edges, cache lock
// for SLAB edges, page-cache or address-space lock otherwise); reads may be
// lock-free.
type Flags uint32

const (
	// Locked excludes concurrent access during loads and writebacks.
	Locked Flags = 1 << iota

	// Dirty means the frame holds data newer than its backing store.
	Dirty

	// Uptodate means the frame holds valid data read from backing store.
	Uptodate

	// LRU means the frame is linked on an LRU list.
	LRU

	// Active means the frame is on an active (recently referenced) LRU list.
	Active

	// Slab means the frame is owned by a slab cache.
	Slab

	// Buddy means the frame heads a free block on a zone free list.
	Buddy

	// Huge means the frame heads a huge page.
	Huge

	// Reserved means the frame was excluded at boot (firmware, kernel image,
	// early heap) and never enters the allocator.
	Reserved

	// Movable means the frame came from a MOVABLE zone.
	Movable

	// Compound means the frame is a non-head constituent of a multi-frame
	// block.
	Compound

	// Unevictable means the frame belongs to a locked region and reclaim
	// must skip it.
	Unevictable
)

// Frame is the descriptor of one physical frame.
//
// The linkage fields thread the frame onto exactly one intrusive list at a
// time: a zone free list while Buddy is set, or an LRU list while LRU is
// set. The owner fields are a union discriminated by flags: SlabID while
// Slab is set, the mapping identity (MapAS, MapIdx) otherwise.
type Frame struct {
	flags atomic.Uint32
	refs  atomic.Int64

	// Node and Zone identify the owning NUMA node and global zone index.
	// Immutable after boot.
	Node uint16
	Zone uint16

	// Order is the buddy order of the free block headed by this frame.
	// Valid only while Buddy is set; guarded by the zone lock.
	Order uint8

	// Prev and Next are intrusive PFN linkage, guarded by the lock of the
	// list owner. NilPFN terminates.
	Prev arch.PFN
	Next arch.PFN

	// SlabID identifies the owning slab cache while Slab is set.
	SlabID uint32

	// MapAS and MapIdx identify the mapping that holds this frame: the
	// owning address-space id (or vnode id for page-cache frames) and the
	// file page index. Address spaces are referenced by id, not pointer, so
	// teardown never chases a cycle.
	MapAS  uint32
	MapIdx uint64
}

// FlagSet returns true if all of f are currently set.
func (fr *Frame) FlagSet(f Flags) bool {
	return Flags(fr.flags.Load())&f == f
}

// SetFlags sets the given flags.
func (fr *Frame) SetFlags(f Flags) {
	for {
		old := fr.flags.Load()
		if fr.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlags clears the given flags.
func (fr *Frame) ClearFlags(f Flags) {
	for {
		old := fr.flags.Load()
		if fr.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// Flags returns the current flag set.
func (fr *Frame) Flags() Flags {
	return Flags(fr.flags.Load())
}

// Refs returns the current reference count.
func (fr *Frame) Refs() int64 {
	return fr.refs.Load()
}

// SetRefs overwrites the reference count. Only the allocator uses this, when
// handing frames out of or back into the buddy free lists.
func (fr *Frame) SetRefs(n int64) {
	fr.refs.Store(n)
}

// IncRef takes a reference and returns the new count.
func (fr *Frame) IncRef() int64 {
	return fr.refs.Add(1)
}

// MemKind classifies a firmware memory map range.
type MemKind int

const (
	// MemUsable ranges become allocatable frames.
	MemUsable MemKind = iota

	// MemReserved ranges (firmware tables, kernel image, early heap) get
	// descriptors flagged Reserved and never enter the allocator.
	MemReserved
)

// MemRange is one firmware memory map entry, in bytes.
type MemRange struct {
	Start uint64
	End   uint64
	Kind  MemKind
}

// MemoryMap is the firmware memory map handed to boot.
type MemoryMap []MemRange

// DB is the frame database. It owns the host mapping backing the simulated
// physical memory, so descriptor, physical address and backing bytes
// translate in O(1).
type DB struct {
	backing []byte
	frames  []Frame
	usable  uint64

	// release is invoked when a frame's last reference is dropped while the
	// frame is not on a free list; it returns the frame to the buddy
	// allocator. Installed once at boot.
	release func(arch.PFN)
}

// NewDB builds the frame database from the firmware memory map. Every frame
// up to the highest mapped byte gets a descriptor; frames outside usable
// ranges are flagged Reserved.
func NewDB(mm MemoryMap) (*DB, error) {
	var top uint64
	for _, r := range mm {
		if r.End > top {
			top = r.End
		}
	}
	if top == 0 || !arch.IsPageAligned(top) {
		return nil, fmt.Errorf("frame: bad memory map top %#x", top)
	}
	backing, err := memutil.MapAnon(top)
	if err != nil {
		return nil, fmt.Errorf("frame: mapping %d bytes of backing: %w", top, err)
	}
	n := top >> arch.PageShift
	db := &DB{
		backing: backing,
		frames:  make([]Frame, n),
	}
	for i := range db.frames {
		fr := &db.frames[i]
		fr.SetFlags(Reserved)
		fr.Prev = arch.NilPFN
		fr.Next = arch.NilPFN
	}
	for _, r := range mm {
		if r.Kind != MemUsable {
			continue
		}
		start := arch.PagesForBytes(r.Start)
		end := r.End >> arch.PageShift
		for p := start; p < end; p++ {
			fr := &db.frames[p]
			if !fr.FlagSet(Reserved) {
				continue
			}
			fr.ClearFlags(Reserved)
			db.usable++
		}
	}
	// Reserved ranges win over overlapping usable ones.
	for _, r := range mm {
		if r.Kind != MemReserved {
			continue
		}
		start := r.Start >> arch.PageShift
		end := arch.PagesForBytes(r.End)
		for p := start; p < end && p < n; p++ {
			fr := &db.frames[p]
			if fr.FlagSet(Reserved) {
				continue
			}
			fr.SetFlags(Reserved)
			db.usable--
		}
	}
	return db, nil
}

// SetRelease installs the zero-reference release hook. Called once at boot
// by the buddy allocator.
func (db *DB) SetRelease(fn func(arch.PFN)) {
	db.release = fn
}

// NumFrames returns the number of frame descriptors, including reserved
// ones.
func (db *DB) NumFrames() uint64 {
	return uint64(len(db.frames))
}

// Usable returns the number of allocatable frames.
func (db *DB) Usable() uint64 {
	return db.usable
}

// Frame returns the descriptor for p. A PFN outside the database is an
// invariant failure.
func (db *DB) Frame(p arch.PFN) *Frame {
	if uint64(p) >= uint64(len(db.frames)) {
		panic(fmt.Sprintf("frame: PFN %d outside database of %d frames", p, len(db.frames)))
	}
	return &db.frames[p]
}

// Bytes returns the backing bytes of frame p.
func (db *DB) Bytes(p arch.PFN) []byte {
	off := p.PhysAddr()
	return db.backing[off : off+arch.PageSize : off+arch.PageSize]
}

// BlockBytes returns the backing bytes of the 2^order frames starting at p.
func (db *DB) BlockBytes(p arch.PFN, order uint8) []byte {
	off := p.PhysAddr()
	size := uint64(arch.PageSize) << order
	return db.backing[off : off+size : off+size]
}

// DecommitBlock returns the host pages backing the 2^order frames at p to
// the host kernel; the frames read as zero afterwards. Only sensible for
// blocks nothing references.
func (db *DB) DecommitBlock(p arch.PFN, order uint8) error {
	return memutil.Decommit(db.BlockBytes(p, order))
}

// Zero clears the contents of frame p.
func (db *DB) Zero(p arch.PFN) {
	b := db.Bytes(p)
	for i := range b {
		b[i] = 0
	}
}

// Get takes a reference on p.
func (db *DB) Get(p arch.PFN) {
	db.Frame(p).IncRef()
}

// Put drops a reference on p. When the last reference goes away the frame is
// handed to the release hook, returning it to the buddy allocator.
func (db *DB) Put(p arch.PFN) {
	fr := db.Frame(p)
	n := fr.refs.Add(-1)
	switch {
	case n < 0:
		panic(fmt.Sprintf("frame: refcount underflow on PFN %d (flags %#x)", p, fr.Flags()))
	case n == 0:
		if fr.FlagSet(Buddy) {
			panic(fmt.Sprintf("frame: PFN %d dropped to zero refs while on a free list", p))
		}
		if db.release != nil {
			db.release(p)
		}
	}
}

// Close releases the host backing. No frame may be referenced afterwards.
func (db *DB) Close() error {
	b := db.backing
	db.backing = nil
	db.frames = nil
	return memutil.Unmap(b)
}
