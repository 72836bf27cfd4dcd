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

// Package mm manages virtual address spaces: regions, demand paging,
// copy-on-write fork, and permission changes.
//
// All page table installs funnel through one choke point that enforces
// W^X: a request for both write and execute keeps write and drops
// execute. JIT-style callers map RW first and re-protect to RX.
//
// Frames never hold pointers back into an address space; they carry the
// space's id and the page index, and spaces reference frames by PFN.
package mm

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/arch/pagetables"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
	"github.com/LimitlessOS-official/limitless-mm/pkg/memerr"
	"github.com/LimitlessOS-official/limitless-mm/pkg/pagecache"
)

const (
	// KernelBase is the first kernel virtual address. User regions live
	// strictly below UserTop.
	KernelBase = arch.Addr(0xffff_8000_0000_0000)
	UserTop    = arch.Addr(0x0000_8000_0000_0000)

	// mmapBase is where hint-less mappings start searching for a gap.
	mmapBase = arch.Addr(0x0000_2000_0000_0000)

	// defaultGuardPages bounds how far below a GROWSDOWN region a fault
	// may still extend the stack.
	defaultGuardPages = 32

	regionDegree = 8
)

// RegionKind discriminates the backing of a region.
type RegionKind int

const (
	// RegionAnon is demand-zero anonymous memory.
	RegionAnon RegionKind = iota

	// RegionFile is backed by the page cache.
	RegionFile
)

func (k RegionKind) String() string {
	switch k {
	case RegionAnon:
		return "anon"
	case RegionFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RegionFlags modify region behavior.
type RegionFlags uint32

const (
	// RegionFixed rejects the mapping with ErrConflict instead of
	// relocating when the hint range is occupied.
	RegionFixed RegionFlags = 1 << iota

	// RegionLocked pins the region's frames as unevictable.
	RegionLocked

	// RegionGrowsDown extends the region downward on faults just below
	// its start, within the guard budget.
	RegionGrowsDown
)

// Region describes a mapped virtual range.
type Region struct {
	arch.AddrRange
	Perm  arch.AccessType
	Kind  RegionKind
	Flags RegionFlags

	// Vnode and FileOff locate Start's backing byte for RegionFile.
	Vnode   uint64
	FileOff uint64
}

func (r *Region) fileIndex(va arch.Addr) uint64 {
	return (r.FileOff + uint64(va-r.Start)) >> arch.PageShift
}

// mapping is the shadow record of one installed page.
type mapping struct {
	pfn arch.PFN

	// installed is the access the live PTE grants, post enforcement.
	installed arch.AccessType

	// cow marks a frame shared with another space; the first write
	// breaks the share.
	cow bool

	// page pins the page cache entry for file pages; nil for anon.
	page *pagecache.Page

	vnode uint64
	index uint64
}

// Invalidator receives TLB shootdowns. cpus is the mask of CPUs the
// address space is active on at the time of the change.
type Invalidator interface {
	Invalidate(asid uint32, cpus uint64, r arch.AddrRange)
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(uint32, uint64, arch.AddrRange) {}

// Manager owns the id arena and the shared machinery address spaces use.
type Manager struct {
	alloc    *buddy.Allocator
	db       *frame.DB
	cache    *pagecache.Cache
	ptAlloc  pagetables.Allocator
	kernelPT *pagetables.PageTables
	inv      Invalidator

	homeNode int
	guard    uint64

	mu     sync.Mutex
	nextID uint32
	spaces map[uint32]*AddressSpace

	stats managerCounters
}

// managerCounters are hot-path fault counters; read by the metrics
// collector without locks.
type managerCounters struct {
	faults     atomic.Uint64
	demandZero atomic.Uint64
	fileFaults atomic.Uint64
	cowBreaks  atomic.Uint64
	forks      atomic.Uint64
}

// ManagerStats is a snapshot of fault activity.
type ManagerStats struct {
	Faults     uint64
	DemandZero uint64
	FileFaults uint64
	COWBreaks  uint64
	Forks      uint64
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Cache serves file-backed mappings. May be nil when only anonymous
	// memory is used; MapFile then fails with ErrNoBacker.
	Cache *pagecache.Cache

	// PTAllocator provides table pages. Nil means the runtime allocator.
	PTAllocator pagetables.Allocator

	// KernelPT, when non-nil, is shared into every new space's upper
	// half.
	KernelPT *pagetables.PageTables

	// Invalidator receives shootdowns. Nil installs a no-op.
	Invalidator Invalidator

	// HomeNode is the NUMA node user frames prefer.
	HomeNode int

	// GuardPages overrides the GROWSDOWN guard budget. Zero keeps the
	// default.
	GuardPages uint64
}

// NewManager creates an address space manager over the given allocator.
func NewManager(a *buddy.Allocator, opts ManagerOptions) *Manager {
	if opts.PTAllocator == nil {
		opts.PTAllocator = pagetables.NewRuntimeAllocator()
	}
	if opts.Invalidator == nil {
		opts.Invalidator = nopInvalidator{}
	}
	if opts.GuardPages == 0 {
		opts.GuardPages = defaultGuardPages
	}
	return &Manager{
		alloc:    a,
		db:       a.DB(),
		cache:    opts.Cache,
		ptAlloc:  opts.PTAllocator,
		kernelPT: opts.KernelPT,
		inv:      opts.Invalidator,
		homeNode: opts.HomeNode,
		guard:    opts.GuardPages,
		nextID:   1,
		spaces:   make(map[uint32]*AddressSpace),
	}
}

// Stats returns a snapshot of the manager's fault counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Faults:     m.stats.faults.Load(),
		DemandZero: m.stats.demandZero.Load(),
		FileFaults: m.stats.fileFaults.Load(),
		COWBreaks:  m.stats.cowBreaks.Load(),
		Forks:      m.stats.forks.Load(),
	}
}

// SetInvalidator replaces the shootdown sink; the kernel installs its own
// after boot wiring.
func (m *Manager) SetInvalidator(inv Invalidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inv = inv
}

// NewAddressSpace creates an empty space sharing the kernel upper half.
func (m *Manager) NewAddressSpace() *AddressSpace {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	inv := m.inv
	m.mu.Unlock()

	as := &AddressSpace{
		id:  id,
		m:   m,
		inv: inv,
		pt:  pagetables.New(m.ptAlloc),
		regions: btree.NewG[*Region](regionDegree, func(a, b *Region) bool {
			return a.Start < b.Start
		}),
		pages: make(map[arch.Addr]*mapping),
		guard: m.guard,
	}
	if m.kernelPT != nil {
		as.pt.InheritUpper(m.kernelPT)
	}
	m.mu.Lock()
	m.spaces[id] = as
	m.mu.Unlock()
	return as
}

// Space returns the live address space with the given id.
func (m *Manager) Space(id uint32) *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spaces[id]
}

// Spaces returns the live address spaces; the OOM scorer walks them.
func (m *Manager) Spaces() []*AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AddressSpace, 0, len(m.spaces))
	for _, as := range m.spaces {
		out = append(out, as)
	}
	return out
}

func (m *Manager) forget(id uint32) {
	m.mu.Lock()
	delete(m.spaces, id)
	m.mu.Unlock()
}

// AddressSpace is one process's virtual memory.
type AddressSpace struct {
	id  uint32
	m   *Manager
	inv Invalidator
	pt  *pagetables.PageTables

	mu      sync.Mutex
	regions *btree.BTreeG[*Region]
	pages   map[arch.Addr]*mapping
	cpus    uint64
	guard   uint64

	brkBase arch.Addr
	brkEnd  arch.Addr

	// protection is the administrative OOM shield; higher survives
	// longer.
	protection uint64

	// faulting counts faults and forks in flight. The OOM killer must
	// not pick a space that is mid-fault: teardown would block on the
	// fault's own locks.
	faulting atomic.Int32

	dead bool
}

// SetProtection sets the administrative OOM protection value.
func (as *AddressSpace) SetProtection(p uint64) {
	as.mu.Lock()
	as.protection = p
	as.mu.Unlock()
}

// Faulting reports whether a fault or fork is in flight on this space.
func (as *AddressSpace) Faulting() bool {
	return as.faulting.Load() > 0
}

// Protection returns the OOM protection value.
func (as *AddressSpace) Protection() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.protection
}

// ID returns the space's arena id.
func (as *AddressSpace) ID() uint32 { return as.id }

// RootPhysical returns the translation root for SwitchTo.
func (as *AddressSpace) RootPhysical() uint64 { return as.pt.RootPhysical() }

// ActivateCPU marks the space live on cpu; shootdowns target live CPUs.
func (as *AddressSpace) ActivateCPU(cpu int) {
	as.mu.Lock()
	as.cpus |= 1 << uint(cpu)
	as.mu.Unlock()
}

// DeactivateCPU removes cpu from the live mask.
func (as *AddressSpace) DeactivateCPU(cpu int) {
	as.mu.Lock()
	as.cpus &^= 1 << uint(cpu)
	as.mu.Unlock()
}

// install is the single PTE choke point. W^X: write+exec requests keep
// write and lose exec.
//
// Preconditions: as.mu is locked, at grants some access.
func (as *AddressSpace) installLocked(va arch.Addr, pfn arch.PFN, at arch.AccessType) arch.AccessType {
	if at.Write && at.Execute {
		at.Execute = false
	}
	if err := as.pt.MapPage(va, pfn, pagetables.MapOpts{AccessType: at, User: true}); err != nil {
		panic(fmt.Sprintf("mm: PTE install at %#x: %v", va, err))
	}
	return at
}

// trackFrameLocked records reverse-mapping identity and LRU placement for
// a newly installed anonymous frame.
func (as *AddressSpace) trackFrameLocked(va arch.Addr, pfn arch.PFN, locked bool) {
	fr := as.m.db.Frame(pfn)
	fr.MapAS = as.id
	fr.MapIdx = uint64(va >> arch.PageShift)
	if fr.FlagSet(frame.LRU) {
		return
	}
	z := as.m.alloc.ZoneFor(pfn)
	if z == nil {
		return
	}
	if locked {
		fr.SetFlags(frame.Unevictable)
		z.LRUAdd(buddy.AnonUnevictable, pfn)
	} else {
		z.LRUAdd(buddy.AnonInactive, pfn)
	}
}

// findRegionLocked returns the region containing va, or nil.
func (as *AddressSpace) findRegionLocked(va arch.Addr) *Region {
	var found *Region
	as.regions.DescendLessOrEqual(&Region{AddrRange: arch.AddrRange{Start: va}}, func(r *Region) bool {
		found = r
		return false
	})
	if found != nil && found.Contains(va) {
		return found
	}
	return nil
}

// overlapsLocked reports whether any region intersects r.
func (as *AddressSpace) overlapsLocked(r arch.AddrRange) bool {
	conflict := false
	as.regions.DescendLessOrEqual(&Region{AddrRange: arch.AddrRange{Start: r.End - 1}}, func(o *Region) bool {
		conflict = o.End > r.Start
		return false
	})
	return conflict
}

// findGapLocked returns a free range of the given length at or above
// start, or 0 with ok false.
func (as *AddressSpace) findGapLocked(start arch.Addr, length uint64) (arch.Addr, bool) {
	va := start
	for va+arch.Addr(length) <= UserTop {
		candidate := arch.AddrRange{Start: va, End: va + arch.Addr(length)}
		blocker := (*Region)(nil)
		as.regions.AscendGreaterOrEqual(&Region{AddrRange: arch.AddrRange{Start: va}}, func(r *Region) bool {
			if r.Start < candidate.End {
				blocker = r
			}
			return false
		})
		// A region starting below va may still cover it.
		if r := as.findRegionLocked(va); r != nil {
			blocker = r
		}
		if blocker == nil {
			return va, true
		}
		va = blocker.End
	}
	return 0, false
}

// MapAnon creates an anonymous region. Pages materialize on first touch.
// Zero length is a no-op returning the hint.
func (as *AddressSpace) MapAnon(hint arch.Addr, length uint64, perm arch.AccessType, flags RegionFlags) (arch.Addr, error) {
	return as.mapRegion(hint, length, perm, flags, RegionAnon, 0, 0)
}

// MapFile creates a page-cache-backed region. The first write to any
// page faults the PTE writable and marks the cache entry dirty.
func (as *AddressSpace) MapFile(hint arch.Addr, length uint64, perm arch.AccessType, flags RegionFlags, vnode, fileOff uint64) (arch.Addr, error) {
	if as.m.cache == nil {
		return 0, memerr.ErrNoBacker
	}
	if fileOff&(arch.PageSize-1) != 0 {
		return 0, memerr.ErrAlignment
	}
	return as.mapRegion(hint, length, perm, flags, RegionFile, vnode, fileOff)
}

func (as *AddressSpace) mapRegion(hint arch.Addr, length uint64, perm arch.AccessType, flags RegionFlags, kind RegionKind, vnode, fileOff uint64) (arch.Addr, error) {
	if !hint.IsPageAligned() || length&(arch.PageSize-1) != 0 {
		return 0, memerr.ErrAlignment
	}
	if length == 0 {
		return hint, nil
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return 0, memerr.ErrBadAddress
	}

	start := hint
	want := arch.AddrRange{Start: hint, End: hint + arch.Addr(length)}
	if want.End > UserTop || want.End < want.Start {
		if flags&RegionFixed != 0 {
			return 0, memerr.ErrConflict
		}
		start = 0
	}
	if start == hint && as.overlapsLocked(want) {
		if flags&RegionFixed != 0 {
			return 0, memerr.ErrConflict
		}
		start = 0
	}
	if start != hint || hint == 0 && flags&RegionFixed == 0 {
		base := hint
		if base == 0 {
			base = mmapBase
		}
		va, ok := as.findGapLocked(base, length)
		if !ok {
			va, ok = as.findGapLocked(mmapBase, length)
		}
		if !ok {
			return 0, memerr.ErrNoMemory
		}
		start = va
	}

	r := &Region{
		AddrRange: arch.AddrRange{Start: start, End: start + arch.Addr(length)},
		Perm:      perm,
		Kind:      kind,
		Flags:     flags,
		Vnode:     vnode,
		FileOff:   fileOff,
	}
	as.regions.ReplaceOrInsert(r)
	log.WithFields(log.Fields{
		"as":   as.id,
		"kind": kind.String(),
		"va":   fmt.Sprintf("%#x", start),
		"len":  length,
	}).Debug("mm: map region")
	return start, nil
}

// Unmap removes all translations and regions within [va, va+length).
// Ranges already unmapped are skipped; a fully unmapped range is a no-op.
// A region straddling the range boundary is split.
func (as *AddressSpace) Unmap(va arch.Addr, length uint64) error {
	if !va.IsPageAligned() || length&(arch.PageSize-1) != 0 {
		return memerr.ErrAlignment
	}
	if length == 0 {
		return nil
	}
	rng := arch.AddrRange{Start: va, End: va + arch.Addr(length)}

	as.mu.Lock()
	as.dropRangeLocked(rng)
	as.splitOutLocked(rng)
	cpus := as.cpus
	as.mu.Unlock()
	as.inv.Invalidate(as.id, cpus, rng)
	return nil
}

// dropRangeLocked tears down every installed page in rng: PTE removal,
// pin release or frame free.
func (as *AddressSpace) dropRangeLocked(rng arch.AddrRange) {
	for va := rng.Start; va < rng.End; va += arch.PageSize {
		mp, ok := as.pages[va]
		if !ok {
			continue
		}
		delete(as.pages, va)
		if err := as.pt.Unmap(va, arch.PageSize); err != nil {
			panic(fmt.Sprintf("mm: unmap of %#x: %v", va, err))
		}
		as.releaseMappingLocked(mp)
	}
}

// releaseMappingLocked drops the frame reference of one shadow record.
// The allocator's release hook unlinks the frame from its LRU list if
// this turns out to be the last reference.
func (as *AddressSpace) releaseMappingLocked(mp *mapping) {
	if mp.page != nil {
		mp.page.Release()
		return
	}
	as.m.db.Put(mp.pfn)
}

// splitOutLocked removes the intersection of rng from the region set,
// splitting boundary regions so the survivors' union is exactly the
// original minus rng.
func (as *AddressSpace) splitOutLocked(rng arch.AddrRange) {
	var overlapping []*Region
	as.regions.AscendGreaterOrEqual(&Region{AddrRange: arch.AddrRange{}}, func(r *Region) bool {
		if r.Overlaps(rng) {
			overlapping = append(overlapping, r)
		}
		return r.Start < rng.End
	})
	for _, r := range overlapping {
		as.regions.Delete(r)
		if r.Start < rng.Start {
			left := *r
			left.End = rng.Start
			as.regions.ReplaceOrInsert(&left)
		}
		if r.End > rng.End {
			right := *r
			right.Start = rng.End
			if r.Kind == RegionFile {
				right.FileOff = r.FileOff + uint64(rng.End-r.Start)
			}
			as.regions.ReplaceOrInsert(&right)
		}
	}
}

// Protect changes the permission of [va, va+length). Installed PTEs are
// downgraded or upgraded; pages whose writability is deferred (clean file
// pages, unbroken COW) keep their read-only install and upgrade on the
// next write fault.
func (as *AddressSpace) Protect(va arch.Addr, length uint64, perm arch.AccessType) error {
	if !va.IsPageAligned() || length&(arch.PageSize-1) != 0 {
		return memerr.ErrAlignment
	}
	if length == 0 {
		return nil
	}
	rng := arch.AddrRange{Start: va, End: va + arch.Addr(length)}

	as.mu.Lock()
	if !as.rangeCoveredLocked(rng) {
		as.mu.Unlock()
		return memerr.ErrBadAddress
	}
	as.splitForLocked(rng)
	as.regions.AscendGreaterOrEqual(&Region{AddrRange: arch.AddrRange{Start: rng.Start}}, func(r *Region) bool {
		if r.Start >= rng.End {
			return false
		}
		r.Perm = perm
		return true
	})

	for pva := rng.Start; pva < rng.End; pva += arch.PageSize {
		mp, ok := as.pages[pva]
		if !ok {
			continue
		}
		at := perm
		if mp.cow || (mp.page != nil && !mp.installed.Write) {
			// Writability stays deferred to the fault path.
			at.Write = false
		}
		if !at.Any() {
			if err := as.pt.Unmap(pva, arch.PageSize); err != nil {
				panic(fmt.Sprintf("mm: protect unmap of %#x: %v", pva, err))
			}
			mp.installed = arch.NoAccess
			continue
		}
		mp.installed = as.installLocked(pva, mp.pfn, at)
	}
	cpus := as.cpus
	as.mu.Unlock()
	as.inv.Invalidate(as.id, cpus, rng)
	return nil
}

// rangeCoveredLocked reports whether regions cover all of rng.
func (as *AddressSpace) rangeCoveredLocked(rng arch.AddrRange) bool {
	va := rng.Start
	for va < rng.End {
		r := as.findRegionLocked(va)
		if r == nil {
			return false
		}
		va = r.End
	}
	return true
}

// splitForLocked splits regions at rng's boundaries so later per-region
// mutation stays inside rng.
func (as *AddressSpace) splitForLocked(rng arch.AddrRange) {
	for _, edge := range []arch.Addr{rng.Start, rng.End} {
		r := as.findRegionLocked(edge)
		if r == nil || r.Start == edge {
			continue
		}
		as.regions.Delete(r)
		left := *r
		left.End = edge
		right := *r
		right.Start = edge
		if r.Kind == RegionFile {
			right.FileOff = r.FileOff + uint64(edge-r.Start)
		}
		as.regions.ReplaceOrInsert(&left)
		as.regions.ReplaceOrInsert(&right)
	}
}

// Query returns a copy of the region containing va.
func (as *AddressSpace) Query(va arch.Addr) (Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	r := as.findRegionLocked(va)
	if r == nil {
		return Region{}, false
	}
	return *r, true
}

// Resident returns the number of installed pages; the OOM scorer reads
// it.
func (as *AddressSpace) Resident() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return uint64(len(as.pages))
}

// SetBrkBase fixes the heap origin. Must precede the first Brk.
func (as *AddressSpace) SetBrkBase(base arch.Addr) error {
	if !base.IsPageAligned() {
		return memerr.ErrAlignment
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.brkBase = base
	as.brkEnd = base
	return nil
}

// Brk grows or shrinks the heap region to end at newEnd, returning the
// resulting break. newEnd of 0 queries without changing.
func (as *AddressSpace) Brk(newEnd arch.Addr) (arch.Addr, error) {
	as.mu.Lock()
	if newEnd == 0 {
		end := as.brkEnd
		as.mu.Unlock()
		return end, nil
	}
	if as.brkBase == 0 {
		as.mu.Unlock()
		return 0, memerr.ErrBadAddress
	}
	newEnd, ok := newEnd.RoundUp()
	if !ok || newEnd < as.brkBase {
		as.mu.Unlock()
		return 0, memerr.ErrBadAddress
	}
	old := as.brkEnd
	as.mu.Unlock()

	switch {
	case newEnd > old:
		grow := arch.AddrRange{Start: old, End: newEnd}
		as.mu.Lock()
		if as.overlapsLocked(grow) {
			as.mu.Unlock()
			return 0, memerr.ErrConflict
		}
		as.regions.ReplaceOrInsert(&Region{
			AddrRange: grow,
			Perm:      arch.ReadWrite,
			Kind:      RegionAnon,
		})
		as.brkEnd = newEnd
		as.mu.Unlock()
	case newEnd < old:
		if err := as.Unmap(newEnd, uint64(old-newEnd)); err != nil {
			return 0, err
		}
		as.mu.Lock()
		as.brkEnd = newEnd
		as.mu.Unlock()
	}
	return newEnd, nil
}

// MSync flushes every vnode mapped within [va, va+length); the flush is
// whole-vnode.
func (as *AddressSpace) MSync(ctx context.Context, va arch.Addr, length uint64) error {
	if !va.IsPageAligned() || length&(arch.PageSize-1) != 0 {
		return memerr.ErrAlignment
	}
	rng := arch.AddrRange{Start: va, End: va + arch.Addr(length)}

	as.mu.Lock()
	vnodes := make(map[uint64]bool)
	as.regions.AscendGreaterOrEqual(&Region{AddrRange: arch.AddrRange{}}, func(r *Region) bool {
		if r.Kind == RegionFile && r.Overlaps(rng) {
			vnodes[r.Vnode] = true
		}
		return r.Start < rng.End
	})
	cache := as.m.cache
	as.mu.Unlock()

	for vnode := range vnodes {
		if err := cache.Flush(ctx, vnode); err != nil {
			return err
		}
	}
	return nil
}

// MLock marks [va, va+length) unevictable and faults every page in.
func (as *AddressSpace) MLock(ctx context.Context, va arch.Addr, length uint64) error {
	if !va.IsPageAligned() || length&(arch.PageSize-1) != 0 {
		return memerr.ErrAlignment
	}
	rng := arch.AddrRange{Start: va, End: va + arch.Addr(length)}

	as.mu.Lock()
	if !as.rangeCoveredLocked(rng) {
		as.mu.Unlock()
		return memerr.ErrBadAddress
	}
	as.splitForLocked(rng)
	as.regions.AscendGreaterOrEqual(&Region{AddrRange: arch.AddrRange{Start: rng.Start}}, func(r *Region) bool {
		if r.Start >= rng.End {
			return false
		}
		r.Flags |= RegionLocked
		return true
	})
	as.mu.Unlock()

	for pva := rng.Start; pva < rng.End; pva += arch.PageSize {
		if err := as.HandleFault(ctx, pva, FaultUser, ModeUser); err != nil {
			return err
		}
		as.mu.Lock()
		if mp, ok := as.pages[pva]; ok && mp.page == nil {
			fr := as.m.db.Frame(mp.pfn)
			if !fr.FlagSet(frame.Unevictable) {
				z := as.m.alloc.ZoneFor(mp.pfn)
				if z != nil && fr.FlagSet(frame.LRU) {
					if fr.FlagSet(frame.Active) {
						z.LRURemove(buddy.AnonActive, mp.pfn)
					} else {
						z.LRURemove(buddy.AnonInactive, mp.pfn)
					}
					fr.SetFlags(frame.Unevictable)
					z.LRUAdd(buddy.AnonUnevictable, mp.pfn)
				}
			}
		}
		as.mu.Unlock()
	}
	return nil
}

// FormatMaps writes a maps-style listing of the space's regions.
func (as *AddressSpace) FormatMaps(w io.Writer) error {
	as.mu.Lock()
	var regions []Region
	as.regions.AscendGreaterOrEqual(&Region{AddrRange: arch.AddrRange{}}, func(r *Region) bool {
		regions = append(regions, *r)
		return true
	})
	as.mu.Unlock()

	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	for _, r := range regions {
		perms := [4]byte{'-', '-', '-', 'p'}
		if r.Perm.Read {
			perms[0] = 'r'
		}
		if r.Perm.Write {
			perms[1] = 'w'
		}
		if r.Perm.Execute {
			perms[2] = 'x'
		}
		var err error
		if r.Kind == RegionFile {
			_, err = fmt.Fprintf(w, "%012x-%012x %s %08x vnode:%d\n",
				uint64(r.Start), uint64(r.End), perms, r.FileOff, r.Vnode)
		} else {
			name := ""
			if r.Flags&RegionGrowsDown != 0 {
				name = " [stack]"
			} else if r.Start >= as.brkBase && r.End <= as.brkEnd && as.brkBase != 0 {
				name = " [heap]"
			}
			_, err = fmt.Fprintf(w, "%012x-%012x %s %08x%s\n",
				uint64(r.Start), uint64(r.End), perms, 0, name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadByte reads the byte at va through the translation, faulting it in
// first if needed. Test and tooling surface standing in for a CPU load.
func (as *AddressSpace) ReadByte(ctx context.Context, va arch.Addr) (byte, error) {
	if err := as.touch(ctx, va, arch.Read); err != nil {
		return 0, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	pa, _, ok := as.pt.Lookup(va)
	if !ok {
		return 0, memerr.ErrBadAddress
	}
	paddr := arch.PAddr(pa)
	return as.m.db.Bytes(paddr.PFN())[paddr.PageOffset()], nil
}

// WriteByte writes the byte at va through the translation, taking write
// faults the way a CPU store would.
func (as *AddressSpace) WriteByte(ctx context.Context, va arch.Addr, b byte) error {
	if err := as.touch(ctx, va, arch.Write); err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	pa, opts, ok := as.pt.Lookup(va)
	if !ok || !opts.AccessType.Write {
		return memerr.ErrBadAddress
	}
	paddr := arch.PAddr(pa)
	as.m.db.Bytes(paddr.PFN())[paddr.PageOffset()] = b
	return nil
}

// touch emulates the MMU check-and-fault loop for one access.
func (as *AddressSpace) touch(ctx context.Context, va arch.Addr, at arch.AccessType) error {
	as.mu.Lock()
	_, opts, ok := as.pt.Lookup(va)
	as.mu.Unlock()
	var code FaultFlags
	if ok {
		if at.Write && opts.AccessType.Write {
			return nil
		}
		if !at.Write && opts.AccessType.Read {
			return nil
		}
		code |= FaultPresent
	}
	if at.Write {
		code |= FaultWrite
	}
	if at.Execute {
		code |= FaultFetch
	}
	return as.HandleFault(ctx, va, code, ModeUser)
}

// Destroy tears the space down: every PTE removed, every anonymous frame
// freed, every file pin dropped, the table tree released. The id is
// retired.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	if as.dead {
		as.mu.Unlock()
		return
	}
	as.dead = true
	for va, mp := range as.pages {
		delete(as.pages, va)
		as.releaseMappingLocked(mp)
	}
	as.regions.Clear(false)
	cpus := as.cpus
	as.pt.Release()
	as.mu.Unlock()

	as.inv.Invalidate(as.id, cpus, arch.AddrRange{Start: 0, End: UserTop})
	as.m.forget(as.id)
	log.WithField("as", as.id).Debug("mm: address space destroyed")
}
