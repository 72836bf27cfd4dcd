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

package mm

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
	"github.com/LimitlessOS-official/limitless-mm/pkg/memerr"
)

// FaultFlags is the trap error word.
type FaultFlags uint32

const (
	// FaultPresent means the translation existed; the access violated
	// its permissions.
	FaultPresent FaultFlags = 1 << iota

	// FaultWrite means the access was a store.
	FaultWrite

	// FaultUser means the access came from user mode.
	FaultUser

	// FaultFetch means the access was an instruction fetch.
	FaultFetch

	// FaultReserved means the walker hit a reserved bit: the tables are
	// corrupt.
	FaultReserved
)

// Mode is the privilege the faulting thread ran at.
type Mode int

const (
	ModeKernel Mode = iota
	ModeUser
)

// deliver converts an unresolvable fault into the caller-visible outcome:
// user faults become ErrBadAddress (a signal, one level up), kernel
// faults are bugs and panic.
func deliver(va arch.Addr, code FaultFlags, mode Mode, why string) error {
	if mode == ModeUser {
		return memerr.ErrBadAddress
	}
	panic(fmt.Sprintf("mm: unhandled kernel fault at %#x code %#x: %s", va, code, why))
}

// HandleFault resolves one page fault. The trap stub calls this with the
// faulting address, the error word, and the privilege mode; a nil return
// means the instruction can be retried.
func (as *AddressSpace) HandleFault(ctx context.Context, va arch.Addr, code FaultFlags, mode Mode) error {
	if code&FaultReserved != 0 {
		panic(fmt.Sprintf("mm: reserved bit fault at %#x: page tables corrupt", va))
	}
	// User access to kernel addresses never consults regions.
	if mode == ModeUser && va >= UserTop {
		return memerr.ErrBadAddress
	}
	as.m.stats.faults.Add(1)
	as.faulting.Add(1)
	defer as.faulting.Add(-1)

	pageVA := va.RoundDown()
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return memerr.ErrBadAddress
	}

	mp := as.pages[pageVA]
	if mp == nil {
		return as.demandFaultLocked(ctx, pageVA, va, code, mode)
	}
	return as.presentFaultLocked(ctx, pageVA, va, code, mode, mp)
}

// demandFaultLocked handles a fault on a page with no installed frame.
func (as *AddressSpace) demandFaultLocked(ctx context.Context, pageVA, va arch.Addr, code FaultFlags, mode Mode) error {
	r := as.findRegionLocked(va)
	if r == nil {
		r = as.growDownLocked(pageVA)
	}
	if r == nil {
		return deliver(va, code, mode, "no region")
	}
	if code&FaultWrite != 0 && !r.Perm.Write {
		return deliver(va, code, mode, "write to non-writable region")
	}
	if code&FaultFetch != 0 && !r.Perm.Execute {
		return deliver(va, code, mode, "fetch from non-executable region")
	}
	if code&FaultWrite == 0 && code&FaultFetch == 0 && !r.Perm.Read {
		return deliver(va, code, mode, "read from unreadable region")
	}

	if r.Kind == RegionAnon {
		return as.demandZeroLocked(pageVA, r)
	}
	return as.filePageLocked(ctx, pageVA, r)
}

// growDownLocked extends a GROWSDOWN region whose guard window covers
// pageVA, returning the grown region or nil.
func (as *AddressSpace) growDownLocked(pageVA arch.Addr) *Region {
	var stack *Region
	as.regions.AscendGreaterOrEqual(&Region{AddrRange: arch.AddrRange{Start: pageVA}}, func(r *Region) bool {
		if r.Flags&RegionGrowsDown != 0 {
			stack = r
		}
		return false
	})
	if stack == nil {
		return nil
	}
	guard := arch.Addr(as.guard * arch.PageSize)
	if pageVA >= stack.Start || stack.Start-pageVA > guard {
		return nil
	}
	// The grown range must not collide with a lower neighbor.
	if as.overlapsLocked(arch.AddrRange{Start: pageVA, End: stack.Start}) {
		return nil
	}
	as.regions.Delete(stack)
	stack.Start = pageVA
	as.regions.ReplaceOrInsert(stack)
	log.WithFields(log.Fields{
		"as": as.id,
		"va": fmt.Sprintf("%#x", pageVA),
	}).Debug("mm: stack grown")
	return stack
}

// demandZeroLocked installs a fresh zero frame with the region's full
// permission.
func (as *AddressSpace) demandZeroLocked(pageVA arch.Addr, r *Region) error {
	gfp := buddy.GFPKernel | buddy.GFPZero | buddy.GFPHighMem | buddy.GFPMovable
	pfn, err := as.m.alloc.AllocPage(gfp, as.m.homeNode)
	if err != nil {
		return err
	}
	installed := as.installLocked(pageVA, pfn, r.Perm)
	as.trackFrameLocked(pageVA, pfn, r.Flags&RegionLocked != 0)
	as.pages[pageVA] = &mapping{pfn: pfn, installed: installed}
	as.m.stats.demandZero.Add(1)
	return nil
}

// filePageLocked pulls the page from the cache and installs it read-only
// regardless of the region's write bit; the first store upgrades it and
// marks the entry dirty.
func (as *AddressSpace) filePageLocked(ctx context.Context, pageVA arch.Addr, r *Region) error {
	idx := r.fileIndex(pageVA)
	pg, err := as.m.cache.Get(ctx, r.Vnode, idx)
	if err != nil {
		return err
	}
	at := r.Perm
	at.Write = false
	installed := as.installLocked(pageVA, pg.PFN(), at)
	as.pages[pageVA] = &mapping{
		pfn:       pg.PFN(),
		installed: installed,
		page:      pg,
		vnode:     r.Vnode,
		index:     idx,
	}
	as.m.stats.fileFaults.Add(1)
	return nil
}

// presentFaultLocked handles permission faults on an installed page.
func (as *AddressSpace) presentFaultLocked(ctx context.Context, pageVA, va arch.Addr, code FaultFlags, mode Mode, mp *mapping) error {
	r := as.findRegionLocked(va)
	if r == nil {
		panic(fmt.Sprintf("mm: installed page at %#x has no region", pageVA))
	}

	if code&FaultFetch != 0 {
		if mp.installed.Execute {
			// Raced with a concurrent re-protect; retry the fetch.
			return nil
		}
		return deliver(va, code, mode, "fetch from NX page")
	}
	if code&FaultWrite == 0 {
		// Spurious read fault; the translation is fine.
		return nil
	}
	if !r.Perm.Write {
		return deliver(va, code, mode, "write to read-only region")
	}
	if mp.installed.Write {
		// Raced with another CPU's upgrade.
		return nil
	}

	if mp.page != nil {
		// File page: upgrade in place and start dirty tracking.
		at := r.Perm
		mp.installed = as.installLocked(pageVA, mp.pfn, at)
		mp.page.MarkDirty()
		return nil
	}
	if mp.cow {
		return as.breakCOWLocked(pageVA, r, mp)
	}
	// Anonymous page left read-only by an earlier Protect; plain upgrade.
	mp.installed = as.installLocked(pageVA, mp.pfn, r.Perm)
	return nil
}

// breakCOWLocked resolves a store to a shared anonymous page. With the
// share already collapsed to one reference the PTE upgrades in place;
// otherwise the page is copied to a fresh frame and the old reference
// dropped.
func (as *AddressSpace) breakCOWLocked(pageVA arch.Addr, r *Region, mp *mapping) error {
	fr := as.m.db.Frame(mp.pfn)
	if fr.Refs() == 1 {
		mp.installed = as.installLocked(pageVA, mp.pfn, r.Perm)
		mp.cow = false
		return nil
	}

	gfp := buddy.GFPKernel | buddy.GFPHighMem | buddy.GFPMovable
	newPFN, err := as.m.alloc.AllocPage(gfp, as.m.homeNode)
	if err != nil {
		return err
	}
	copy(as.m.db.Bytes(newPFN), as.m.db.Bytes(mp.pfn))
	mp.installed = as.installLocked(pageVA, newPFN, r.Perm)
	as.trackFrameLocked(pageVA, newPFN, r.Flags&RegionLocked != 0)

	old := mp.pfn
	mp.pfn = newPFN
	mp.cow = false
	as.m.db.Put(old)
	as.m.stats.cowBreaks.Add(1)

	as.inv.Invalidate(as.id, as.cpus, arch.AddrRange{Start: pageVA, End: pageVA + arch.PageSize})
	return nil
}
