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

// Package pagetables provides a 4-level x86-64-style page table radix.
//
// Table pages come from an Allocator so callers choose the backing: the
// runtime allocator for tests, or frame-backed tables in a booted kernel.
// All mutations are single-threaded per PageTables; the address space
// lock above this layer provides that.
package pagetables

import (
	"fmt"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
)

const (
	entriesPerTable = 512

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = uint64(1) << pteShift
	pmdSize = uint64(1) << pmdShift

	levelMask = entriesPerTable - 1

	// lowerTop is the first entry of the upper (kernel) half of a root
	// table. InheritUpper shares entries at or above it.
	lowerTop = entriesPerTable / 2
)

// PTEs is one page-sized table of entries.
type PTEs [entriesPerTable]PTE

// Allocator provides the table pages.
type Allocator interface {
	// NewPTEs returns a zeroed table.
	NewPTEs() *PTEs

	// PhysicalFor returns the physical address of the table.
	PhysicalFor(ptes *PTEs) uint64

	// LookupPTEs returns the table at the given physical address.
	LookupPTEs(physical uint64) *PTEs

	// FreePTEs releases the table.
	FreePTEs(ptes *PTEs)
}

// MapOpts are the per-mapping attributes.
type MapOpts struct {
	// AccessType is the permitted access.
	AccessType arch.AccessType

	// User makes the mapping reachable from user mode.
	User bool

	// Global exempts the mapping from address-space-tagged TLB flushes.
	Global bool
}

// PageTables is one address space's translation radix.
type PageTables struct {
	// Allocator is the table page source. Immutable after New.
	Allocator Allocator

	root *PTEs

	// mapped counts leaf mappings, huge leaves counting once.
	mapped uint64
}

// New returns an empty set of page tables.
func New(a Allocator) *PageTables {
	return &PageTables{
		Allocator: a,
		root:      a.NewPTEs(),
	}
}

// RootPhysical returns the physical address of the root table, suitable
// for loading into a translation base register.
func (p *PageTables) RootPhysical() uint64 {
	return p.Allocator.PhysicalFor(p.root)
}

// Mapped returns the number of leaf mappings installed.
func (p *PageTables) Mapped() uint64 { return p.mapped }

func indexAt(va uint64, shift uint) int {
	return int((va >> shift) & levelMask)
}

// childTable returns the next-level table under entry, allocating one
// when alloc is set. Returns nil for a hole when alloc is clear.
func (p *PageTables) childTable(entry *PTE, alloc bool) *PTEs {
	if entry.Valid() {
		return p.Allocator.LookupPTEs(entry.Address())
	}
	if !alloc {
		return nil
	}
	t := p.Allocator.NewPTEs()
	entry.setTable(p.Allocator.PhysicalFor(t))
	return t
}

// Map installs translations for [va, va+length) onto the physical range
// starting at pa. Both addresses and the length must be page-aligned.
// Existing leaves in the range are overwritten. 2 MiB-aligned stretches
// with at least 2 MiB left become huge leaves.
func (p *PageTables) Map(va arch.Addr, length uint64, pa uint64, opts MapOpts) error {
	if !va.IsPageAligned() || pa&(arch.PageSize-1) != 0 || length&(arch.PageSize-1) != 0 {
		return fmt.Errorf("pagetables: unaligned map va=%#x pa=%#x length=%#x", va, pa, length)
	}
	v := uint64(va)
	end := v + length
	for v < end {
		if v&(pmdSize-1) == 0 && pa&(pmdSize-1) == 0 && end-v >= pmdSize {
			p.mapOne(v, pa, opts, true)
			v += pmdSize
			pa += pmdSize
			continue
		}
		p.mapOne(v, pa, opts, false)
		v += pteSize
		pa += pteSize
	}
	return nil
}

// MapPage installs a single small-page translation.
func (p *PageTables) MapPage(va arch.Addr, pfn arch.PFN, opts MapOpts) error {
	return p.Map(va, arch.PageSize, pfn.PhysAddr(), opts)
}

func (p *PageTables) mapOne(va, pa uint64, opts MapOpts, huge bool) {
	pgd := &p.root[indexAt(va, pgdShift)]
	pud := &p.childTable(pgd, true)[indexAt(va, pudShift)]
	pmdTable := p.childTable(pud, true)
	pmd := &pmdTable[indexAt(va, pmdShift)]
	if huge {
		if pmd.Valid() && !pmd.IsHuge() {
			// Replacing a table of small pages with one huge leaf.
			p.freeSubtree(pmd, pteShift)
		}
		if !pmd.Valid() {
			p.mapped++
		}
		pmd.SetHuge(pa, opts)
		return
	}
	if pmd.Valid() && pmd.IsHuge() {
		panic(fmt.Sprintf("pagetables: small map at %#x inside huge leaf", va))
	}
	pte := &p.childTable(pmd, true)[indexAt(va, pteShift)]
	if !pte.Valid() {
		p.mapped++
	}
	pte.Set(pa, opts)
}

// Unmap removes translations for [va, va+length). Holes in the range are
// fine; tables emptied by the removal are freed. Unmapping part of a huge
// leaf removes the whole leaf.
func (p *PageTables) Unmap(va arch.Addr, length uint64) error {
	if !va.IsPageAligned() || length&(arch.PageSize-1) != 0 {
		return fmt.Errorf("pagetables: unaligned unmap va=%#x length=%#x", va, length)
	}
	v := uint64(va)
	end := v + length
	for v < end {
		v = p.unmapOne(v)
	}
	return nil
}

// unmapOne removes the leaf covering va, returning the next address to
// visit.
func (p *PageTables) unmapOne(va uint64) uint64 {
	pgd := &p.root[indexAt(va, pgdShift)]
	pudTable := p.childTable(pgd, false)
	if pudTable == nil {
		return nextBoundary(va, pgdShift)
	}
	pud := &pudTable[indexAt(va, pudShift)]
	pmdTable := p.childTable(pud, false)
	if pmdTable == nil {
		return nextBoundary(va, pudShift)
	}
	pmd := &pmdTable[indexAt(va, pmdShift)]
	if !pmd.Valid() {
		return nextBoundary(va, pmdShift)
	}
	if pmd.IsHuge() {
		pmd.Clear()
		p.mapped--
	} else {
		pteTable := p.childTable(pmd, false)
		pte := &pteTable[indexAt(va, pteShift)]
		if pte.Valid() {
			pte.Clear()
			p.mapped--
		}
		if pteTable.empty() {
			pmd.Clear()
			p.Allocator.FreePTEs(pteTable)
		}
		if !pmdTable[indexAt(va, pmdShift)].Valid() && pmdTable.empty() {
			pud.Clear()
			p.Allocator.FreePTEs(pmdTable)
		}
		if pudTable.empty() {
			pgd.Clear()
			p.Allocator.FreePTEs(pudTable)
		}
		return va + pteSize
	}
	if pmdTable.empty() {
		pud.Clear()
		p.Allocator.FreePTEs(pmdTable)
	}
	if pudTable.empty() {
		pgd.Clear()
		p.Allocator.FreePTEs(pudTable)
	}
	return nextBoundary(va, pmdShift)
}

// Protect rewrites the attributes of every leaf in [va, va+length).
// Unmapped pages in the range are skipped.
func (p *PageTables) Protect(va arch.Addr, length uint64, opts MapOpts) error {
	if !va.IsPageAligned() || length&(arch.PageSize-1) != 0 {
		return fmt.Errorf("pagetables: unaligned protect va=%#x length=%#x", va, length)
	}
	v := uint64(va)
	end := v + length
	for v < end {
		pte, huge := p.lookupPTE(v)
		if pte == nil {
			v += pteSize
			continue
		}
		if huge {
			pte.SetHuge(pte.Address(), opts)
			v = nextBoundary(v, pmdShift)
			continue
		}
		pte.Set(pte.Address(), opts)
		v += pteSize
	}
	return nil
}

// Lookup translates va. ok is false when no leaf covers it.
func (p *PageTables) Lookup(va arch.Addr) (pa uint64, opts MapOpts, ok bool) {
	pte, huge := p.lookupPTE(uint64(va))
	if pte == nil {
		return 0, MapOpts{}, false
	}
	pa = pte.Address()
	if huge {
		pa += uint64(va) & (pmdSize - 1)
	} else {
		pa += uint64(va) & (pteSize - 1)
	}
	return pa, pte.Opts(), true
}

// lookupPTE returns the live leaf entry covering va, and whether it is a
// huge leaf. Returns nil when unmapped.
func (p *PageTables) lookupPTE(va uint64) (*PTE, bool) {
	pudTable := p.childTable(&p.root[indexAt(va, pgdShift)], false)
	if pudTable == nil {
		return nil, false
	}
	pmdTable := p.childTable(&pudTable[indexAt(va, pudShift)], false)
	if pmdTable == nil {
		return nil, false
	}
	pmd := &pmdTable[indexAt(va, pmdShift)]
	if !pmd.Valid() {
		return nil, false
	}
	if pmd.IsHuge() {
		return pmd, true
	}
	pteTable := p.childTable(pmd, false)
	pte := &pteTable[indexAt(va, pteShift)]
	if !pte.Valid() {
		return nil, false
	}
	return pte, false
}

// InheritUpper shares the kernel's upper-half root entries into p. Every
// address space sees the same kernel mappings through the shared
// lower-level tables; a later kernel map through any space is visible to
// all of them.
func (p *PageTables) InheritUpper(kernel *PageTables) {
	for i := lowerTop; i < entriesPerTable; i++ {
		p.root[i] = kernel.root[i]
	}
}

// Release frees every table page of the lower half. Upper-half entries
// are dropped without freeing since InheritUpper shares their tables.
// The PageTables must not be used afterwards.
func (p *PageTables) Release() {
	for i := 0; i < lowerTop; i++ {
		pgd := &p.root[i]
		if !pgd.Valid() {
			continue
		}
		p.freeSubtree(pgd, pudShift)
	}
	p.Allocator.FreePTEs(p.root)
	p.root = nil
}

// freeSubtree clears entry and frees the table tree under it.
// entryShift names the granularity of the entries in the table entry
// points at: pudShift for a table of PUD entries, down to pteShift.
func (p *PageTables) freeSubtree(entry *PTE, entryShift uint) {
	t := p.Allocator.LookupPTEs(entry.Address())
	for i := range t {
		e := &t[i]
		if !e.Valid() {
			continue
		}
		switch {
		case entryShift == pteShift:
			p.mapped--
		case entryShift == pmdShift && e.IsHuge():
			p.mapped--
		default:
			p.freeSubtree(e, entryShift-9)
		}
	}
	entry.Clear()
	p.Allocator.FreePTEs(t)
}

func nextBoundary(va uint64, shift uint) uint64 {
	size := uint64(1) << shift
	return (va + size) &^ (size - 1)
}

func (t *PTEs) empty() bool {
	for i := range t {
		if t[i].Valid() {
			return false
		}
	}
	return true
}
