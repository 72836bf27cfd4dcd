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

	log "github.com/sirupsen/logrus"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/memerr"
)

// Fork clones the address space for fork. Regions are copied; every
// mapped anonymous page becomes a shared copy-on-write page: the frame's
// refcount rises, writable PTEs lose the write bit on both sides, and
// both shadow records are tagged COW. File pages are re-pinned and share
// the cache frame. Kernel mappings are shared via the inherited upper
// half and are not COWed.
//
// Source PTEs change, so the source's CPUs get a shootdown before
// return.
func (as *AddressSpace) Fork(ctx context.Context) (*AddressSpace, error) {
	as.faulting.Add(1)
	defer as.faulting.Add(-1)
	child := as.m.NewAddressSpace()
	// The child is mutated without its lock until return; keep it off
	// the OOM victim list for that window too.
	child.faulting.Add(1)
	defer child.faulting.Add(-1)

	as.mu.Lock()
	if as.dead {
		as.mu.Unlock()
		child.Destroy()
		return nil, memerr.ErrBadAddress
	}

	as.regions.AscendGreaterOrEqual(&Region{AddrRange: arch.AddrRange{}}, func(r *Region) bool {
		cp := *r
		child.regions.ReplaceOrInsert(&cp)
		return true
	})
	child.brkBase = as.brkBase
	child.brkEnd = as.brkEnd
	child.guard = as.guard

	var wpRange arch.AddrRange
	for va, mp := range as.pages {
		cmp, err := as.forkPageLocked(ctx, child, va, mp)
		if err != nil {
			as.mu.Unlock()
			child.Destroy()
			return nil, err
		}
		child.pages[va] = cmp
		if mp.installed.Write != cmp.installed.Write || mp.cow {
			// Source PTE was downgraded.
			if wpRange.Length() == 0 {
				wpRange = arch.AddrRange{Start: va, End: va + arch.PageSize}
			} else {
				if va < wpRange.Start {
					wpRange.Start = va
				}
				if va+arch.PageSize > wpRange.End {
					wpRange.End = va + arch.PageSize
				}
			}
		}
	}
	cpus := as.cpus
	as.mu.Unlock()

	if wpRange.Length() != 0 {
		as.inv.Invalidate(as.id, cpus, wpRange)
	}
	as.m.stats.forks.Add(1)
	log.WithFields(log.Fields{
		"as":    as.id,
		"child": child.id,
	}).Debug("mm: fork")
	return child, nil
}

// forkPageLocked clones one shadow record into the child, applying the
// COW protocol.
//
// Preconditions: as.mu is locked. The child is not yet visible to any
// other thread, so its state is mutated without its lock.
func (as *AddressSpace) forkPageLocked(ctx context.Context, child *AddressSpace, va arch.Addr, mp *mapping) (*mapping, error) {
	if mp.page != nil {
		// File page: second pin, same frame, same read-only install
		// policy.
		pg, err := as.m.cache.Get(ctx, mp.vnode, mp.index)
		if err != nil {
			return nil, err
		}
		at := mp.installed
		at.Write = false
		installed := child.installLocked(va, mp.pfn, at)
		return &mapping{
			pfn:       mp.pfn,
			installed: installed,
			page:      pg,
			vnode:     mp.vnode,
			index:     mp.index,
		}, nil
	}

	// Anonymous page: share the frame copy-on-write.
	as.m.db.Get(mp.pfn)
	if mp.installed.Write {
		at := mp.installed
		at.Write = false
		mp.installed = as.installLocked(va, mp.pfn, at)
	}
	mp.cow = true

	installed := child.installLocked(va, mp.pfn, mp.installed)
	return &mapping{
		pfn:       mp.pfn,
		installed: installed,
		cow:       true,
	}, nil
}
