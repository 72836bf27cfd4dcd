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

// Package kernel boots the memory-management core and owns its lifecycle:
// the frame database over the firmware memory map, per-node zones, the
// slab heap, the page cache, the reclaim task and the address-space
// manager, wired together and torn down as a unit.
package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/arch/pagetables"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
	"github.com/LimitlessOS-official/limitless-mm/pkg/config"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
	"github.com/LimitlessOS-official/limitless-mm/pkg/memerr"
	"github.com/LimitlessOS-official/limitless-mm/pkg/mm"
	"github.com/LimitlessOS-official/limitless-mm/pkg/numa"
	"github.com/LimitlessOS-official/limitless-mm/pkg/pagecache"
	"github.com/LimitlessOS-official/limitless-mm/pkg/reclaim"
	"github.com/LimitlessOS-official/limitless-mm/pkg/slab"
)

// TrapVector is the page-fault entry point the architecture trap stub
// calls. The stub supplies the faulting CPU, the faulting address, the
// decoded fault flags and the privilege mode at the time of the fault.
type TrapVector func(ctx context.Context, cpu int, va arch.Addr, flags mm.FaultFlags, mode mm.Mode) error

// Kernel is the booted memory-management core.
type Kernel struct {
	cfg  *config.Config
	topo *numa.Topology

	db      *frame.DB
	alloc   *buddy.Allocator
	heap    *slab.Heap
	cache   *pagecache.Cache
	mgr     *mm.Manager
	scanner *reclaim.Scanner

	ptAlloc  *pagetables.FrameAllocator
	kernelPT *pagetables.PageTables

	vector TrapVector

	// shootdowns counts TLB invalidation broadcasts.
	shootdowns atomic.Uint64

	mu      sync.Mutex
	current []*mm.AddressSpace
	kspace  *mm.AddressSpace
	down    bool
}

// Boot brings the core up over the firmware memory map. reserved ranges
// (kernel image, firmware tables, early boot heap) are carved out of the
// map regardless of what the map says about them. A nil cfg boots the
// stock policy.
func Boot(memmap frame.MemoryMap, topo *numa.Topology, reserved []frame.MemRange, cfg *config.Config) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyLogging()
	if err := topo.Validate(); err != nil {
		return nil, errors.Wrap(err, "kernel: topology")
	}

	full := make(frame.MemoryMap, 0, len(memmap)+len(reserved))
	full = append(full, memmap...)
	for _, r := range reserved {
		r.Kind = frame.MemReserved
		full = append(full, r)
	}
	db, err := frame.NewDB(full)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:     cfg,
		topo:    topo,
		db:      db,
		alloc:   buddy.New(db, topo),
		current: make([]*mm.AddressSpace, cfg.CPUs),
	}
	if err := k.buildZones(); err != nil {
		db.Close()
		return nil, err
	}

	// Page tables come out of the buddy allocator; the kernel tables get
	// a linear mapping of all of physical memory in the upper half, which
	// every address space shares.
	k.ptAlloc = pagetables.NewFrameAllocator(k.alloc, 0)
	k.kernelPT = pagetables.New(k.ptAlloc)
	top := uint64(db.NumFrames()) << arch.PageShift
	if err := k.kernelPT.Map(mm.KernelBase, top, 0, pagetables.MapOpts{
		AccessType: arch.ReadWrite,
		Global:     true,
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "kernel: linear map")
	}

	k.cache = pagecache.New(k.alloc, 0)
	k.cache.SetReadahead(cfg.Readahead)

	k.heap, err = slab.NewHeap(k.alloc, cfg.CPUs)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "kernel: slab heap")
	}

	k.mgr = mm.NewManager(k.alloc, mm.ManagerOptions{
		Cache:       k.cache,
		PTAllocator: k.ptAlloc,
		KernelPT:    k.kernelPT,
		Invalidator: (*kernelInvalidator)(k),
		GuardPages:  uint64(cfg.GuardPages),
	})

	k.scanner = reclaim.New(k.alloc, k.cache, reclaim.Options{
		Batch:           cfg.Reclaim.Batch,
		WritebackPerSec: cfg.Reclaim.WritebackPerSec,
	})
	k.scanner.AddShrinker(k.heap)
	k.alloc.SetReclaim(k.scanner)
	k.alloc.SetOOM(reclaim.NewKiller((*processTable)(k)))
	k.scanner.Start()

	// The idle/kernel context every CPU starts in. It owns no user pages,
	// so the OOM killer never scores it.
	k.kspace = k.mgr.NewAddressSpace()
	for cpu := range k.current {
		k.current[cpu] = k.kspace
		k.kspace.ActivateCPU(cpu)
	}

	k.vector = k.pageFault

	log.WithFields(log.Fields{
		"frames": db.NumFrames(),
		"usable": db.Usable(),
		"nodes":  len(topo.Nodes),
		"zones":  len(k.alloc.Zones()),
		"cpus":   cfg.CPUs,
	}).Info("memory core up")
	return k, nil
}

// buildZones carves each node's memory into DMA, NORMAL and, when
// configured, a MOVABLE top slice, and hands the zones to the allocator.
func (k *Kernel) buildZones() error {
	dmaPFN := arch.PFN(k.cfg.DMALimit >> arch.PageShift)
	var id uint16
	add := func(nodeID int, kind buddy.ZoneKind, start, end arch.PFN) {
		if start >= end {
			return
		}
		marks := k.zoneMarks(uint64(end - start))
		k.alloc.AddZone(buddy.NewZone(k.db, id, nodeID, kind, start, end, marks))
		id++
	}
	for _, n := range k.topo.Nodes {
		start := arch.PFN(arch.PagesForBytes(n.MemStart))
		end := arch.PFN(n.MemEnd >> arch.PageShift)
		if start >= end {
			return errors.Errorf("kernel: node %d has no memory", n.ID)
		}
		movStart := end
		if pct := k.cfg.MovablePercent; pct > 0 {
			movPages := uint64(end-start) * uint64(pct) / 100
			if movPages > 0 && start+arch.PFN(movPages) < end {
				movStart = end - arch.PFN(movPages)
			}
		}
		if start < dmaPFN {
			dmaEnd := dmaPFN
			if dmaEnd > movStart {
				dmaEnd = movStart
			}
			add(n.ID, buddy.ZoneDMA, start, dmaEnd)
			start = dmaEnd
		}
		add(n.ID, buddy.ZoneNormal, start, movStart)
		add(n.ID, buddy.ZoneMovable, movStart, end)
	}
	return nil
}

// zoneMarks scales the configured thresholds down for zones too small to
// carry them; a zone whose High exceeds a quarter of its frames would
// otherwise never leave reclaim.
func (k *Kernel) zoneMarks(pages uint64) buddy.Watermarks {
	m := buddy.Watermarks{
		Min:  k.cfg.Watermarks.Min,
		Low:  k.cfg.Watermarks.Low,
		High: k.cfg.Watermarks.High,
	}
	if limit := pages / 4; limit > 0 && m.High > limit {
		m.High = limit
		if m.Low >= m.High {
			m.Low = (m.High + 1) / 2
		}
		if m.Min >= m.Low {
			m.Min = (m.Low + 1) / 2
		}
	}
	return m
}

// FaultVector returns the registered page-fault entry point.
func (k *Kernel) FaultVector() TrapVector {
	return k.vector
}

// pageFault routes a fault to the address space current on the faulting
// CPU.
func (k *Kernel) pageFault(ctx context.Context, cpu int, va arch.Addr, flags mm.FaultFlags, mode mm.Mode) error {
	as, err := k.currentSpace(cpu)
	if err != nil {
		return err
	}
	return as.HandleFault(ctx, va, flags, mode)
}

func (k *Kernel) currentSpace(cpu int) (*mm.AddressSpace, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if cpu < 0 || cpu >= len(k.current) {
		return nil, errors.Errorf("kernel: no such cpu %d", cpu)
	}
	return k.current[cpu], nil
}

// CreateAddressSpace returns a fresh user address space sharing the
// kernel upper half.
func (k *Kernel) CreateAddressSpace() *mm.AddressSpace {
	return k.mgr.NewAddressSpace()
}

// ForkAddressSpace clones as with copy-on-write semantics.
func (k *Kernel) ForkAddressSpace(ctx context.Context, as *mm.AddressSpace) (*mm.AddressSpace, error) {
	return as.Fork(ctx)
}

// DestroyAddressSpace tears the space down. Any CPU still running it is
// switched back to the kernel context first.
func (k *Kernel) DestroyAddressSpace(as *mm.AddressSpace) error {
	if as == k.kspace {
		return errors.New("kernel: cannot destroy the kernel address space")
	}
	k.mu.Lock()
	for cpu, cur := range k.current {
		if cur == as {
			k.switchLocked(cpu, k.kspace)
		}
	}
	k.mu.Unlock()
	as.Destroy()
	return nil
}

// SwitchTo makes as the current address space on cpu, the moral
// equivalent of loading its root into CR3. A nil as switches to the
// kernel context.
func (k *Kernel) SwitchTo(cpu int, as *mm.AddressSpace) error {
	if as == nil {
		as = k.kspace
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if cpu < 0 || cpu >= len(k.current) {
		return errors.Errorf("kernel: no such cpu %d", cpu)
	}
	k.switchLocked(cpu, as)
	return nil
}

func (k *Kernel) switchLocked(cpu int, as *mm.AddressSpace) {
	if old := k.current[cpu]; old != nil && old != as {
		old.DeactivateCPU(cpu)
	}
	k.current[cpu] = as
	as.ActivateCPU(cpu)
}

// Allocator exposes the physical page allocator.
func (k *Kernel) Allocator() *buddy.Allocator { return k.alloc }

// Heap exposes the kernel object heap.
func (k *Kernel) Heap() *slab.Heap { return k.heap }

// PageCache exposes the file page cache.
func (k *Kernel) PageCache() *pagecache.Cache { return k.cache }

// MM exposes the address-space manager.
func (k *Kernel) MM() *mm.Manager { return k.mgr }

// Reclaim exposes the reclaim task.
func (k *Kernel) Reclaim() *reclaim.Scanner { return k.scanner }

// Stats is a snapshot of the whole core.
type Stats struct {
	Zones      []buddy.Stats
	MM         mm.ManagerStats
	Cache      pagecache.Stats
	Reclaim    reclaim.Stats
	Shootdowns uint64
}

// Stats snapshots every subsystem's counters.
func (k *Kernel) Stats() Stats {
	zones := k.alloc.Zones()
	s := Stats{
		Zones:      make([]buddy.Stats, 0, len(zones)),
		MM:         k.mgr.Stats(),
		Cache:      k.cache.Stats(),
		Reclaim:    k.scanner.Stats(),
		Shootdowns: k.shootdowns.Load(),
	}
	for _, z := range zones {
		s.Zones = append(s.Zones, z.Stats())
	}
	return s
}

// Shutdown stops the reclaim task, drains the slab heap and unmaps the
// physical backing. The kernel must not be used afterwards.
func (k *Kernel) Shutdown() error {
	k.mu.Lock()
	if k.down {
		k.mu.Unlock()
		return memerr.ErrConflict
	}
	k.down = true
	k.mu.Unlock()

	k.scanner.Stop()
	k.heap.Shrink()
	log.Info("memory core down")
	return k.db.Close()
}

// kernelInvalidator counts shootdown broadcasts. On hardware this is the
// IPI path; here remote CPUs have no TLBs to flush, so counting is the
// whole job.
type kernelInvalidator Kernel

func (ki *kernelInvalidator) Invalidate(asid uint32, cpus uint64, r arch.AddrRange) {
	if cpus == 0 {
		return
	}
	(*Kernel)(ki).shootdowns.Add(1)
	log.WithFields(log.Fields{
		"asid":  asid,
		"cpus":  cpus,
		"range": r,
	}).Trace("tlb shootdown")
}

// processTable adapts the address-space manager to the OOM killer's view
// of the world.
type processTable Kernel

func (pt *processTable) Victims() []reclaim.Candidate {
	k := (*Kernel)(pt)
	spaces := k.mgr.Spaces()
	cs := make([]reclaim.Candidate, 0, len(spaces))
	for _, as := range spaces {
		// A space mid-fault holds its own locks; killing it from the
		// fault's allocation path would deadlock on teardown.
		if as.Faulting() {
			continue
		}
		cs = append(cs, reclaim.Candidate{
			ID:         as.ID(),
			Resident:   as.Resident(),
			Protection: as.Protection(),
		})
	}
	return cs
}

func (pt *processTable) Kill(id uint32) bool {
	k := (*Kernel)(pt)
	as := k.mgr.Space(id)
	if as == nil {
		return false
	}
	log.WithField("asid", id).Warn("oom: tearing down address space")
	return k.DestroyAddressSpace(as) == nil
}
