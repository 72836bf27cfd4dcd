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

// Package buddy implements the zoned, NUMA-aware physical page allocator.
//
// Allocation walks zones in preference order within the hinted node, then
// falls back to other nodes in distance order. Each zone is a power-of-two
// buddy allocator over its PFN range with min/low/high watermarks; crossing
// low wakes the reclaim task, and a failed sleepable allocation runs direct
// reclaim and finally the OOM killer before reporting exhaustion.
package buddy

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
	"github.com/LimitlessOS-official/limitless-mm/pkg/memerr"
	"github.com/LimitlessOS-official/limitless-mm/pkg/numa"
)

// decommitOrder is the smallest coalesced free block whose backing bytes
// are returned to the host.
const decommitOrder = arch.HugePageShift - arch.PageShift

// ReclaimTrigger is the allocator's view of the reclaim task. Wake is
// asynchronous and must not block; DirectReclaim runs a reclaim pass on the
// caller's thread and returns when it stops making progress or the zone
// reaches its high watermark.
type ReclaimTrigger interface {
	Wake(z *Zone)
	DirectReclaim(z *Zone)
}

// OOMKiller picks and kills a victim process, returning true if frames may
// have been freed. The allocator retries exactly once after a kill.
type OOMKiller interface {
	KillOne() bool
}

// Allocator owns every zone in the machine.
type Allocator struct {
	db      *frame.DB
	topo    *numa.Topology
	zones   []*Zone
	byNode  [][]*Zone
	trigger ReclaimTrigger
	oom     OOMKiller
}

// New returns an allocator over the given frame database and topology. It
// installs itself as the database's zero-reference release hook, so dropping
// the last reference on any non-free frame returns that frame here. Zones
// are attached afterwards with AddZone.
func New(db *frame.DB, topo *numa.Topology) *Allocator {
	a := &Allocator{
		db:     db,
		topo:   topo,
		byNode: make([][]*Zone, len(topo.Nodes)),
	}
	db.SetRelease(a.releaseFrame)
	return a
}

// SetReclaim installs the reclaim trigger.
func (a *Allocator) SetReclaim(t ReclaimTrigger) {
	a.trigger = t
}

// SetOOM installs the OOM killer.
func (a *Allocator) SetOOM(k OOMKiller) {
	a.oom = k
}

// AddZone attaches z. Zones must be attached in ascending PFN order within
// each node before the first allocation.
func (a *Allocator) AddZone(z *Zone) {
	a.zones = append(a.zones, z)
	a.byNode[z.NodeID] = append(a.byNode[z.NodeID], z)
}

// Zones returns every attached zone.
func (a *Allocator) Zones() []*Zone {
	return a.zones
}

// ZoneFor returns the zone owning p.
func (a *Allocator) ZoneFor(p arch.PFN) *Zone {
	fr := a.db.Frame(p)
	z := a.zones[fr.Zone]
	if !z.Contains(p) {
		panic(fmt.Sprintf("buddy: PFN %d records zone %d %v which does not contain it", p, z.ID, []arch.PFN{z.Start, z.End}))
	}
	return z
}

// DB returns the underlying frame database.
func (a *Allocator) DB() *frame.DB {
	return a.db
}

// FreeTotal returns the machine-wide free page count.
func (a *Allocator) FreeTotal() uint64 {
	var total uint64
	for _, z := range a.zones {
		total += z.FreePages()
	}
	return total
}

// AllocPages allocates a block of 2^order contiguous frames and returns the
// first PFN. Every constituent frame comes back with one reference held by
// the caller; dropping all of them returns the frame here. nodeHint selects
// the preferred NUMA node; a negative hint means node 0.
func (a *Allocator) AllocPages(order uint8, gfp GFP, nodeHint int) (arch.PFN, error) {
	if order > arch.MaxOrder {
		return arch.NilPFN, memerr.ErrNoMemory
	}
	if nodeHint < 0 || nodeHint >= len(a.byNode) {
		nodeHint = 0
	}

	p, z, ok := a.tryNodes(order, gfp, nodeHint)
	if !ok && gfp.canSleep() && a.trigger != nil {
		// Run reclaim on this thread and retry once.
		a.trigger.DirectReclaim(a.preferredZone(gfp, nodeHint))
		p, z, ok = a.tryNodes(order, gfp, nodeHint)
	}
	if !ok && gfp.canSleep() && a.oom != nil {
		logrus.WithFields(logrus.Fields{
			"order": order,
			"node":  nodeHint,
		}).Warn("allocation failed after reclaim, invoking OOM killer")
		if a.oom.KillOne() {
			// The victim's teardown returned frames; retry exactly once.
			p, z, ok = a.tryNodes(order, gfp, nodeHint)
		}
	}
	if !ok {
		if gfp&GFPNoWait != 0 {
			// The caller declined to wait; reclaim could still make
			// progress on its behalf.
			return arch.NilPFN, memerr.ErrWouldBlock
		}
		return arch.NilPFN, memerr.ErrNoMemory
	}

	a.finishAlloc(p, order, gfp, z)
	return p, nil
}

// AllocPage allocates a single frame.
func (a *Allocator) AllocPage(gfp GFP, nodeHint int) (arch.PFN, error) {
	return a.AllocPages(0, gfp, nodeHint)
}

// FreePages drops the caller's reference on every frame of the block.
// Frames whose count reaches zero coalesce back into their zone. Callers
// holding the only reference observe the whole block becoming free.
func (a *Allocator) FreePages(p arch.PFN, order uint8) {
	n := arch.PFN(uint64(1) << order)
	for i := arch.PFN(0); i < n; i++ {
		a.db.Put(p + i)
	}
}

// preferredZone resolves the first zone the allocation would try; direct
// reclaim targets it.
func (a *Allocator) preferredZone(gfp GFP, nodeHint int) *Zone {
	for _, kind := range gfp.zonePreference() {
		for _, z := range a.byNode[nodeHint] {
			if z.Kind == kind {
				return z
			}
		}
	}
	if len(a.zones) > 0 {
		return a.zones[0]
	}
	return nil
}

// tryNodes walks the hinted node's zones in preference order, then other
// nodes in distance order.
func (a *Allocator) tryNodes(order uint8, gfp GFP, nodeHint int) (arch.PFN, *Zone, bool) {
	prefs := gfp.zonePreference()
	for _, nodeID := range a.topo.Fallback(nodeHint) {
		for _, kind := range prefs {
			for _, z := range a.byNode[nodeID] {
				if z.Kind != kind {
					continue
				}
				if p, ok := a.tryZone(z, order, gfp); ok {
					return p, z, true
				}
			}
		}
	}
	return arch.NilPFN, nil, false
}

// tryZone attempts the allocation from one zone, honoring its watermarks:
// only atomic allocations may dip below min. Crossing low schedules reclaim.
func (a *Allocator) tryZone(z *Zone, order uint8, gfp GFP) (arch.PFN, bool) {
	need := uint64(1) << order

	z.mu.Lock()
	floor := z.marks.Min
	if gfp&GFPAtomic != 0 {
		floor = 0
	}
	if z.freePages < floor+need {
		z.mu.Unlock()
		return arch.NilPFN, false
	}
	p, ok := z.allocLocked(order)
	wake := ok && z.freePages < z.marks.Low
	z.mu.Unlock()

	if wake && a.trigger != nil {
		a.trigger.Wake(z)
	}
	return p, ok
}

// finishAlloc sets up the descriptors of a freshly carved block: one
// reference per constituent frame, Compound on the tail frames, Huge on the
// head of a hugepage-sized block, and zeroed contents when requested.
func (a *Allocator) finishAlloc(p arch.PFN, order uint8, gfp GFP, z *Zone) {
	n := arch.PFN(uint64(1) << order)
	for i := arch.PFN(0); i < n; i++ {
		fr := a.db.Frame(p + i)
		fr.SetRefs(1)
		fr.Order = 0
		if i != 0 {
			fr.SetFlags(frame.Compound)
		}
	}
	if order == arch.HugePageShift-arch.PageShift {
		a.db.Frame(p).SetFlags(frame.Huge)
	}
	if gfp&GFPZero != 0 {
		b := a.db.BlockBytes(p, order)
		for i := range b {
			b[i] = 0
		}
	}
}

// releaseFrame is the frame database's zero-reference hook: the frame
// leaves its anonymous LRU list if it is on one, then rejoins its zone's
// free lists as an order-0 block and coalesces upward.
//
// Unlinking here, under the zone lock at the 0-reference transition, is
// the only race-free point: two sharers of a COW frame may drop their
// references concurrently, and neither can tell from its own Put whether
// it was last.
func (a *Allocator) releaseFrame(p arch.PFN) {
	z := a.ZoneFor(p)
	z.mu.Lock()
	fr := a.db.Frame(p)
	if fr.FlagSet(frame.LRU) {
		switch {
		case fr.FlagSet(frame.Unevictable):
			z.unevictable.remove(z.db, p)
			fr.ClearFlags(frame.Unevictable)
		case fr.FlagSet(frame.Active):
			z.activeAnon.remove(z.db, p)
		default:
			z.inactiveAnon.remove(z.db, p)
		}
		fr.ClearFlags(frame.LRU | frame.Active)
	}
	blk, order := z.freeOneLocked(p)
	if order >= decommitOrder {
		// Free-list links live in the descriptors, so the backing bytes
		// of a free block are dead; hand hugepage-sized runs back to the
		// host. Must happen under the zone lock or the block could be
		// re-allocated and its new contents wiped.
		if err := a.db.DecommitBlock(blk, order); err != nil {
			logrus.WithError(err).WithField("pfn", blk).Warn("decommit of free block failed")
		}
	}
	z.mu.Unlock()
}

// VerifyAll checks every zone's free-list invariant.
func (a *Allocator) VerifyAll() {
	for _, z := range a.zones {
		z.Verify()
	}
}
