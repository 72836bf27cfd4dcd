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

package buddy

import (
	"fmt"
	"sync"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
)

// Watermarks are the per-zone free-page thresholds: allocations may not drop
// the zone below Min (except atomic ones), crossing Low wakes reclaim, and
// reclaim stops at High.
type Watermarks struct {
	Min  uint64
	Low  uint64
	High uint64
}

// DefaultWatermarks are the stock policy values; deployments tune these.
var DefaultWatermarks = Watermarks{Min: 128, Low: 256, High: 512}

// Zone is a contiguous PFN range within one NUMA node with its own buddy
// state: order-indexed free lists, a free-page counter, watermarks, and the
// anonymous LRU lists reclaim scans.
//
// Invariant: sum over orders of (blocks at order k) * 2^k equals freePages.
type Zone struct {
	// ID is the global zone index, stored in each owned frame descriptor.
	ID uint16

	// NodeID is the owning NUMA node.
	NodeID int

	// Kind classifies the zone.
	Kind ZoneKind

	// Start and End delimit the zone's PFN range. Immutable.
	Start arch.PFN
	End   arch.PFN

	db *frame.DB

	mu        sync.Mutex
	freeHead  [arch.MaxOrder + 1]arch.PFN
	freeCount [arch.MaxOrder + 1]uint64
	freePages uint64
	marks     Watermarks

	// Anonymous LRU lists. File-backed LRU lives in the page cache, which
	// tracks its entries globally and filters by zone during reclaim.
	activeAnon   pfnList
	inactiveAnon pfnList
	unevictable  pfnList
}

// NewZone constructs a zone over [start, end) and feeds every usable frame
// in the range into its free lists, coalescing as it goes. Frames flagged
// Reserved are skipped and never become allocatable.
func NewZone(db *frame.DB, id uint16, nodeID int, kind ZoneKind, start, end arch.PFN, marks Watermarks) *Zone {
	z := &Zone{
		ID:     id,
		NodeID: nodeID,
		Kind:   kind,
		Start:  start,
		End:    end,
		db:     db,
		marks:  marks,
	}
	for o := range z.freeHead {
		z.freeHead[o] = arch.NilPFN
	}
	z.activeAnon.init()
	z.inactiveAnon.init()
	z.unevictable.init()

	z.mu.Lock()
	defer z.mu.Unlock()
	for p := start; p < end; p++ {
		fr := db.Frame(p)
		if fr.FlagSet(frame.Reserved) {
			continue
		}
		fr.Zone = id
		fr.Node = uint16(nodeID)
		if kind == ZoneMovable {
			fr.SetFlags(frame.Movable)
		}
		z.freeOneLocked(p)
	}
	return z
}

// Watermarks returns the zone's thresholds.
func (z *Zone) Watermarks() Watermarks {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.marks
}

// SetWatermarks replaces the zone's thresholds.
func (z *Zone) SetWatermarks(m Watermarks) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.marks = m
}

// FreePages returns the current free-page count.
func (z *Zone) FreePages() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.freePages
}

// Contains returns true if p falls within the zone.
func (z *Zone) Contains(p arch.PFN) bool {
	return z.Start <= p && p < z.End
}

// BelowHigh returns true while reclaim still has work to do for this zone.
func (z *Zone) BelowHigh() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.freePages < z.marks.High
}

// Stats is a consistent snapshot of zone allocator state.
type Stats struct {
	Free     uint64
	PerOrder [arch.MaxOrder + 1]uint64
	Marks    Watermarks
}

// Stats returns a snapshot of the zone.
func (z *Zone) Stats() Stats {
	z.mu.Lock()
	defer z.mu.Unlock()
	return Stats{
		Free:     z.freePages,
		PerOrder: z.freeCount,
		Marks:    z.marks,
	}
}

// pushFreeLocked inserts p at the head of the order-o free list.
func (z *Zone) pushFreeLocked(o uint8, p arch.PFN) {
	fr := z.db.Frame(p)
	fr.Order = o
	fr.Prev = arch.NilPFN
	fr.Next = z.freeHead[o]
	if fr.Next != arch.NilPFN {
		z.db.Frame(fr.Next).Prev = p
	}
	z.freeHead[o] = p
	z.freeCount[o]++
	fr.SetFlags(frame.Buddy)
}

// popFreeLocked removes and returns the head of the order-o free list.
func (z *Zone) popFreeLocked(o uint8) (arch.PFN, bool) {
	p := z.freeHead[o]
	if p == arch.NilPFN {
		return arch.NilPFN, false
	}
	z.unlinkFreeLocked(o, p)
	return p, true
}

// unlinkFreeLocked removes p from the order-o free list.
func (z *Zone) unlinkFreeLocked(o uint8, p arch.PFN) {
	fr := z.db.Frame(p)
	if !fr.FlagSet(frame.Buddy) || fr.Order != o {
		panic(fmt.Sprintf("buddy: unlink of PFN %d not a free order-%d block (flags %#x order %d)", p, o, fr.Flags(), fr.Order))
	}
	if fr.Prev != arch.NilPFN {
		z.db.Frame(fr.Prev).Next = fr.Next
	} else {
		z.freeHead[o] = fr.Next
	}
	if fr.Next != arch.NilPFN {
		z.db.Frame(fr.Next).Prev = fr.Prev
	}
	fr.Prev = arch.NilPFN
	fr.Next = arch.NilPFN
	fr.ClearFlags(frame.Buddy)
	z.freeCount[o]--
}

// allocLocked removes a block of exactly the given order, splitting larger
// blocks as needed. Splits hand the lower half onward and push the upper
// half back, which keeps coalescing deterministic. Returns false if no block
// of the order or larger is free.
func (z *Zone) allocLocked(order uint8) (arch.PFN, bool) {
	for o := order; o <= arch.MaxOrder; o++ {
		p, ok := z.popFreeLocked(o)
		if !ok {
			continue
		}
		for o > order {
			o--
			upper := p + arch.PFN(uint64(1)<<o)
			z.pushFreeLocked(o, upper)
		}
		z.freePages -= uint64(1) << order
		return p, true
	}
	return arch.NilPFN, false
}

// freeOneLocked returns a single frame to the zone, coalescing with its
// buddy while possible. The buddy index is the XOR of the block's PFN with
// its size; coalescing never crosses the zone boundary. It returns the
// final block the frame ended up in.
func (z *Zone) freeOneLocked(p arch.PFN) (arch.PFN, uint8) {
	fr := z.db.Frame(p)
	if fr.FlagSet(frame.Buddy) {
		panic(fmt.Sprintf("buddy: double free of PFN %d", p))
	}
	if fr.Refs() != 0 {
		panic(fmt.Sprintf("buddy: freeing PFN %d with %d references", p, fr.Refs()))
	}
	fr.ClearFlags(frame.Dirty | frame.Uptodate | frame.LRU | frame.Active | frame.Slab | frame.Huge | frame.Compound)

	order := uint8(0)
	for order < arch.MaxOrder {
		buddy := p ^ arch.PFN(uint64(1)<<order)
		if !z.Contains(buddy) || buddy+arch.PFN(uint64(1)<<order) > z.End {
			break
		}
		bfr := z.db.Frame(buddy)
		if !bfr.FlagSet(frame.Buddy) || bfr.Order != order {
			break
		}
		z.unlinkFreeLocked(order, buddy)
		if buddy < p {
			p = buddy
		}
		order++
	}
	z.pushFreeLocked(order, p)
	z.freePages++
	return p, order
}

// verifyLocked checks the zone invariant; a violation panics, since a
// corrupt free list would hand out frames already owned elsewhere.
func (z *Zone) verifyLocked() {
	var sum uint64
	for o := uint8(0); o <= arch.MaxOrder; o++ {
		var n uint64
		for p := z.freeHead[o]; p != arch.NilPFN; p = z.db.Frame(p).Next {
			if !z.Contains(p) {
				panic(fmt.Sprintf("buddy: zone %d free list holds out-of-zone PFN %d", z.ID, p))
			}
			n++
		}
		if n != z.freeCount[o] {
			panic(fmt.Sprintf("buddy: zone %d order %d count %d but list length %d", z.ID, o, z.freeCount[o], n))
		}
		sum += n << o
	}
	if sum != z.freePages {
		panic(fmt.Sprintf("buddy: zone %d freePages %d but lists sum to %d", z.ID, z.freePages, sum))
	}
}

// Verify checks the zone invariant under the zone lock.
func (z *Zone) Verify() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.verifyLocked()
}
