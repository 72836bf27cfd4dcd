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
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
	"github.com/LimitlessOS-official/limitless-mm/pkg/memerr"
	"github.com/LimitlessOS-official/limitless-mm/pkg/numa"
)

// newTestAllocator builds a single-node allocator with one Normal zone of
// the given page count and zero watermarks (tests that care about marks set
// them explicitly).
func newTestAllocator(t *testing.T, pages uint64) (*Allocator, *Zone) {
	t.Helper()
	db, err := frame.NewDB(frame.MemoryMap{
		{Start: 0, End: pages * arch.PageSize, Kind: frame.MemUsable},
	})
	if err != nil {
		t.Fatalf("NewDB got err %v want nil", err)
	}
	t.Cleanup(func() { db.Close() })

	topo := numa.SingleNode(1, pages*arch.PageSize)
	a := New(db, topo)
	z := NewZone(db, 0, 0, ZoneNormal, 0, arch.PFN(pages), Watermarks{})
	a.AddZone(z)
	return a, z
}

func TestZoneInitialCoalesce(t *testing.T) {
	_, z := newTestAllocator(t, 1024)
	st := z.Stats()
	if st.Free != 1024 {
		t.Fatalf("free pages got %d want 1024", st.Free)
	}
	if st.PerOrder[arch.MaxOrder] != 1 {
		t.Fatalf("order-10 blocks got %d want 1; per-order %v", st.PerOrder[arch.MaxOrder], st.PerOrder)
	}
	z.Verify()
}

// TestAllocFreeReverseRecoalesces is the first end-to-end scenario: allocate
// 512 order-0 frames, free them in reverse, and expect the zone to fold back
// into a single order-10 block.
func TestAllocFreeReverseRecoalesces(t *testing.T) {
	a, z := newTestAllocator(t, 1024)

	var pfns []arch.PFN
	for i := 0; i < 512; i++ {
		p, err := a.AllocPage(GFPKernel, 0)
		if err != nil {
			t.Fatalf("alloc %d got err %v want nil", i, err)
		}
		pfns = append(pfns, p)
	}
	if got := z.FreePages(); got != 512 {
		t.Fatalf("free pages after allocs got %d want 512", got)
	}
	for i := len(pfns) - 1; i >= 0; i-- {
		a.FreePages(pfns[i], 0)
	}
	st := z.Stats()
	if st.Free != 1024 {
		t.Fatalf("free pages after frees got %d want 1024", st.Free)
	}
	if st.PerOrder[arch.MaxOrder] != 1 {
		t.Fatalf("did not recoalesce to one order-10 block: %v", st.PerOrder)
	}
	z.Verify()
}

func TestAllocRoundTripRestoresState(t *testing.T) {
	a, z := newTestAllocator(t, 1024)
	before := z.Stats()

	for order := uint8(0); order <= 3; order++ {
		p, err := a.AllocPages(order, GFPKernel, 0)
		if err != nil {
			t.Fatalf("alloc order %d got err %v want nil", order, err)
		}
		a.FreePages(p, order)
		if got := z.Stats(); got != before {
			t.Fatalf("order %d round trip changed zone state: got %+v want %+v", order, got, before)
		}
	}
}

func TestSplitReturnsLowerHalf(t *testing.T) {
	a, _ := newTestAllocator(t, 1024)
	p, err := a.AllocPages(2, GFPKernel, 0)
	if err != nil {
		t.Fatalf("alloc got err %v want nil", err)
	}
	// The zone starts as one order-10 block at PFN 0; every split hands the
	// lower half onward, so the first allocation is at PFN 0.
	if p != 0 {
		t.Errorf("first allocation got PFN %d want 0", p)
	}
	for i := arch.PFN(0); i < 4; i++ {
		if got := a.DB().Frame(p + i).Refs(); got != 1 {
			t.Errorf("constituent %d refs got %d want 1", i, got)
		}
	}
}

func TestOrderTooLargeFails(t *testing.T) {
	a, _ := newTestAllocator(t, 2048)
	if _, err := a.AllocPages(arch.MaxOrder+1, GFPKernel, 0); err != memerr.ErrNoMemory {
		t.Fatalf("order 11 got err %v want ErrNoMemory", err)
	}
	if p, err := a.AllocPages(arch.MaxOrder, GFPKernel, 0); err != nil {
		t.Fatalf("order 10 got err %v want nil", err)
	} else {
		a.FreePages(p, arch.MaxOrder)
	}
}

func TestZeroFlagZeroes(t *testing.T) {
	a, _ := newTestAllocator(t, 64)
	p, err := a.AllocPage(GFPKernel, 0)
	if err != nil {
		t.Fatalf("alloc got err %v want nil", err)
	}
	a.DB().Bytes(p)[5] = 0xAA
	a.FreePages(p, 0)

	p2, err := a.AllocPages(0, GFPZero, 0)
	if err != nil {
		t.Fatalf("alloc got err %v want nil", err)
	}
	// The same frame may or may not come back; either way GFPZero pages read
	// as zero.
	for i, b := range a.DB().Bytes(p2) {
		if b != 0 {
			t.Fatalf("GFPZero page byte %d is %#x", i, b)
		}
	}
}

func TestMinWatermarkBlocksNonAtomic(t *testing.T) {
	a, z := newTestAllocator(t, 64)
	z.SetWatermarks(Watermarks{Min: 32, Low: 48, High: 60})

	var held []arch.PFN
	for {
		p, err := a.AllocPage(GFPKernel, 0)
		if err != nil {
			break
		}
		held = append(held, p)
	}
	// 64 free, min 32: exactly 32 non-atomic allocations succeed.
	if len(held) != 32 {
		t.Fatalf("allocated %d pages above min watermark, want 32", len(held))
	}
	// Atomic allocations dip into the reserve.
	if _, err := a.AllocPage(GFPAtomic, 0); err != nil {
		t.Fatalf("atomic alloc below min got err %v want nil", err)
	}
}

type wakeRecorder struct {
	woken  []*Zone
	direct []*Zone
}

func (w *wakeRecorder) Wake(z *Zone)          { w.woken = append(w.woken, z) }
func (w *wakeRecorder) DirectReclaim(z *Zone) { w.direct = append(w.direct, z) }

func TestLowWatermarkWakesReclaim(t *testing.T) {
	a, z := newTestAllocator(t, 64)
	z.SetWatermarks(Watermarks{Min: 0, Low: 60, High: 64})
	rec := &wakeRecorder{}
	a.SetReclaim(rec)

	if _, err := a.AllocPages(3, GFPKernel, 0); err != nil {
		t.Fatalf("alloc got err %v want nil", err)
	}
	if len(rec.woken) == 0 {
		t.Fatalf("allocation crossing low watermark did not wake reclaim")
	}
	if rec.woken[0] != z {
		t.Fatalf("woke wrong zone")
	}
}

func TestExhaustionRunsDirectReclaimThenFails(t *testing.T) {
	a, _ := newTestAllocator(t, 16)
	rec := &wakeRecorder{}
	a.SetReclaim(rec)

	var held []arch.PFN
	for {
		p, err := a.AllocPage(GFPKernel, 0)
		if err != nil {
			break
		}
		held = append(held, p)
	}
	if len(held) != 16 {
		t.Fatalf("allocated %d pages want 16", len(held))
	}
	if len(rec.direct) == 0 {
		t.Fatalf("exhausted sleepable allocation did not run direct reclaim")
	}
	// NoWait must not have triggered reclaim, and reports the distinct
	// would-block condition rather than true exhaustion.
	direct := len(rec.direct)
	if _, err := a.AllocPage(GFPNoWait, 0); err != memerr.ErrWouldBlock {
		t.Fatalf("nowait on empty zone got err %v want ErrWouldBlock", err)
	}
	if len(rec.direct) != direct {
		t.Fatalf("nowait allocation ran direct reclaim")
	}
}

func TestNUMAFallback(t *testing.T) {
	const pagesPerNode = 1024
	db, err := frame.NewDB(frame.MemoryMap{
		{Start: 0, End: 2 * pagesPerNode * arch.PageSize, Kind: frame.MemUsable},
	})
	if err != nil {
		t.Fatalf("NewDB got err %v want nil", err)
	}
	defer db.Close()

	topo := &numa.Topology{Nodes: []*numa.Node{
		{ID: 0, CPUs: []int{0}, Distance: []int{10, 20}, MemStart: 0, MemEnd: pagesPerNode * arch.PageSize},
		{ID: 1, CPUs: []int{1}, Distance: []int{20, 10}, MemStart: pagesPerNode * arch.PageSize, MemEnd: 2 * pagesPerNode * arch.PageSize},
	}}
	a := New(db, topo)
	a.AddZone(NewZone(db, 0, 0, ZoneNormal, 0, pagesPerNode, Watermarks{}))
	a.AddZone(NewZone(db, 1, 1, ZoneNormal, pagesPerNode, 2*pagesPerNode, Watermarks{}))

	// Drain node 0 entirely.
	for i := 0; i < pagesPerNode; i++ {
		if _, err := a.AllocPage(GFPKernel, 0); err != nil {
			t.Fatalf("drain alloc %d got err %v want nil", i, err)
		}
	}
	// The next hint-0 allocation falls back to node 1.
	p, err := a.AllocPage(GFPKernel, 0)
	if err != nil {
		t.Fatalf("fallback alloc got err %v want nil", err)
	}
	if p < pagesPerNode {
		t.Fatalf("fallback allocation came from node 0 (PFN %d)", p)
	}
}

func TestDMAZonePreference(t *testing.T) {
	db, err := frame.NewDB(frame.MemoryMap{
		{Start: 0, End: 2048 * arch.PageSize, Kind: frame.MemUsable},
	})
	if err != nil {
		t.Fatalf("NewDB got err %v want nil", err)
	}
	defer db.Close()

	topo := numa.SingleNode(1, 2048*arch.PageSize)
	a := New(db, topo)
	a.AddZone(NewZone(db, 0, 0, ZoneDMA, 0, 1024, Watermarks{}))
	a.AddZone(NewZone(db, 1, 0, ZoneNormal, 1024, 2048, Watermarks{}))

	// Kernel allocations prefer Normal.
	p, err := a.AllocPage(GFPKernel, 0)
	if err != nil {
		t.Fatalf("kernel alloc got err %v want nil", err)
	}
	if p < 1024 {
		t.Errorf("kernel allocation landed in DMA zone (PFN %d)", p)
	}
	// DMA allocations bind to the DMA zone.
	p, err = a.AllocPage(GFPDMA, 0)
	if err != nil {
		t.Fatalf("dma alloc got err %v want nil", err)
	}
	if p >= 1024 {
		t.Errorf("DMA allocation landed in Normal zone (PFN %d)", p)
	}
}

// TestConcurrentAllocFree is the sixth end-to-end scenario: two workers
// hammer the same zone; the zone invariant must hold at every sample and no
// frame may be handed out twice.
func TestConcurrentAllocFree(t *testing.T) {
	a, z := newTestAllocator(t, 1024)

	var g errgroup.Group
	for w := 0; w < 2; w++ {
		g.Go(func() error {
			var held []arch.PFN
			for i := 0; i < 2000; i++ {
				p, err := a.AllocPage(GFPKernel, 0)
				if err == nil {
					held = append(held, p)
				}
				if len(held) > 64 || (err != nil && len(held) > 0) {
					a.FreePages(held[len(held)-1], 0)
					held = held[:len(held)-1]
				}
				if i%256 == 0 {
					z.Verify()
				}
			}
			for _, p := range held {
				a.FreePages(p, 0)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker got err %v want nil", err)
	}
	st := z.Stats()
	if st.Free != 1024 {
		t.Fatalf("free pages after workload got %d want 1024", st.Free)
	}
	z.Verify()
}

func TestReleaseOnLastPut(t *testing.T) {
	a, z := newTestAllocator(t, 64)
	p, err := a.AllocPage(GFPKernel, 0)
	if err != nil {
		t.Fatalf("alloc got err %v want nil", err)
	}
	db := a.DB()
	db.Get(p) // second reference
	db.Put(p)
	if got := z.FreePages(); got != 63 {
		t.Fatalf("frame freed while still referenced: free=%d", got)
	}
	db.Put(p)
	if got := z.FreePages(); got != 64 {
		t.Fatalf("frame not freed on last reference: free=%d", got)
	}
}

func TestFreeHugeBlockDecommits(t *testing.T) {
	// Freeing a hugepage-sized block hands its backing bytes back to the
	// host; the frames read as zero if ever allocated again.
	a, z := newTestAllocator(t, 1024)
	order := uint8(arch.HugePageShift - arch.PageShift)
	p, err := a.AllocPages(order, GFPKernel, 0)
	if err != nil {
		t.Fatalf("AllocPages got err %v want nil", err)
	}
	b := a.DB().BlockBytes(p, order)
	b[0] = 0xAA
	b[len(b)-1] = 0xBB

	a.FreePages(p, order)

	b = a.DB().BlockBytes(p, order)
	if b[0] != 0 || b[len(b)-1] != 0 {
		t.Errorf("freed block bytes got %#x,%#x want 0,0 after decommit", b[0], b[len(b)-1])
	}
	z.Verify()
}
