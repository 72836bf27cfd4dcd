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

package reclaim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
	"github.com/LimitlessOS-official/limitless-mm/pkg/numa"
	"github.com/LimitlessOS-official/limitless-mm/pkg/pagecache"
)

type nullBacker struct {
	mu     sync.Mutex
	writes int
}

func (b *nullBacker) ReadPage(ctx context.Context, vnode, index uint64, dst []byte) error {
	for i := range dst {
		dst[i] = 0
	}
	return nil
}

func (b *nullBacker) WritePage(ctx context.Context, vnode, index uint64, src []byte) error {
	b.mu.Lock()
	b.writes++
	b.mu.Unlock()
	return nil
}

func newTestWorld(t *testing.T, pages uint64, marks buddy.Watermarks) (*buddy.Allocator, *pagecache.Cache, *buddy.Zone) {
	t.Helper()
	db, err := frame.NewDB(frame.MemoryMap{
		{Start: 0, End: pages * arch.PageSize, Kind: frame.MemUsable},
	})
	if err != nil {
		t.Fatalf("NewDB got err %v want nil", err)
	}
	t.Cleanup(func() { db.Close() })
	a := buddy.New(db, numa.SingleNode(1, pages*arch.PageSize))
	z := buddy.NewZone(db, 0, 0, buddy.ZoneNormal, 0, arch.PFN(pages), marks)
	a.AddZone(z)
	return a, pagecache.New(a, 0), z
}

func TestDirectReclaimEvictsCleanPages(t *testing.T) {
	a, pc, z := newTestWorld(t, 128, buddy.Watermarks{Min: 8, Low: 16, High: 120})
	b := &nullBacker{}
	pc.Register(1, b)

	ctx := context.Background()
	// Fill the cache with clean pages; free count drops below High.
	for i := uint64(0); i < 32; i++ {
		p, err := pc.Get(ctx, 1, i)
		if err != nil {
			t.Fatalf("Get got err %v want nil", err)
		}
		p.Release()
	}
	free0 := a.FreeTotal()

	s := New(a, pc, Options{Batch: 16})
	s.DirectReclaim(z)
	if got := a.FreeTotal(); got <= free0 {
		t.Errorf("free pages after direct reclaim got %d want > %d", got, free0)
	}
	if s.Stats().Evicted == 0 {
		t.Error("scanner evicted nothing")
	}
}

func TestReclaimWritesBackDirty(t *testing.T) {
	a, pc, z := newTestWorld(t, 128, buddy.Watermarks{Min: 1, Low: 2, High: 1 << 30})
	b := &nullBacker{}
	pc.Register(1, b)

	ctx := context.Background()
	for i := uint64(0); i < 8; i++ {
		p, err := pc.Get(ctx, 1, i)
		if err != nil {
			t.Fatalf("Get got err %v want nil", err)
		}
		p.MarkDirty()
		p.Release()
	}

	s := New(a, pc, Options{Batch: 16})
	// High watermark unreachable: the scan stops on no-progress after
	// flushing and evicting everything it can.
	s.scanZone(ctx, z)

	b.mu.Lock()
	writes := b.writes
	b.mu.Unlock()
	if writes != 8 {
		t.Errorf("writebacks got %d want 8", writes)
	}
	if pc.DirtyPages() != 0 {
		t.Errorf("dirty pages got %d want 0 after reclaim", pc.DirtyPages())
	}
}

func TestBackgroundWake(t *testing.T) {
	// High sits above total memory so the woken worker always finds the
	// zone below its target and runs at least one pass.
	a, pc, z := newTestWorld(t, 128, buddy.Watermarks{Min: 8, Low: 16, High: 1 << 20})
	b := &nullBacker{}
	pc.Register(1, b)

	ctx := context.Background()
	for i := uint64(0); i < 16; i++ {
		p, err := pc.Get(ctx, 1, i)
		if err != nil {
			t.Fatalf("Get got err %v want nil", err)
		}
		p.Release()
	}

	s := New(a, pc, Options{Batch: 8})
	s.Start()
	defer s.Stop()

	s.Wake(z)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().Passes > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background scanner never ran a pass")
}

func TestSecondChanceRotation(t *testing.T) {
	a, _, z := newTestWorld(t, 128, buddy.Watermarks{})

	// Park some frames on the inactive anon LRU.
	for i := 0; i < 4; i++ {
		pfn, err := a.AllocPage(buddy.GFPKernel, 0)
		if err != nil {
			t.Fatalf("AllocPage got err %v want nil", err)
		}
		z.LRUAdd(buddy.AnonInactive, pfn)
	}

	s := New(a, nil, Options{Batch: 8})
	s.pass(context.Background(), z)
	if got := z.AnonLRULen(buddy.AnonActive); got != 4 {
		t.Errorf("active anon after rotation got %d want 4", got)
	}
	if got := z.AnonLRULen(buddy.AnonInactive); got != 0 {
		t.Errorf("inactive anon after rotation got %d want 0", got)
	}
}

type fakeShrinker struct{ freed int }

func (f *fakeShrinker) Shrink() int {
	n := f.freed
	f.freed = 0
	return n
}

func TestShrinkersRun(t *testing.T) {
	a, pc, z := newTestWorld(t, 128, buddy.Watermarks{})
	s := New(a, pc, Options{})
	sh := &fakeShrinker{freed: 3}
	s.AddShrinker(sh)

	s.pass(context.Background(), z)
	if got := s.Stats().SlabFreed; got != 3 {
		t.Errorf("slab freed got %d want 3", got)
	}
}

type fakeVictims struct {
	mu     sync.Mutex
	cands  []Candidate
	killed []uint32
}

func (f *fakeVictims) Victims() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Candidate(nil), f.cands...)
}

func (f *fakeVictims) Kill(id uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	for i, c := range f.cands {
		if c.ID == id {
			f.cands = append(f.cands[:i], f.cands[i+1:]...)
			break
		}
	}
	return true
}

func TestOOMPicksHighestScore(t *testing.T) {
	src := &fakeVictims{cands: []Candidate{
		{ID: 1, Resident: 100, Protection: 0},
		{ID: 2, Resident: 1000, Protection: 0},
		{ID: 3, Resident: 4000, Protection: 9}, // score 400
	}}
	k := NewKiller(src)
	if !k.KillOne() {
		t.Fatal("KillOne got false want true")
	}
	if len(src.killed) != 1 || src.killed[0] != 2 {
		t.Errorf("killed got %v want [2]", src.killed)
	}
}

func TestOOMNoCandidates(t *testing.T) {
	k := NewKiller(&fakeVictims{})
	if k.KillOne() {
		t.Error("KillOne with no candidates got true want false")
	}
}

func TestOOMProtectionShields(t *testing.T) {
	src := &fakeVictims{cands: []Candidate{
		{ID: 1, Resident: 100, Protection: 1000}, // score 0: shielded
	}}
	k := NewKiller(src)
	if k.KillOne() {
		t.Error("fully shielded candidate was killed")
	}
}
