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

package pagecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
	"github.com/LimitlessOS-official/limitless-mm/pkg/memerr"
	"github.com/LimitlessOS-official/limitless-mm/pkg/numa"
)

func newTestCache(t *testing.T, pages uint64) (*Cache, *buddy.Allocator) {
	t.Helper()
	db, err := frame.NewDB(frame.MemoryMap{
		{Start: 0, End: pages * arch.PageSize, Kind: frame.MemUsable},
	})
	if err != nil {
		t.Fatalf("NewDB got err %v want nil", err)
	}
	t.Cleanup(func() { db.Close() })
	a := buddy.New(db, numa.SingleNode(1, pages*arch.PageSize))
	a.AddZone(buddy.NewZone(db, 0, 0, buddy.ZoneNormal, 0, arch.PFN(pages), buddy.Watermarks{}))
	return New(a, 0), a
}

// memBacker serves pages out of an in-memory file image and records write
// traffic.
type memBacker struct {
	mu     sync.Mutex
	pages  map[uint64][]byte
	reads  int
	writes int

	// loadGate, when non-nil, is received from before ReadPage returns.
	loadGate chan struct{}

	readErr  error
	writeErr error
}

func newMemBacker() *memBacker {
	return &memBacker{pages: make(map[uint64][]byte)}
}

func (b *memBacker) ReadPage(ctx context.Context, vnode, index uint64, dst []byte) error {
	b.mu.Lock()
	gate := b.loadGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return b.readErr
	}
	b.reads++
	src := b.pages[index]
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func (b *memBacker) WritePage(ctx context.Context, vnode, index uint64, src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.writes++
	p := make([]byte, len(src))
	copy(p, src)
	b.pages[index] = p
	return nil
}

func TestGetLoadsOnce(t *testing.T) {
	c, _ := newTestCache(t, 64)
	b := newMemBacker()
	b.pages[3] = []byte{0xAB, 0xCD}
	c.Register(7, b)

	ctx := context.Background()
	p, err := c.Get(ctx, 7, 3)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	if got := p.Bytes()[0]; got != 0xAB {
		t.Errorf("byte 0 got %#x want 0xAB", got)
	}
	if got := p.Bytes()[2]; got != 0 {
		t.Errorf("short-file tail got %#x want zero fill", got)
	}
	p.Release()

	p2, err := c.Get(ctx, 7, 3)
	if err != nil {
		t.Fatalf("second Get got err %v want nil", err)
	}
	p2.Release()
	if b.reads != 1 {
		t.Errorf("backer reads got %d want 1 (second Get must hit cache)", b.reads)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("stats got hits=%d misses=%d want 1/1", st.Hits, st.Misses)
	}
}

func TestGetNoBacker(t *testing.T) {
	c, _ := newTestCache(t, 64)
	if _, err := c.Get(context.Background(), 99, 0); !errors.Is(err, memerr.ErrNoBacker) {
		t.Fatalf("Get got err %v want ErrNoBacker", err)
	}
}

func TestFailedLoadFreesFrame(t *testing.T) {
	c, a := newTestCache(t, 64)
	b := newMemBacker()
	b.readErr = errors.New("media error")
	c.Register(1, b)

	free0 := a.FreeTotal()
	if _, err := c.Get(context.Background(), 1, 0); err == nil {
		t.Fatal("Get got nil err want media error")
	}
	if got := a.FreeTotal(); got != free0 {
		t.Errorf("free pages got %d want %d (failed load must not leak)", got, free0)
	}
	if c.Stats().Pages != 0 {
		t.Errorf("cache pages got %d want 0 after failed load", c.Stats().Pages)
	}
}

func TestConcurrentWaitersShareOneLoad(t *testing.T) {
	c, _ := newTestCache(t, 64)
	b := newMemBacker()
	b.loadGate = make(chan struct{})
	c.Register(1, b)

	ctx := context.Background()
	const waiters = 4
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Get(ctx, 1, 5)
			if err == nil {
				p.Release()
			}
			errs[i] = err
		}(i)
	}

	// Let everyone reach the load or its wait, then open the gate.
	time.Sleep(20 * time.Millisecond)
	close(b.loadGate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("waiter %d got err %v want nil", i, err)
		}
	}
	if b.reads != 1 {
		t.Errorf("backer reads got %d want 1", b.reads)
	}
}

func TestKilledWaiterLoadCompletes(t *testing.T) {
	c, _ := newTestCache(t, 64)
	b := newMemBacker()
	b.loadGate = make(chan struct{})
	c.Register(1, b)

	// First getter owns the load and blocks on the gate.
	loaderDone := make(chan error, 1)
	go func() {
		p, err := c.Get(context.Background(), 1, 0)
		if err == nil {
			p.Release()
		}
		loaderDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// Second getter waits with a context that gets killed.
	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, 1, 0)
		waiterDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-waiterDone; !errors.Is(err, memerr.ErrInterrupted) {
		t.Fatalf("killed waiter got err %v want ErrInterrupted", err)
	}

	close(b.loadGate)
	if err := <-loaderDone; err != nil {
		t.Fatalf("loader got err %v want nil", err)
	}
	// The page must still be cached: the interrupted waiter must not have
	// torn the load down.
	if c.Stats().Pages != 1 {
		t.Errorf("cache pages got %d want 1", c.Stats().Pages)
	}
}

func TestFlushWritesDirtyOnly(t *testing.T) {
	c, _ := newTestCache(t, 64)
	b := newMemBacker()
	c.Register(1, b)

	ctx := context.Background()
	p0, err := c.Get(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	p1, err := c.Get(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	p0.Bytes()[0] = 0x5A
	p0.MarkDirty()
	p0.Release()
	p1.Release()

	if err := c.Flush(ctx, 1); err != nil {
		t.Fatalf("Flush got err %v want nil", err)
	}
	if b.writes != 1 {
		t.Errorf("backer writes got %d want 1 (clean page must not write back)", b.writes)
	}
	if got := b.pages[0][0]; got != 0x5A {
		t.Errorf("persisted byte got %#x want 0x5A", got)
	}
	if c.DirtyPages() != 0 {
		t.Errorf("dirty pages got %d want 0 after Flush", c.DirtyPages())
	}

	// A second flush is a no-op.
	if err := c.Flush(ctx, 1); err != nil {
		t.Fatalf("second Flush got err %v want nil", err)
	}
	if b.writes != 1 {
		t.Errorf("backer writes after second Flush got %d want 1", b.writes)
	}
}

func TestFlushAllAggregatesErrors(t *testing.T) {
	c, _ := newTestCache(t, 64)
	good := newMemBacker()
	bad := newMemBacker()
	bad.writeErr = errors.New("device gone")
	c.Register(1, good)
	c.Register(2, bad)

	ctx := context.Background()
	for _, vnode := range []uint64{1, 2} {
		p, err := c.Get(ctx, vnode, 0)
		if err != nil {
			t.Fatalf("Get vnode %d got err %v want nil", vnode, err)
		}
		p.MarkDirty()
		p.Release()
	}

	err := c.FlushAll(ctx)
	if err == nil {
		t.Fatal("FlushAll got nil err want aggregate with device error")
	}
	if good.writes != 1 {
		t.Errorf("good backer writes got %d want 1 (one failing vnode must not stop others)", good.writes)
	}
	// The failed page stays dirty for a later retry.
	if c.DirtyPages() != 1 {
		t.Errorf("dirty pages got %d want 1", c.DirtyPages())
	}
}

func TestInvalidateDropsRange(t *testing.T) {
	c, a := newTestCache(t, 64)
	b := newMemBacker()
	c.Register(1, b)

	ctx := context.Background()
	for idx := uint64(0); idx < 4; idx++ {
		p, err := c.Get(ctx, 1, idx)
		if err != nil {
			t.Fatalf("Get got err %v want nil", err)
		}
		if idx == 2 {
			p.Bytes()[0] = 0x77
			p.MarkDirty()
		}
		p.Release()
	}

	free0 := a.FreeTotal()
	if err := c.Invalidate(ctx, 1, 1, 3); err != nil {
		t.Fatalf("Invalidate got err %v want nil", err)
	}
	if got := c.Stats().Pages; got != 2 {
		t.Errorf("cache pages got %d want 2", got)
	}
	if got := a.FreeTotal(); got != free0+2 {
		t.Errorf("free pages got %d want %d", got, free0+2)
	}
	// The dirty page in range was written back before the drop.
	if got := b.pages[2][0]; got != 0x77 {
		t.Errorf("persisted byte got %#x want 0x77", got)
	}
}

func TestInvalidatePinnedConflict(t *testing.T) {
	c, _ := newTestCache(t, 64)
	b := newMemBacker()
	c.Register(1, b)

	ctx := context.Background()
	p, err := c.Get(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	defer p.Release()

	if err := c.Invalidate(ctx, 1, 0, 1); !errors.Is(err, memerr.ErrConflict) {
		t.Fatalf("Invalidate got err %v want ErrConflict", err)
	}
	if c.Stats().Pages != 1 {
		t.Errorf("pinned page must survive Invalidate, pages got %d want 1", c.Stats().Pages)
	}
}

func TestEvictCleanSkipsPinnedAndDirty(t *testing.T) {
	c, a := newTestCache(t, 64)
	b := newMemBacker()
	c.Register(1, b)

	ctx := context.Background()
	pinned, err := c.Get(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	defer pinned.Release()

	dirty, err := c.Get(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	dirty.MarkDirty()
	dirty.Release()

	clean, err := c.Get(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	clean.Release()

	free0 := a.FreeTotal()
	if got := c.EvictClean(8, nil); got != 1 {
		t.Fatalf("EvictClean got %d want 1 (only the clean unpinned page)", got)
	}
	if got := a.FreeTotal(); got != free0+1 {
		t.Errorf("free pages got %d want %d", got, free0+1)
	}
	if c.Stats().Pages != 2 {
		t.Errorf("cache pages got %d want 2", c.Stats().Pages)
	}
}

func TestEvictCleanLRUOrder(t *testing.T) {
	c, _ := newTestCache(t, 64)
	b := newMemBacker()
	c.Register(1, b)

	ctx := context.Background()
	for idx := uint64(0); idx < 3; idx++ {
		p, err := c.Get(ctx, 1, idx)
		if err != nil {
			t.Fatalf("Get got err %v want nil", err)
		}
		p.Release()
	}
	// Touch page 0 so page 1 becomes the eviction candidate.
	p, err := c.Get(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	p.Release()

	if got := c.EvictClean(1, nil); got != 1 {
		t.Fatalf("EvictClean got %d want 1", got)
	}
	// Page 1 is gone; a re-Get reloads it.
	reads0 := b.reads
	p, err = c.Get(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	p.Release()
	if b.reads != reads0+1 {
		t.Errorf("backer reads got %d want %d (LRU tail should have been page 1)", b.reads, reads0+1)
	}
}

func TestEvictCleanFilter(t *testing.T) {
	c, _ := newTestCache(t, 64)
	b := newMemBacker()
	c.Register(1, b)

	ctx := context.Background()
	p, err := c.Get(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	p.Release()

	if got := c.EvictClean(8, func(arch.PFN) bool { return false }); got != 0 {
		t.Errorf("EvictClean with rejecting filter got %d want 0", got)
	}
	if got := c.EvictClean(8, nil); got != 1 {
		t.Errorf("EvictClean got %d want 1", got)
	}
}

func TestReadaheadSequential(t *testing.T) {
	c, _ := newTestCache(t, 64)
	c.SetReadahead(4)
	b := newMemBacker()
	c.Register(7, b)

	ctx := context.Background()
	p, err := c.Get(ctx, 7, 0)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	p.Release()

	b.mu.Lock()
	reads := b.reads
	b.mu.Unlock()
	if reads != 5 {
		t.Errorf("backer reads got %d want 5 (demand + 4 readahead)", reads)
	}
	if got := c.Stats().Readahead; got != 4 {
		t.Errorf("readahead stat got %d want 4", got)
	}

	// The window is cached: the sequential follow-up hits.
	p, err = c.Get(ctx, 7, 1)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	p.Release()
	if got := c.Stats().Hits; got != 1 {
		t.Errorf("hits got %d want 1", got)
	}
}

func TestReadaheadOnlyOnSequentialMiss(t *testing.T) {
	c, _ := newTestCache(t, 64)
	c.SetReadahead(4)
	b := newMemBacker()
	c.Register(7, b)

	// A random-offset miss does not open a window.
	p, err := c.Get(context.Background(), 7, 30)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	p.Release()

	b.mu.Lock()
	reads := b.reads
	b.mu.Unlock()
	if reads != 1 {
		t.Errorf("backer reads got %d want 1", reads)
	}

	// The next index is now what a sequential reader would ask for, so
	// that miss does.
	p, err = c.Get(context.Background(), 7, 31)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	p.Release()
	b.mu.Lock()
	reads = b.reads
	b.mu.Unlock()
	if reads != 6 {
		t.Errorf("backer reads got %d want 6", reads)
	}
}

func TestReadaheadDisabledByDefault(t *testing.T) {
	c, _ := newTestCache(t, 64)
	b := newMemBacker()
	c.Register(7, b)

	p, err := c.Get(context.Background(), 7, 0)
	if err != nil {
		t.Fatalf("Get got err %v want nil", err)
	}
	p.Release()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reads != 1 {
		t.Errorf("backer reads got %d want 1", b.reads)
	}
}
