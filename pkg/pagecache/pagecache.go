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

// Package pagecache caches file pages keyed by (vnode, page index).
//
// Each cached page lives in exactly one frame. A page being loaded or
// written back is held busy; concurrent lookups of the same page block
// until the I/O finishes. Clean, unpinned pages sit on a global LRU and
// are the first thing reclaim evicts.
package pagecache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
	"github.com/LimitlessOS-official/limitless-mm/pkg/memerr"
)

// Key identifies one cached page.
type Key struct {
	// Vnode identifies the backing file.
	Vnode uint64

	// Index is the page index within the file.
	Index uint64
}

// Backer performs page-granular I/O against a vnode's storage. ReadPage
// fills dst with the page's contents; a short file zero-fills the tail.
// WritePage persists src. Both may block; the cache never calls either
// with any of its locks held.
type Backer interface {
	ReadPage(ctx context.Context, vnode, index uint64, dst []byte) error
	WritePage(ctx context.Context, vnode, index uint64, src []byte) error
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Pages      uint64
	Hits       uint64
	Misses     uint64
	Readahead  uint64
	Writebacks uint64
	Evictions  uint64
}

type counters struct {
	hits       atomic.Uint64
	misses     atomic.Uint64
	readahead  atomic.Uint64
	writebacks atomic.Uint64
	evictions  atomic.Uint64
}

// entry is one cached page. busy is non-nil while a load or writeback
// owns the page; it is closed, and replaced with nil, when the I/O
// finishes. All fields are protected by the cache lock.
type entry struct {
	key   Key
	pfn   arch.PFN
	pins  int
	dirty bool
	busy  chan struct{}

	// prev/next link the global LRU, most recent at head.
	prev, next *entry
}

// Cache is the file page cache.
type Cache struct {
	alloc *buddy.Allocator
	db    *frame.DB
	node  int

	mu      sync.Mutex
	entries map[Key]*entry
	backers map[uint64]Backer
	lruHead *entry
	lruTail *entry

	// raWindow is the readahead depth on a sequential miss; raNext holds
	// the next index a sequential reader of each vnode would demand.
	raWindow int
	raNext   map[uint64]uint64

	stats counters
}

// New creates an empty cache allocating frames with the given node
// preference.
func New(a *buddy.Allocator, node int) *Cache {
	return &Cache{
		alloc:   a,
		db:      a.DB(),
		node:    node,
		entries: make(map[Key]*entry),
		backers: make(map[uint64]Backer),
		raNext:  make(map[uint64]uint64),
	}
}

// SetReadahead sets the number of pages loaded ahead of a sequential
// miss. Zero disables readahead.
func (c *Cache) SetReadahead(window int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raWindow = window
}

// Register installs the backer used to load and write back the vnode's
// pages. Re-registering replaces the previous backer.
func (c *Cache) Register(vnode uint64, b Backer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backers[vnode] = b
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	pages := uint64(len(c.entries))
	c.mu.Unlock()
	return Stats{
		Pages:      pages,
		Hits:       c.stats.hits.Load(),
		Misses:     c.stats.misses.Load(),
		Readahead:  c.stats.readahead.Load(),
		Writebacks: c.stats.writebacks.Load(),
		Evictions:  c.stats.evictions.Load(),
	}
}

// Page is a pinned reference to a cached page. The page cannot be
// evicted until Release.
type Page struct {
	c *Cache
	e *entry
}

// PFN returns the frame holding the page.
func (p *Page) PFN() arch.PFN { return p.e.pfn }

// Bytes returns the page's storage.
func (p *Page) Bytes() []byte { return p.c.db.Bytes(p.e.pfn) }

// MarkDirty records that the page has been modified and must reach its
// backer before the frame can be reused.
func (p *Page) MarkDirty() {
	p.c.mu.Lock()
	p.e.dirty = true
	p.c.mu.Unlock()
	p.c.db.Frame(p.e.pfn).SetFlags(frame.Dirty)
}

// Release unpins the page. The handle must not be used afterwards.
func (p *Page) Release() {
	p.c.mu.Lock()
	if p.e.pins <= 0 {
		p.c.mu.Unlock()
		panic("pagecache: release of unpinned page")
	}
	p.e.pins--
	p.c.mu.Unlock()
}

// Get returns the cached page, loading it from the vnode's backer on a
// miss. The returned page is pinned. A caller whose context is canceled
// while another thread loads the same page gets ErrInterrupted, but the
// load itself completes and the page stays cached.
func (c *Cache) Get(ctx context.Context, vnode, index uint64) (*Page, error) {
	key := Key{vnode, index}
	c.mu.Lock()
	for {
		e, ok := c.entries[key]
		if !ok {
			seq := c.raWindow > 0 && index == c.raNext[vnode]
			c.raNext[vnode] = index + 1
			p, err := c.loadLocked(ctx, key)
			if err == nil && seq {
				c.readahead(ctx, vnode, index+1)
			}
			return p, err
		}
		if e.busy != nil {
			busy := e.busy
			c.mu.Unlock()
			select {
			case <-busy:
			case <-ctx.Done():
				return nil, memerr.ErrInterrupted
			}
			c.mu.Lock()
			continue
		}
		e.pins++
		c.lruMoveFrontLocked(e)
		c.mu.Unlock()
		c.stats.hits.Add(1)
		return &Page{c, e}, nil
	}
}

// loadLocked allocates a frame, inserts a busy entry, and reads the page
// in with the cache lock dropped. On failure the entry is removed and the
// frame freed.
//
// Preconditions: c.mu is locked. It is unlocked on return.
func (c *Cache) loadLocked(ctx context.Context, key Key) (*Page, error) {
	b := c.backers[key.Vnode]
	if b == nil {
		c.mu.Unlock()
		return nil, memerr.ErrNoBacker
	}
	c.mu.Unlock()
	c.stats.misses.Add(1)

	pfn, err := c.alloc.AllocPage(buddy.GFPKernel|buddy.GFPHighMem, c.node)
	if err != nil {
		return nil, err
	}

	e := &entry{key: key, pfn: pfn, pins: 1, busy: make(chan struct{})}
	c.mu.Lock()
	if _, raced := c.entries[key]; raced {
		// Another loader got here first; drop our frame and retry
		// against their entry.
		c.mu.Unlock()
		c.alloc.FreePages(pfn, 0)
		c.mu.Lock()
		return c.retryLocked(ctx, key)
	}
	c.entries[key] = e
	c.mu.Unlock()

	fr := c.db.Frame(pfn)
	fr.SetFlags(frame.Locked)
	err = b.ReadPage(ctx, key.Vnode, key.Index, c.db.Bytes(pfn))
	fr.ClearFlags(frame.Locked)

	c.mu.Lock()
	close(e.busy)
	e.busy = nil
	if err != nil {
		delete(c.entries, key)
		c.mu.Unlock()
		c.alloc.FreePages(pfn, 0)
		return nil, errors.Wrapf(err, "pagecache: load vnode %d page %d", key.Vnode, key.Index)
	}
	fr.SetFlags(frame.Uptodate)
	c.lruPushFrontLocked(e)
	c.mu.Unlock()
	return &Page{c, e}, nil
}

func (c *Cache) retryLocked(ctx context.Context, key Key) (*Page, error) {
	c.mu.Unlock()
	return c.Get(ctx, key.Vnode, key.Index)
}

// readahead speculatively loads the window following a sequential miss.
// The pages go in unpinned; a later load error ends the window early and
// is not reported, the demand fault will see it.
func (c *Cache) readahead(ctx context.Context, vnode, start uint64) {
	c.mu.Lock()
	window := c.raWindow
	c.mu.Unlock()
	for i := 0; i < window; i++ {
		key := Key{vnode, start + uint64(i)}
		c.mu.Lock()
		if _, ok := c.entries[key]; ok {
			c.mu.Unlock()
			continue
		}
		p, err := c.loadLocked(ctx, key)
		if err != nil {
			return
		}
		c.stats.readahead.Add(1)
		p.Release()
	}
}

// writeOne writes a single dirty entry back, holding it busy for the
// duration. The dirty bit clears before the write so a concurrent store
// re-dirties rather than getting lost.
//
// Preconditions: c.mu is locked, e.busy is nil, e.dirty is true. c.mu is
// unlocked during I/O and reacquired before return.
func (c *Cache) writeOne(ctx context.Context, b Backer, e *entry) error {
	e.busy = make(chan struct{})
	e.dirty = false
	pfn := e.pfn
	c.mu.Unlock()

	fr := c.db.Frame(pfn)
	fr.SetFlags(frame.Locked)
	err := b.WritePage(ctx, e.key.Vnode, e.key.Index, c.db.Bytes(pfn))
	fr.ClearFlags(frame.Locked)
	if err == nil {
		fr.ClearFlags(frame.Dirty)
		c.stats.writebacks.Add(1)
	}

	c.mu.Lock()
	close(e.busy)
	e.busy = nil
	if err != nil {
		e.dirty = true
		return errors.Wrapf(err, "pagecache: writeback vnode %d page %d", e.key.Vnode, e.key.Index)
	}
	return nil
}

// Flush writes back every dirty page of the vnode. Pages dirtied after
// Flush begins may or may not be written; pages dirty before it begins
// always are.
func (c *Cache) Flush(ctx context.Context, vnode uint64) error {
	c.mu.Lock()
	b := c.backers[vnode]
	if b == nil {
		c.mu.Unlock()
		return memerr.ErrNoBacker
	}
	var firstErr error
	for {
		e := c.findDirtyLocked(vnode)
		if e == nil {
			break
		}
		if err := c.writeOne(ctx, b, e); err != nil && firstErr == nil {
			firstErr = err
			break
		}
	}
	c.mu.Unlock()
	return firstErr
}

// findDirtyLocked returns a dirty, non-busy entry of the vnode, waiting
// out busy ones, or nil when none remain.
func (c *Cache) findDirtyLocked(vnode uint64) *entry {
	for {
		var busy chan struct{}
		for _, e := range c.entries {
			if e.key.Vnode != vnode || !e.dirty {
				continue
			}
			if e.busy != nil {
				busy = e.busy
				continue
			}
			return e
		}
		if busy == nil {
			return nil
		}
		c.mu.Unlock()
		<-busy
		c.mu.Lock()
	}
}

// FlushAll writes back every dirty page of every vnode, one worker per
// vnode, and aggregates per-vnode failures.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	vnodes := make(map[uint64]bool)
	for k, e := range c.entries {
		if e.dirty {
			vnodes[k.Vnode] = true
		}
	}
	c.mu.Unlock()

	var (
		merrMu sync.Mutex
		merr   *multierror.Error
	)
	var g errgroup.Group
	for vnode := range vnodes {
		vnode := vnode
		g.Go(func() error {
			if err := c.Flush(ctx, vnode); err != nil {
				merrMu.Lock()
				merr = multierror.Append(merr, err)
				merrMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return merr.ErrorOrNil()
}

// Invalidate drops the vnode's cached pages with indices in [start, end),
// writing dirty ones back first. Pinned pages survive and make the call
// fail with ErrConflict after the rest are processed.
func (c *Cache) Invalidate(ctx context.Context, vnode, start, end uint64) error {
	c.mu.Lock()
	b := c.backers[vnode]
	var keys []Key
	for k := range c.entries {
		if k.Vnode == vnode && k.Index >= start && k.Index < end {
			keys = append(keys, k)
		}
	}

	var (
		firstErr error
		pinned   bool
	)
	for _, k := range keys {
		wbFailed := false
		for {
			e := c.entries[k]
			if e == nil {
				break
			}
			if e.busy != nil {
				busy := e.busy
				c.mu.Unlock()
				<-busy
				c.mu.Lock()
				continue
			}
			if e.pins > 0 {
				pinned = true
				break
			}
			if e.dirty && b != nil && !wbFailed {
				if err := c.writeOne(ctx, b, e); err != nil {
					if firstErr == nil {
						firstErr = err
					}
					// The page is being discarded regardless; do not
					// retry the write.
					wbFailed = true
				}
				continue
			}
			delete(c.entries, k)
			c.lruRemoveLocked(e)
			pfn := e.pfn
			c.mu.Unlock()
			c.db.Frame(pfn).ClearFlags(frame.Dirty | frame.Uptodate)
			c.alloc.FreePages(pfn, 0)
			c.mu.Lock()
			break
		}
	}
	c.mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	if pinned {
		return memerr.ErrConflict
	}
	return nil
}

// EvictClean frees up to target clean, unpinned, non-busy pages from the
// LRU tail, oldest first. When filter is non-nil only frames it accepts
// are taken; reclaim passes a zone membership test. Returns the number of
// pages freed.
func (c *Cache) EvictClean(target int, filter func(arch.PFN) bool) int {
	var freed []arch.PFN
	c.mu.Lock()
	e := c.lruTail
	for e != nil && len(freed) < target {
		prev := e.prev
		if e.pins == 0 && e.busy == nil && !e.dirty && (filter == nil || filter(e.pfn)) {
			delete(c.entries, e.key)
			c.lruRemoveLocked(e)
			freed = append(freed, e.pfn)
		}
		e = prev
	}
	c.mu.Unlock()

	for _, pfn := range freed {
		c.db.Frame(pfn).ClearFlags(frame.Uptodate)
		c.alloc.FreePages(pfn, 0)
		c.stats.evictions.Add(1)
	}
	return len(freed)
}

// DirtyPages returns the number of dirty cached pages.
func (c *Cache) DirtyPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.dirty {
			n++
		}
	}
	return n
}

func (c *Cache) lruPushFrontLocked(e *entry) {
	e.prev = nil
	e.next = c.lruHead
	if c.lruHead != nil {
		c.lruHead.prev = e
	}
	c.lruHead = e
	if c.lruTail == nil {
		c.lruTail = e
	}
}

func (c *Cache) lruRemoveLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.lruHead == e {
		c.lruHead = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.lruTail == e {
		c.lruTail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *Cache) lruMoveFrontLocked(e *entry) {
	c.lruRemoveLocked(e)
	c.lruPushFrontLocked(e)
}
