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

// Package reclaim recovers frames when zones run low.
//
// A background scanner sleeps on a condition variable the allocator
// signals when any zone crosses its low watermark. Each pass evicts
// clean inactive file pages, writes dirty ones back under a rate limit,
// gives the anonymous inactive list a second chance, and trims empty
// slabs. Anonymous frames are only reclaimed through a swap backer,
// which is optional and off by default.
package reclaim

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
	"github.com/LimitlessOS-official/limitless-mm/pkg/pagecache"
)

// SwapBacker persists anonymous frames so they can be reclaimed. Absent a
// backer the scanner leaves anonymous memory alone.
type SwapBacker interface {
	SwapOut(ctx context.Context, pfn arch.PFN, data []byte) error
}

// Shrinker releases cached pages under pressure; slab heaps implement it.
type Shrinker interface {
	Shrink() int
}

// Options configures the scanner.
type Options struct {
	// Batch is the page budget of one pass per zone. Zero means 32.
	Batch int

	// WritebackPerSec rate-limits dirty writeback pages. Zero means 128.
	WritebackPerSec int

	// Swap, when non-nil, lets anonymous reclaim happen.
	Swap SwapBacker
}

// Stats is a snapshot of scanner activity.
type Stats struct {
	Passes     uint64
	Evicted    uint64
	WrittenOut uint64
	Rotated    uint64
	SlabFreed  uint64
}

type counters struct {
	passes     atomic.Uint64
	evicted    atomic.Uint64
	writtenOut atomic.Uint64
	rotated    atomic.Uint64
	slabFreed  atomic.Uint64
}

// Scanner is the reclaim task. It implements buddy.ReclaimTrigger.
type Scanner struct {
	alloc     *buddy.Allocator
	cache     *pagecache.Cache
	shrinkers []Shrinker
	swap      SwapBacker
	batch     int
	limiter   *rate.Limiter

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[*buddy.Zone]bool
	stop    bool
	done    chan struct{}

	stats counters
}

// New creates a scanner; Start launches it.
func New(a *buddy.Allocator, cache *pagecache.Cache, opts Options) *Scanner {
	batch := opts.Batch
	if batch <= 0 {
		batch = 32
	}
	wb := opts.WritebackPerSec
	if wb <= 0 {
		wb = 128
	}
	s := &Scanner{
		alloc:   a,
		cache:   cache,
		swap:    opts.Swap,
		batch:   batch,
		limiter: rate.NewLimiter(rate.Limit(wb), wb),
		pending: make(map[*buddy.Zone]bool),
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// AddShrinker registers a cache the scanner squeezes each pass.
func (s *Scanner) AddShrinker(sh Shrinker) {
	s.mu.Lock()
	s.shrinkers = append(s.shrinkers, sh)
	s.mu.Unlock()
}

// Stats returns a snapshot of scanner counters.
func (s *Scanner) Stats() Stats {
	return Stats{
		Passes:     s.stats.passes.Load(),
		Evicted:    s.stats.evicted.Load(),
		WrittenOut: s.stats.writtenOut.Load(),
		Rotated:    s.stats.rotated.Load(),
		SlabFreed:  s.stats.slabFreed.Load(),
	}
}

// Start launches the background task.
func (s *Scanner) Start() {
	go s.run()
}

// Stop terminates the background task and waits for it.
func (s *Scanner) Stop() {
	s.mu.Lock()
	s.stop = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

// Wake implements buddy.ReclaimTrigger. Called with a zone lock dropped
// but from allocation context: it must not block.
func (s *Scanner) Wake(z *buddy.Zone) {
	s.mu.Lock()
	s.pending[z] = true
	s.cond.Signal()
	s.mu.Unlock()
}

// DirectReclaim implements buddy.ReclaimTrigger: a synchronous pass on
// the caller's thread, for allocations that found the zone exhausted.
func (s *Scanner) DirectReclaim(z *buddy.Zone) {
	s.scanZone(context.Background(), z)
}

func (s *Scanner) run() {
	defer close(s.done)
	ctx := context.Background()
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.stop {
			s.cond.Wait()
		}
		if s.stop {
			s.mu.Unlock()
			return
		}
		var z *buddy.Zone
		for zz := range s.pending {
			z = zz
			break
		}
		delete(s.pending, z)
		s.mu.Unlock()

		s.scanZone(ctx, z)
	}
}

// scanZone runs passes on one zone until it reaches its high watermark or
// a full pass makes no progress.
func (s *Scanner) scanZone(ctx context.Context, z *buddy.Zone) {
	for z.BelowHigh() {
		if s.pass(ctx, z) == 0 {
			return
		}
	}
}

// pass is one bounded reclaim attempt, returning the pages it recovered.
func (s *Scanner) pass(ctx context.Context, z *buddy.Zone) int {
	s.stats.passes.Add(1)
	progress := 0

	// Clean inactive file pages are the cheapest win.
	if s.cache != nil {
		n := s.cache.EvictClean(s.batch, z.Contains)
		progress += n
		s.stats.evicted.Add(uint64(n))

		if z.BelowHigh() {
			n = s.writebackDirty(ctx, z)
			progress += n
		}
	}

	// Second chance for referenced anonymous pages.
	rotated := z.LRURotate(s.batch)
	s.stats.rotated.Add(uint64(rotated))

	// Anonymous reclaim needs somewhere to put the data.
	if s.swap != nil && z.BelowHigh() {
		progress += s.swapOutAnon(ctx, z)
	}

	s.mu.Lock()
	shrinkers := s.shrinkers
	s.mu.Unlock()
	for _, sh := range shrinkers {
		n := sh.Shrink()
		progress += n
		s.stats.slabFreed.Add(uint64(n))
	}

	if progress > 0 {
		log.WithFields(log.Fields{
			"zone":  z.ID,
			"freed": progress,
		}).Debug("reclaim: pass")
	}
	return progress
}

// writebackDirty flushes dirty cache pages under the rate limit, then
// evicts the now-clean ones belonging to z.
func (s *Scanner) writebackDirty(ctx context.Context, z *buddy.Zone) int {
	dirty := s.cache.DirtyPages()
	if dirty == 0 {
		return 0
	}
	if dirty > s.batch {
		dirty = s.batch
	}
	if err := s.limiter.WaitN(ctx, dirty); err != nil {
		return 0
	}
	if err := s.cache.FlushAll(ctx); err != nil {
		log.WithError(err).Warn("reclaim: writeback errors")
	}
	s.stats.writtenOut.Add(uint64(dirty))
	n := s.cache.EvictClean(s.batch, z.Contains)
	s.stats.evicted.Add(uint64(n))
	return n
}

// swapOutAnon is the anonymous reclaim hook. It currently reclaims
// nothing, even with a SwapBacker installed: anonymous pages reachable
// here are still mapped, and stealing them requires unmapping through the
// owning space's reverse mapping, which is not built yet. Until then the
// scanner's anonymous work is limited to second-chance rotation.
//
// TODO: unmap through Frame.MapAS/MapIdx, write the coldest inactive
// frames to the backer, and let the owner fault them back in.
func (s *Scanner) swapOutAnon(ctx context.Context, z *buddy.Zone) int {
	return 0
}
