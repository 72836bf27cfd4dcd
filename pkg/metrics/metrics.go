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

// Package metrics exports the memory core's counters as a Prometheus
// collector. Registration is the embedder's choice; nothing in the core
// depends on this package.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LimitlessOS-official/limitless-mm/pkg/kernel"
)

var (
	zoneLabels = []string{"zone", "kind", "node"}

	zoneFree = prometheus.NewDesc(
		"mm_zone_free_pages",
		"Free pages in the zone.",
		zoneLabels, nil)
	zoneMin = prometheus.NewDesc(
		"mm_zone_watermark_min_pages",
		"Min watermark of the zone.",
		zoneLabels, nil)
	zoneLow = prometheus.NewDesc(
		"mm_zone_watermark_low_pages",
		"Low watermark of the zone.",
		zoneLabels, nil)
	zoneHigh = prometheus.NewDesc(
		"mm_zone_watermark_high_pages",
		"High watermark of the zone.",
		zoneLabels, nil)

	faults = prometheus.NewDesc(
		"mm_page_faults_total",
		"Page faults handled.",
		nil, nil)
	demandZero = prometheus.NewDesc(
		"mm_demand_zero_faults_total",
		"Faults resolved by a fresh zero frame.",
		nil, nil)
	fileFaults = prometheus.NewDesc(
		"mm_file_faults_total",
		"Faults resolved from the page cache.",
		nil, nil)
	cowBreaks = prometheus.NewDesc(
		"mm_cow_breaks_total",
		"Copy-on-write page copies.",
		nil, nil)
	forks = prometheus.NewDesc(
		"mm_address_space_forks_total",
		"Address space forks.",
		nil, nil)

	cachePages = prometheus.NewDesc(
		"mm_pagecache_pages",
		"Pages resident in the page cache.",
		nil, nil)
	cacheHits = prometheus.NewDesc(
		"mm_pagecache_hits_total",
		"Page cache lookups served without I/O.",
		nil, nil)
	cacheMisses = prometheus.NewDesc(
		"mm_pagecache_misses_total",
		"Page cache lookups that went to the backer.",
		nil, nil)
	cacheReadahead = prometheus.NewDesc(
		"mm_pagecache_readahead_total",
		"Pages loaded speculatively ahead of sequential reads.",
		nil, nil)
	cacheWritebacks = prometheus.NewDesc(
		"mm_pagecache_writebacks_total",
		"Dirty pages written back.",
		nil, nil)
	cacheEvictions = prometheus.NewDesc(
		"mm_pagecache_evictions_total",
		"Clean pages evicted under pressure.",
		nil, nil)

	reclaimPasses = prometheus.NewDesc(
		"mm_reclaim_passes_total",
		"Reclaim passes run.",
		nil, nil)
	reclaimEvicted = prometheus.NewDesc(
		"mm_reclaim_evicted_total",
		"Pages freed by reclaim.",
		nil, nil)
	reclaimWritebacks = prometheus.NewDesc(
		"mm_reclaim_writebacks_total",
		"Dirty pages reclaim pushed to writeback.",
		nil, nil)
	reclaimRotated = prometheus.NewDesc(
		"mm_reclaim_rotated_total",
		"Referenced pages given a second chance on the active list.",
		nil, nil)
	reclaimSlabFreed = prometheus.NewDesc(
		"mm_reclaim_slab_freed_total",
		"Pages returned by slab shrinkers.",
		nil, nil)
	shootdowns = prometheus.NewDesc(
		"mm_tlb_shootdowns_total",
		"TLB shootdown broadcasts.",
		nil, nil)
)

// Collector reads the core's counters on every scrape.
type Collector struct {
	k *kernel.Kernel
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector over the booted kernel.
func NewCollector(k *kernel.Kernel) *Collector {
	return &Collector{k: k}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, z := range c.k.Allocator().Zones() {
		labels := []string{
			strconv.Itoa(int(z.ID)),
			z.Kind.String(),
			strconv.Itoa(z.NodeID),
		}
		s := z.Stats()
		ch <- prometheus.MustNewConstMetric(zoneFree, prometheus.GaugeValue, float64(s.Free), labels...)
		ch <- prometheus.MustNewConstMetric(zoneMin, prometheus.GaugeValue, float64(s.Marks.Min), labels...)
		ch <- prometheus.MustNewConstMetric(zoneLow, prometheus.GaugeValue, float64(s.Marks.Low), labels...)
		ch <- prometheus.MustNewConstMetric(zoneHigh, prometheus.GaugeValue, float64(s.Marks.High), labels...)
	}

	ks := c.k.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(faults, ks.MM.Faults)
	counter(demandZero, ks.MM.DemandZero)
	counter(fileFaults, ks.MM.FileFaults)
	counter(cowBreaks, ks.MM.COWBreaks)
	counter(forks, ks.MM.Forks)

	ch <- prometheus.MustNewConstMetric(cachePages, prometheus.GaugeValue, float64(ks.Cache.Pages))
	counter(cacheHits, ks.Cache.Hits)
	counter(cacheMisses, ks.Cache.Misses)
	counter(cacheReadahead, ks.Cache.Readahead)
	counter(cacheWritebacks, ks.Cache.Writebacks)
	counter(cacheEvictions, ks.Cache.Evictions)

	counter(reclaimPasses, ks.Reclaim.Passes)
	counter(reclaimEvicted, ks.Reclaim.Evicted)
	counter(reclaimWritebacks, ks.Reclaim.WrittenOut)
	counter(reclaimRotated, ks.Reclaim.Rotated)
	counter(reclaimSlabFreed, ks.Reclaim.SlabFreed)
	counter(shootdowns, ks.Shootdowns)
}
