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
	log "github.com/sirupsen/logrus"
)

// Candidate is one killable process as the OOM scorer sees it.
type Candidate struct {
	// ID identifies the process/address space.
	ID uint32

	// Resident is the number of installed frames.
	Resident uint64

	// Protection is the administrative shield; higher scores lower.
	Protection uint64
}

// VictimSource enumerates and kills OOM candidates. The kernel implements
// it over the process table; Kill must tear the victim's address space
// down before returning so the retried allocation can see the frames.
type VictimSource interface {
	Victims() []Candidate
	Kill(id uint32) bool
}

// Score is the OOM badness: resident frames scaled down by protection.
func Score(c Candidate) uint64 {
	return c.Resident / (c.Protection + 1)
}

// Killer selects and kills the worst candidate. It implements
// buddy.OOMKiller; the allocator retries exactly once after a kill.
type Killer struct {
	src VictimSource
}

// NewKiller returns a killer over the given source.
func NewKiller(src VictimSource) *Killer {
	return &Killer{src: src}
}

// KillOne implements buddy.OOMKiller.
func (k *Killer) KillOne() bool {
	victims := k.src.Victims()
	var (
		best      Candidate
		bestScore uint64
		found     bool
	)
	for _, c := range victims {
		score := Score(c)
		if score == 0 {
			continue
		}
		if !found || score > bestScore || (score == bestScore && c.ID < best.ID) {
			best = c
			bestScore = score
			found = true
		}
	}
	if !found {
		log.Warn("oom: no killable candidate")
		return false
	}
	log.WithFields(log.Fields{
		"victim":   best.ID,
		"resident": best.Resident,
		"score":    bestScore,
	}).Warn("oom: killing victim")
	return k.src.Kill(best.ID)
}
