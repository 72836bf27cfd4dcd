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

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
)

// pfnList is an intrusive doubly-linked list threaded through frame
// descriptors. New entries enter at the head; the tail is the cold end.
type pfnList struct {
	head arch.PFN
	tail arch.PFN
	n    uint64
}

func (l *pfnList) init() {
	l.head = arch.NilPFN
	l.tail = arch.NilPFN
}

func (l *pfnList) push(db *frame.DB, p arch.PFN) {
	fr := db.Frame(p)
	fr.Prev = arch.NilPFN
	fr.Next = l.head
	if l.head != arch.NilPFN {
		db.Frame(l.head).Prev = p
	} else {
		l.tail = p
	}
	l.head = p
	l.n++
}

func (l *pfnList) remove(db *frame.DB, p arch.PFN) {
	fr := db.Frame(p)
	if fr.Prev != arch.NilPFN {
		db.Frame(fr.Prev).Next = fr.Next
	} else {
		l.head = fr.Next
	}
	if fr.Next != arch.NilPFN {
		db.Frame(fr.Next).Prev = fr.Prev
	} else {
		l.tail = fr.Prev
	}
	fr.Prev = arch.NilPFN
	fr.Next = arch.NilPFN
	l.n--
}

// AnonLRUKind selects one of the zone's anonymous LRU lists.
type AnonLRUKind int

const (
	// AnonInactive holds anonymous frames not recently referenced.
	AnonInactive AnonLRUKind = iota

	// AnonActive holds recently referenced anonymous frames.
	AnonActive

	// AnonUnevictable holds frames in locked regions.
	AnonUnevictable
)

func (z *Zone) anonList(kind AnonLRUKind) *pfnList {
	switch kind {
	case AnonInactive:
		return &z.inactiveAnon
	case AnonActive:
		return &z.activeAnon
	case AnonUnevictable:
		return &z.unevictable
	}
	panic(fmt.Sprintf("buddy: bad anon LRU kind %d", kind))
}

// LRUAdd links p onto the given anonymous LRU list. The frame must not
// already be on any list.
func (z *Zone) LRUAdd(kind AnonLRUKind, p arch.PFN) {
	z.mu.Lock()
	defer z.mu.Unlock()
	fr := z.db.Frame(p)
	if fr.FlagSet(frame.LRU) || fr.FlagSet(frame.Buddy) {
		panic(fmt.Sprintf("buddy: LRUAdd of PFN %d already on a list (flags %#x)", p, fr.Flags()))
	}
	fr.SetFlags(frame.LRU)
	if kind == AnonActive {
		fr.SetFlags(frame.Active)
	}
	z.anonList(kind).push(z.db, p)
}

// LRURemove unlinks p from the given anonymous LRU list.
func (z *Zone) LRURemove(kind AnonLRUKind, p arch.PFN) {
	z.mu.Lock()
	defer z.mu.Unlock()
	fr := z.db.Frame(p)
	if !fr.FlagSet(frame.LRU) {
		panic(fmt.Sprintf("buddy: LRURemove of PFN %d not on an LRU list", p))
	}
	z.anonList(kind).remove(z.db, p)
	fr.ClearFlags(frame.LRU | frame.Active)
}

// LRURotate moves up to max frames from the cold end of inactive-anon to
// active-anon, modeling the second-chance pass reclaim makes. It returns the
// number moved. Frames with references remain anonymous-owned; actual
// reclaim of anonymous memory requires swap and is the scanner's decision.
func (z *Zone) LRURotate(max int) int {
	z.mu.Lock()
	defer z.mu.Unlock()
	moved := 0
	for moved < max {
		p := z.inactiveAnon.tail
		if p == arch.NilPFN {
			break
		}
		z.inactiveAnon.remove(z.db, p)
		z.activeAnon.push(z.db, p)
		z.db.Frame(p).SetFlags(frame.Active)
		moved++
	}
	return moved
}

// AnonLRULen returns the length of the given list.
func (z *Zone) AnonLRULen(kind AnonLRUKind) uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.anonList(kind).n
}
