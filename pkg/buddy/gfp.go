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

// GFP controls allocation behavior: which zones are eligible, whether the
// caller may sleep, and whether the pages are zeroed before return.
type GFP uint32

const (
	// GFPAtomic allocations never suspend and may dip below the min
	// watermark; they are the only allocations permitted to do so.
	GFPAtomic GFP = 1 << iota

	// GFPNoWait allocations never suspend, never trigger reclaim or OOM,
	// and respect the min watermark. They fail fast.
	GFPNoWait

	// GFPZero requests that the returned pages read as zero.
	GFPZero

	// GFPDMA restricts the allocation to DMA zones.
	GFPDMA

	// GFPHighMem permits the allocation to come from HIGH zones.
	GFPHighMem

	// GFPMovable permits the allocation to come from MOVABLE zones; the
	// caller promises the contents can be migrated.
	GFPMovable
)

// GFPKernel is the default policy: the caller may sleep, reclaim may run,
// and OOM may be invoked as a last resort.
const GFPKernel GFP = 0

// canSleep returns true if the allocation may suspend for reclaim.
func (g GFP) canSleep() bool {
	return g&(GFPAtomic|GFPNoWait) == 0
}

// ZoneKind classifies a zone within a node.
type ZoneKind int

const (
	// ZoneDMA is the lowest physical memory, reachable by legacy devices.
	ZoneDMA ZoneKind = iota

	// ZoneNormal is ordinary kernel-addressable memory.
	ZoneNormal

	// ZoneHighMem is memory outside the kernel direct map.
	ZoneHighMem

	// ZoneMovable holds only migratable user data.
	ZoneMovable

	numZoneKinds
)

// String implements fmt.Stringer.
func (k ZoneKind) String() string {
	switch k {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "Normal"
	case ZoneHighMem:
		return "HighMem"
	case ZoneMovable:
		return "Movable"
	}
	return "Unknown"
}

// zonePreference returns the zone kinds eligible for an allocation, most
// preferred first. DMA requests bind to the lowest zone; MOVABLE and HIGH
// fall back downward toward NORMAL, and NORMAL may spill into DMA when
// nothing else is left.
func (g GFP) zonePreference() []ZoneKind {
	switch {
	case g&GFPDMA != 0:
		return []ZoneKind{ZoneDMA}
	case g&GFPMovable != 0:
		return []ZoneKind{ZoneMovable, ZoneHighMem, ZoneNormal, ZoneDMA}
	case g&GFPHighMem != 0:
		return []ZoneKind{ZoneHighMem, ZoneNormal, ZoneDMA}
	default:
		return []ZoneKind{ZoneNormal, ZoneDMA}
	}
}
