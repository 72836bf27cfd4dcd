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

package pagetables

import (
	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
)

// PTE is one table entry in the x86-64 long-mode format.
type PTE uint64

const (
	present        PTE = 1 << 0
	writable       PTE = 1 << 1
	user           PTE = 1 << 2
	accessed       PTE = 1 << 5
	dirty          PTE = 1 << 6
	huge           PTE = 1 << 7
	global         PTE = 1 << 8
	executeDisable PTE = 1 << 63

	addrMask PTE = 0x000ffffffffff000
)

// Valid returns whether the entry is present.
func (p *PTE) Valid() bool { return *p&present != 0 }

// IsHuge returns whether the entry is a 2 MiB leaf.
func (p *PTE) IsHuge() bool { return *p&huge != 0 }

// Address returns the physical address the entry points at.
func (p *PTE) Address() uint64 { return uint64(*p & addrMask) }

// Clear zaps the entry.
func (p *PTE) Clear() { *p = 0 }

// Set makes the entry a small-page leaf at the given physical address.
// An entry with no permitted access is left clear.
func (p *PTE) Set(pa uint64, opts MapOpts) {
	*p = p.encode(pa, opts)
}

// SetHuge makes the entry a 2 MiB leaf.
func (p *PTE) SetHuge(pa uint64, opts MapOpts) {
	v := p.encode(pa, opts)
	if v != 0 {
		v |= huge
	}
	*p = v
}

func (p *PTE) encode(pa uint64, opts MapOpts) PTE {
	if !opts.AccessType.Any() {
		return 0
	}
	v := PTE(pa)&addrMask | present | accessed
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	return v
}

// setTable makes the entry an interior pointer to a next-level table.
// Interior entries carry maximal permissions; leaves restrict.
func (p *PTE) setTable(pa uint64) {
	*p = PTE(pa)&addrMask | present | writable | user
}

// Opts decodes the entry's attributes. Only meaningful for leaves.
func (p *PTE) Opts() MapOpts {
	v := *p
	return MapOpts{
		AccessType: arch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0 && v&present != 0,
		},
		User:   v&user != 0,
		Global: v&global != 0,
	}
}
