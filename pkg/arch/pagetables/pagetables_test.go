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
	"sync"
	"testing"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
)

func TestMapLookup(t *testing.T) {
	p := New(NewRuntimeAllocator())
	opts := MapOpts{AccessType: arch.ReadWrite, User: true}
	if err := p.Map(0x400000, 2*arch.PageSize, 0x10000, opts); err != nil {
		t.Fatalf("Map got err %v want nil", err)
	}

	pa, got, ok := p.Lookup(0x400000 + arch.PageSize + 0x123)
	if !ok {
		t.Fatal("Lookup got !ok want mapped")
	}
	if want := uint64(0x10000 + arch.PageSize + 0x123); pa != want {
		t.Errorf("Lookup pa got %#x want %#x", pa, want)
	}
	if !got.AccessType.Write || got.AccessType.Execute {
		t.Errorf("Lookup opts got %+v want rw- user", got)
	}
	if !got.User {
		t.Errorf("Lookup opts got User=false want true")
	}

	if _, _, ok := p.Lookup(0x400000 + 2*arch.PageSize); ok {
		t.Error("Lookup past the mapping got ok want !ok")
	}
	if p.Mapped() != 2 {
		t.Errorf("Mapped got %d want 2", p.Mapped())
	}
}

func TestUnalignedMapFails(t *testing.T) {
	p := New(NewRuntimeAllocator())
	opts := MapOpts{AccessType: arch.Read}
	if err := p.Map(0x1001, arch.PageSize, 0, opts); err == nil {
		t.Error("Map of unaligned va got nil err want error")
	}
	if err := p.Map(0x1000, arch.PageSize, 0x10, opts); err == nil {
		t.Error("Map of unaligned pa got nil err want error")
	}
	if err := p.Map(0x1000, 100, 0, opts); err == nil {
		t.Error("Map of unaligned length got nil err want error")
	}
}

func TestUnmapFreesEmptyTables(t *testing.T) {
	a := NewRuntimeAllocator()
	p := New(a)
	live0 := a.Live()

	opts := MapOpts{AccessType: arch.ReadWrite}
	if err := p.Map(0x7f0000000000, 4*arch.PageSize, 0x100000, opts); err != nil {
		t.Fatalf("Map got err %v want nil", err)
	}
	if a.Live() <= live0 {
		t.Fatal("Map allocated no tables")
	}
	if err := p.Unmap(0x7f0000000000, 4*arch.PageSize); err != nil {
		t.Fatalf("Unmap got err %v want nil", err)
	}
	if a.Live() != live0 {
		t.Errorf("live tables got %d want %d (empty tables must be freed)", a.Live(), live0)
	}
	if p.Mapped() != 0 {
		t.Errorf("Mapped got %d want 0", p.Mapped())
	}
}

func TestUnmapHole(t *testing.T) {
	p := New(NewRuntimeAllocator())
	// Unmapping an unmapped range is a no-op.
	if err := p.Unmap(0x500000, 16*arch.PageSize); err != nil {
		t.Fatalf("Unmap of hole got err %v want nil", err)
	}
}

func TestProtectDowngrade(t *testing.T) {
	p := New(NewRuntimeAllocator())
	if err := p.Map(0x600000, arch.PageSize, 0x2000, MapOpts{AccessType: arch.ReadWrite}); err != nil {
		t.Fatalf("Map got err %v want nil", err)
	}
	if err := p.Protect(0x600000, arch.PageSize, MapOpts{AccessType: arch.Read}); err != nil {
		t.Fatalf("Protect got err %v want nil", err)
	}
	pa, opts, ok := p.Lookup(0x600000)
	if !ok {
		t.Fatal("Lookup got !ok want mapped")
	}
	if pa != 0x2000 {
		t.Errorf("Lookup pa got %#x want 0x2000 (Protect must not move the page)", pa)
	}
	if opts.AccessType.Write {
		t.Error("Protect to read-only left the page writable")
	}
}

func TestHugeMapping(t *testing.T) {
	p := New(NewRuntimeAllocator())
	// 2 MiB aligned on both sides: one huge leaf.
	if err := p.Map(0x40000000, pmdSize, 0x200000, MapOpts{AccessType: arch.ReadWrite}); err != nil {
		t.Fatalf("Map got err %v want nil", err)
	}
	if p.Mapped() != 1 {
		t.Errorf("Mapped got %d want 1 (one huge leaf)", p.Mapped())
	}
	pa, _, ok := p.Lookup(0x40000000 + 0x12345)
	if !ok {
		t.Fatal("Lookup inside huge leaf got !ok")
	}
	if want := uint64(0x200000 + 0x12345); pa != want {
		t.Errorf("Lookup pa got %#x want %#x", pa, want)
	}
	if err := p.Unmap(0x40000000, pmdSize); err != nil {
		t.Fatalf("Unmap got err %v want nil", err)
	}
	if p.Mapped() != 0 {
		t.Errorf("Mapped got %d want 0", p.Mapped())
	}
}

func TestInheritUpper(t *testing.T) {
	a := NewRuntimeAllocator()
	kernel := New(a)
	kernelVA := arch.Addr(0xffff800000000000)
	if err := kernel.Map(kernelVA, arch.PageSize, 0x5000, MapOpts{AccessType: arch.ReadWrite, Global: true}); err != nil {
		t.Fatalf("kernel Map got err %v want nil", err)
	}

	user := New(a)
	user.InheritUpper(kernel)
	pa, opts, ok := user.Lookup(kernelVA)
	if !ok {
		t.Fatal("Lookup of inherited kernel page got !ok")
	}
	if pa != 0x5000 {
		t.Errorf("pa got %#x want 0x5000", pa)
	}
	if !opts.Global {
		t.Error("inherited kernel mapping lost Global")
	}

	// A kernel map after the fork is visible through the shared tables.
	if err := kernel.Map(kernelVA+arch.PageSize, arch.PageSize, 0x6000, MapOpts{AccessType: arch.Read, Global: true}); err != nil {
		t.Fatalf("kernel Map got err %v want nil", err)
	}
	if _, _, ok := user.Lookup(kernelVA + arch.PageSize); !ok {
		t.Error("later kernel mapping not visible via shared upper half")
	}
}

func TestReleaseFreesLowerHalf(t *testing.T) {
	a := NewRuntimeAllocator()
	kernel := New(a)
	if err := kernel.Map(0xffff800000000000, arch.PageSize, 0x5000, MapOpts{AccessType: arch.Read}); err != nil {
		t.Fatalf("kernel Map got err %v want nil", err)
	}
	kernelLive := a.Live()

	user := New(a)
	user.InheritUpper(kernel)
	if err := user.Map(0x400000, 8*arch.PageSize, 0x100000, MapOpts{AccessType: arch.ReadWrite, User: true}); err != nil {
		t.Fatalf("user Map got err %v want nil", err)
	}
	user.Release()
	if a.Live() != kernelLive {
		t.Errorf("live tables got %d want %d (Release must free the lower half only)", a.Live(), kernelLive)
	}
	// Kernel tables survive the user release.
	if _, _, ok := kernel.Lookup(0xffff800000000000); !ok {
		t.Error("kernel mapping lost after user Release")
	}
}

func TestAllocatorConcurrentUse(t *testing.T) {
	// One allocator shared by many page-table sets, each mapped and
	// released from its own goroutine. Run with -race to catch unguarded
	// table bookkeeping.
	a := NewRuntimeAllocator()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 32; j++ {
				p := New(a)
				va := arch.Addr(0x400000 + n*0x10000000 + j*0x100000)
				if err := p.Map(va, 4*arch.PageSize, 0x100000, MapOpts{AccessType: arch.ReadWrite, User: true}); err != nil {
					t.Errorf("Map got err %v want nil", err)
				}
				if _, _, ok := p.Lookup(va); !ok {
					t.Errorf("Lookup of %#x got !ok want mapped", va)
				}
				p.Release()
			}
		}(i)
	}
	wg.Wait()
	if a.Live() != 0 {
		t.Errorf("live tables got %d want 0 after all releases", a.Live())
	}
}
