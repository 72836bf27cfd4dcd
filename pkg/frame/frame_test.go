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

package frame

import (
	"testing"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
)

func testMap(pages uint64) MemoryMap {
	return MemoryMap{
		{Start: 0, End: pages * arch.PageSize, Kind: MemUsable},
	}
}

func TestNewDBMarksReserved(t *testing.T) {
	mm := MemoryMap{
		{Start: 0, End: 64 * arch.PageSize, Kind: MemUsable},
		{Start: 8 * arch.PageSize, End: 12 * arch.PageSize, Kind: MemReserved},
	}
	db, err := NewDB(mm)
	if err != nil {
		t.Fatalf("NewDB got err %v want nil", err)
	}
	defer db.Close()

	if got, want := db.NumFrames(), uint64(64); got != want {
		t.Errorf("NumFrames got %d want %d", got, want)
	}
	if got, want := db.Usable(), uint64(60); got != want {
		t.Errorf("Usable got %d want %d", got, want)
	}
	for p := arch.PFN(8); p < 12; p++ {
		if !db.Frame(p).FlagSet(Reserved) {
			t.Errorf("PFN %d not Reserved", p)
		}
	}
	if db.Frame(7).FlagSet(Reserved) || db.Frame(12).FlagSet(Reserved) {
		t.Errorf("reserved range boundaries leaked into neighbors")
	}
}

func TestBytesDistinctPerFrame(t *testing.T) {
	db, err := NewDB(testMap(4))
	if err != nil {
		t.Fatalf("NewDB got err %v want nil", err)
	}
	defer db.Close()

	db.Bytes(1)[0] = 0x42
	if got := db.Bytes(0)[0]; got != 0 {
		t.Errorf("write to PFN 1 visible in PFN 0: %#x", got)
	}
	if got := db.Bytes(1)[0]; got != 0x42 {
		t.Errorf("Bytes(1)[0] got %#x want 0x42", got)
	}
	db.Zero(1)
	if got := db.Bytes(1)[0]; got != 0 {
		t.Errorf("Zero left %#x", got)
	}
}

func TestPutReleasesAtZero(t *testing.T) {
	db, err := NewDB(testMap(4))
	if err != nil {
		t.Fatalf("NewDB got err %v want nil", err)
	}
	defer db.Close()

	var released []arch.PFN
	db.SetRelease(func(p arch.PFN) { released = append(released, p) })

	db.Frame(2).SetRefs(2)
	db.Put(2)
	if len(released) != 0 {
		t.Fatalf("released %v with one reference remaining", released)
	}
	db.Put(2)
	if len(released) != 1 || released[0] != 2 {
		t.Fatalf("release got %v want [2]", released)
	}
}

func TestPutUnderflowPanics(t *testing.T) {
	db, err := NewDB(testMap(4))
	if err != nil {
		t.Fatalf("NewDB got err %v want nil", err)
	}
	defer db.Close()

	defer func() {
		if recover() == nil {
			t.Errorf("refcount underflow did not panic")
		}
	}()
	db.Put(0)
}

func TestFlagOps(t *testing.T) {
	var fr Frame
	fr.SetFlags(Dirty | Uptodate)
	if !fr.FlagSet(Dirty) || !fr.FlagSet(Uptodate) {
		t.Fatalf("flags not set: %#x", fr.Flags())
	}
	fr.ClearFlags(Dirty)
	if fr.FlagSet(Dirty) {
		t.Errorf("Dirty still set after clear")
	}
	if !fr.FlagSet(Uptodate) {
		t.Errorf("Uptodate lost on clear of Dirty")
	}
}
