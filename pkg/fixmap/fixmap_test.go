// Copyright 2025 The gVisor Authors.
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

package fixmap

import (
	"errors"
	"testing"

	"bootvm.dev/bootvm/pkg/mmu"
	"bootvm.dev/bootvm/pkg/pagetables"
	"bootvm.dev/bootvm/pkg/physmem"
	"bootvm.dev/bootvm/pkg/riscv"
)

const (
	dramBase = 0x80000000
	dramSize = 0x400000

	// base is the Sv39 fixmap region.
	base = 0xffffffcefee00000

	rootPA = dramBase + 0x1000
	pmdPA  = dramBase + 0x2000
	leafPA = dramBase + 0x3000
)

// identity addresses tables physically and allocates them upward from the
// second megabyte of DRAM. The machine runs in bare mode until enable.
type identity struct {
	mem  *physmem.Memory
	next uintptr
}

func (i *identity) AllocTable(level pagetables.Level, va uintptr) uintptr {
	pa := i.next
	i.next += riscv.PageSize
	return pa
}

func (i *identity) TableFor(level pagetables.Level, physical uintptr) *pagetables.PTEs {
	page, err := i.mem.Page(physical)
	if err != nil {
		panic(err)
	}
	return pagetables.TableAt(page)
}

type machine struct {
	mem  *physmem.Memory
	hart *mmu.Hart
	pt   *pagetables.PageTables[pagetables.Sv39]
	a    *identity
}

// newMachine links root -> pmd -> leaf over the fixmap region and maps the
// table pages themselves in the linear map.
func newMachine(t *testing.T) *machine {
	t.Helper()
	mem, err := physmem.New(physmem.Region{Base: dramBase, Size: dramSize})
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(mem.Release)
	a := &identity{mem: mem, next: dramBase + 0x100000}
	pt := pagetables.New[pagetables.Sv39](a.TableFor(pagetables.PUDLevel, rootPA), rootPA)
	pt.Map(a, base, pmdPA, pagetables.PUDLevel.Size(), pagetables.PageTable)
	pagetables.Insert[pagetables.Sv39](a, a.TableFor(pagetables.PMDLevel, pmdPA), pagetables.PMDLevel, base, leafPA, pagetables.PMDLevel.Size(), pagetables.PageTable)
	return &machine{mem: mem, hart: mmu.New(mem), pt: pt, a: a}
}

func (m *machine) enable() {
	// Reach the leaf table through a linear mapping of DRAM.
	m.pt.Map(m.a, 0xffffffe000000000, dramBase, pagetables.PMDLevel.Size(), pagetables.PageKernel)
	m.hart.SetRoot(m.pt.RootPhysical(), pagetables.Sv39{}.Mode())
	m.hart.InvalidateAll()
}

func expectSlotError(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*SlotError); !ok {
			t.Errorf("did not panic with a SlotError")
		}
	}()
	fn()
}

func TestLayout(t *testing.T) {
	if End > riscv.EntriesPerTable {
		t.Errorf("End = %d exceeds one leaf table", End)
	}
	if BTMapBegin-BTMapEnd+1 != Windows*PagesPerWindow {
		t.Errorf("boot-time pool holds %d slots, wanted %d", BTMapBegin-BTMapEnd+1, Windows*PagesPerWindow)
	}
	for _, tc := range []struct {
		slot Slot
		want string
	}{
		{Hole, "hole"},
		{PMD, "pmd"},
		{EarlyconMemBase, "earlycon_mem_base"},
		{BTMapEnd, "btmap0.0"},
		{BTMapEnd + 65, "btmap1.1"},
		{BTMapBegin, "btmap6.63"},
		{End, "Slot(457)"},
	} {
		if got := tc.slot.String(); got != tc.want {
			t.Errorf("Slot(%d).String() = %q, wanted %q", int(tc.slot), got, tc.want)
		}
	}
	for l, want := range []Slot{PTE, PMD, PUD, P4D, PGD} {
		if got := TableSlot(pagetables.Level(l)); got != want {
			t.Errorf("TableSlot(%d) = %v, wanted %v", l, got, want)
		}
	}
}

func TestVirtFor(t *testing.T) {
	m := newMachine(t)
	f := New(base, leafPA, m.hart)
	if got := f.VirtFor(PTE); got != base+riscv.PageSize {
		t.Errorf("VirtFor(PTE) = %#x, wanted %#x", got, uintptr(base+riscv.PageSize))
	}
	for _, s := range []Slot{PTE, PGD, BTMapEnd, BTMapBegin} {
		if got, ok := f.SlotFor(f.VirtFor(s) + 0x123); !ok || got != s {
			t.Errorf("SlotFor(VirtFor(%v)) = %v, %t", s, got, ok)
		}
	}
	if _, ok := f.SlotFor(base + uintptr(End)*riscv.PageSize); ok {
		t.Errorf("SlotFor past the last slot succeeded")
	}
	expectSlotError(t, func() { f.VirtFor(End) })
}

func TestSetRejects(t *testing.T) {
	m := newMachine(t)
	f := New(base, leafPA, m.hart)
	expectSlotError(t, func() { f.Set(Hole, dramBase, pagetables.PageKernel) })
	expectSlotError(t, func() { f.Set(End, dramBase, pagetables.PageKernel) })
	expectSlotError(t, func() { f.Set(PTE, dramBase, pagetables.PageTable) })
	expectSlotError(t, func() { New(base+riscv.PageSize, leafPA, m.hart) })
}

func TestBindInvalidatesOnePage(t *testing.T) {
	m := newMachine(t)
	m.enable()
	f := New(base, 0xffffffe000000000+leafPA-dramBase, m.hart)

	va := f.Set(PMD, dramBase+0x10000, pagetables.PageKernel)
	if pa, err := m.hart.Translate(va+8, riscv.Read); err != nil || pa != dramBase+0x10008 {
		t.Fatalf("Translate(%#x) = %#x, %v", va+8, pa, err)
	}
	before := m.hart.Stats()

	// Rebinding is visible at once.
	f.Set(PMD, dramBase+0x20000, pagetables.PageKernel)
	if pa, err := m.hart.Translate(va, riscv.Read); err != nil || pa != dramBase+0x20000 {
		t.Errorf("Translate after rebind = %#x, %v, wanted %#x", pa, err, dramBase+0x20000)
	}
	after := m.hart.Stats()
	if after.Invalidations != before.Invalidations+1 || after.Flushes != before.Flushes {
		t.Errorf("rebind caused %d invalidations and %d flushes, wanted 1 and 0",
			after.Invalidations-before.Invalidations, after.Flushes-before.Flushes)
	}
}

func TestSlotIsolation(t *testing.T) {
	m := newMachine(t)
	m.enable()
	f := New(base, 0xffffffe000000000+leafPA-dramBase, m.hart)

	f.Set(PTE, dramBase+0x10000, pagetables.PageKernel)
	f.Set(PMD, dramBase+0x20000, pagetables.PageKernel)
	f.Clear(PMD)

	if pa, err := m.hart.Translate(f.VirtFor(PTE), riscv.Read); err != nil || pa != dramBase+0x10000 {
		t.Errorf("PTE slot translates to %#x, %v after clearing PMD", pa, err)
	}
	if _, err := m.hart.Translate(f.VirtFor(PMD), riscv.Read); err == nil {
		t.Errorf("cleared PMD slot still translates")
	}
	if _, ok := f.Bound(PMD); ok {
		t.Errorf("Bound(PMD) reports a page after Clear")
	}
	if pa, ok := f.Bound(PTE); !ok || pa != dramBase+0x10000 {
		t.Errorf("Bound(PTE) = %#x, %t", pa, ok)
	}
}

func TestSetOffset(t *testing.T) {
	m := newMachine(t)
	f := New(base, leafPA, m.hart)
	va := f.SetOffset(PUD, dramBase+0x10abc, pagetables.PageKernel)
	if va != f.VirtFor(PUD)+0xabc {
		t.Errorf("SetOffset = %#x, wanted %#x", va, f.VirtFor(PUD)+0xabc)
	}
	if pa, ok := f.Bound(PUD); !ok || pa != dramBase+0x10000 {
		t.Errorf("Bound(PUD) = %#x, %t", pa, ok)
	}
}

func TestEarlyIORemap(t *testing.T) {
	m := newMachine(t)
	m.enable()
	f := New(base, 0xffffffe000000000+leafPA-dramBase, m.hart)

	want := []byte("device tree")
	if _, err := m.mem.WriteAt(want, dramBase+0x30ff8); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	va, err := f.EarlyIORemap(dramBase+0x30ff8, uint64(len(want)))
	if err != nil {
		t.Fatalf("EarlyIORemap failed: %v", err)
	}
	if va != f.VirtFor(BTMapEnd)+0xff8 {
		t.Errorf("EarlyIORemap = %#x, wanted %#x", va, f.VirtFor(BTMapEnd)+0xff8)
	}
	got := make([]byte, len(want))
	if err := m.hart.Read(va, got); err != nil || string(got) != string(want) {
		t.Errorf("Read through window = %q, %v", got, err)
	}

	// The next request takes the next window.
	va2, err := f.EarlyIORemap(dramBase, riscv.PageSize)
	if err != nil || va2 != f.VirtFor(BTMapEnd+PagesPerWindow) {
		t.Errorf("second EarlyIORemap = %#x, %v", va2, err)
	}

	if err := f.EarlyIOUnmap(va, 4); !errors.Is(err, ErrNotMapped) {
		t.Errorf("EarlyIOUnmap with the wrong size = %v, wanted ErrNotMapped", err)
	}
	if err := f.EarlyIOUnmap(va, uint64(len(want))); err != nil {
		t.Fatalf("EarlyIOUnmap failed: %v", err)
	}
	if _, err := m.hart.Translate(va+8, riscv.Read); err == nil {
		t.Errorf("second page of the window still translates after unmap")
	}
	if f.InUse() != 1 {
		t.Errorf("InUse() = %d, wanted 1", f.InUse())
	}
}

func TestEarlyIORemapLimits(t *testing.T) {
	m := newMachine(t)
	f := New(base, leafPA, m.hart)
	if _, err := f.EarlyIORemap(dramBase+1, PagesPerWindow*riscv.PageSize); !errors.Is(err, ErrTooLarge) {
		t.Errorf("EarlyIORemap of 65 pages = %v, wanted ErrTooLarge", err)
	}
	for i := 0; i < Windows; i++ {
		if _, err := f.EarlyIORemap(dramBase, PagesPerWindow*riscv.PageSize); err != nil {
			t.Fatalf("EarlyIORemap #%d failed: %v", i, err)
		}
	}
	if _, err := f.EarlyIORemap(dramBase, riscv.PageSize); !errors.Is(err, ErrNoWindow) {
		t.Errorf("EarlyIORemap with every window in use = %v, wanted ErrNoWindow", err)
	}
	if err := f.EarlyIOUnmap(f.VirtFor(PTE), riscv.PageSize); !errors.Is(err, ErrNotMapped) {
		t.Errorf("EarlyIOUnmap of a permanent slot = %v, wanted ErrNotMapped", err)
	}
}
