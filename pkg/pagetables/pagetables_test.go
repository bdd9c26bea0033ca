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

package pagetables

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"bootvm.dev/bootvm/pkg/bits"
	"bootvm.dev/bootvm/pkg/riscv"
	"github.com/google/go-cmp/cmp"
)

// runtimeAllocator backs tables with Go memory and hands out fake physical
// addresses. Fresh tables are filled with garbage so that tests notice a
// table the engine forgot to zero.
type runtimeAllocator struct {
	next   uintptr
	tables map[uintptr]*PTEs
	allocs []Level
}

func newRuntimeAllocator() *runtimeAllocator {
	return &runtimeAllocator{
		next:   0x90000000,
		tables: make(map[uintptr]*PTEs),
	}
}

func (r *runtimeAllocator) newTable() (*PTEs, uintptr) {
	t := new(PTEs)
	for i := range t {
		t[i] = PTE(0xbad0bad1)
	}
	pa := r.next
	r.next += riscv.PageSize
	r.tables[pa] = t
	return t, pa
}

// AllocTable implements Allocator.AllocTable.
func (r *runtimeAllocator) AllocTable(level Level, va uintptr) uintptr {
	_, pa := r.newTable()
	r.allocs = append(r.allocs, level)
	return pa
}

// TableFor implements Allocator.TableFor.
func (r *runtimeAllocator) TableFor(level Level, physical uintptr) *PTEs {
	t, ok := r.tables[physical]
	if !ok {
		panic(fmt.Sprintf("no table at %#x", physical))
	}
	return t
}

func newTestTables[D Depth](t *testing.T) (*PageTables[D], *runtimeAllocator) {
	t.Helper()
	a := newRuntimeAllocator()
	root, pa := a.newTable()
	clear(root[:])
	return New[D](root, pa), a
}

// expectPanic runs fn and returns the MapError it panicked with.
func expectPanic(t *testing.T, fn func()) (e *MapError) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("no panic")
		}
		var ok bool
		if e, ok = r.(*MapError); !ok {
			t.Fatalf("panicked with %T %v, wanted *MapError", r, r)
		}
	}()
	fn()
	return nil
}

func checkMappings[D Depth](t *testing.T, pt *PageTables[D], a Allocator, want []Mapping) {
	t.Helper()
	var got []Mapping
	pt.Walk(a, func(m Mapping) {
		got = append(got, m)
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode(t *testing.T) {
	for _, tc := range []struct {
		name    string
		pte     PTE
		valid   bool
		empty   bool
		leaf    bool
		pointer bool
		addr    uintptr
	}{
		{"empty", 0, false, true, false, false, 0},
		{"pointer", Encode(0x80201, PageTable), true, false, false, true, 0x80201000},
		{"leaf", Encode(0x80200, PageKernelExec), true, false, true, false, 0x80200000},
		{"invalid leaf bits", Encode(0x80200, Read|Write), false, false, false, false, 0x80200000},
		{"io", Encode(0x10000, PageKernelIO), true, false, true, false, 0x10000000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pte.Valid(); got != tc.valid {
				t.Errorf("Valid() = %v, wanted %v", got, tc.valid)
			}
			if got := tc.pte.Empty(); got != tc.empty {
				t.Errorf("Empty() = %v, wanted %v", got, tc.empty)
			}
			if got := tc.pte.IsLeaf(); got != tc.leaf {
				t.Errorf("IsLeaf() = %v, wanted %v", got, tc.leaf)
			}
			if got := tc.pte.IsPointer(); got != tc.pointer {
				t.Errorf("IsPointer() = %v, wanted %v", got, tc.pointer)
			}
			if got := tc.pte.Address(); got != tc.addr {
				t.Errorf("Address() = %#x, wanted %#x", got, tc.addr)
			}
		})
	}

	pte := Encode(0xfffffffffff, PageKernelIO)
	if got, want := pte.PFN(), uint64(0xfffffffffff); got != want {
		t.Errorf("PFN() = %#x, wanted %#x", got, want)
	}
	if got := pte.Prot(); got != PageKernelIO {
		t.Errorf("Prot() = %v, wanted %v", got, PageKernelIO)
	}
	if got := pte.Prot().MemoryType(); got != riscv.MemoryTypeUncached {
		t.Errorf("MemoryType() = %v, wanted Uncached", got)
	}
	pte.Clear()
	if !pte.Empty() {
		t.Errorf("Clear() left %#x", uint64(pte))
	}
}

func TestProt(t *testing.T) {
	if got, want := PageKernelExec.String(), "DAG-XWRV"; got != want {
		t.Errorf("PageKernelExec.String() = %q, wanted %q", got, want)
	}
	if got, want := PageKernelIO.String(), "DAG--WRV UC"; got != want {
		t.Errorf("PageKernelIO.String() = %q, wanted %q", got, want)
	}
	for _, tc := range []struct {
		at   riscv.AccessType
		mt   riscv.MemoryType
		want Prot
	}{
		{riscv.NoAccess, riscv.MemoryTypeWriteBack, 0},
		{riscv.ReadWrite, riscv.MemoryTypeWriteBack, PageKernel},
		{riscv.AnyAccess, riscv.MemoryTypeWriteBack, PageKernelExec},
		{riscv.Read, riscv.MemoryTypeWriteBack, PageKernelReadOnly},
		{riscv.ReadExec, riscv.MemoryTypeWriteBack, PageKernelReadExec},
		{riscv.ReadWrite, riscv.MemoryTypeUncached, PageKernelIO},
	} {
		if got := ProtFor(tc.at, tc.mt); got != tc.want {
			t.Errorf("ProtFor(%v, %v) = %v, wanted %v", tc.at, tc.mt, got, tc.want)
		}
	}
}

func TestLevels(t *testing.T) {
	for _, tc := range []struct {
		name   string
		root   Level
		vaBits int
		names  []string
	}{
		{"sv39", RootLevel[Sv39](), VABits[Sv39](), []string{LevelName[Sv39](0), LevelName[Sv39](1), LevelName[Sv39](2)}},
		{"sv48", RootLevel[Sv48](), VABits[Sv48](), []string{LevelName[Sv48](0), LevelName[Sv48](1), LevelName[Sv48](2), LevelName[Sv48](3)}},
		{"sv57", RootLevel[Sv57](), VABits[Sv57](), []string{LevelName[Sv57](0), LevelName[Sv57](1), LevelName[Sv57](2), LevelName[Sv57](3), LevelName[Sv57](4)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			wantNames := []string{"pte", "pmd", "pud", "p4d"}[:tc.root]
			wantNames = append(wantNames, "pgd")
			if diff := cmp.Diff(wantNames, tc.names); diff != "" {
				t.Errorf("level names mismatch (-want +got):\n%s", diff)
			}
			if want := 12 + 9*(int(tc.root)+1); tc.vaBits != want {
				t.Errorf("VABits = %d, wanted %d", tc.vaBits, want)
			}
		})
	}

	if got, want := PMDLevel.Index(0xffffffff80200000), 1; got != want {
		t.Errorf("PMDLevel.Index = %d, wanted %d", got, want)
	}
	if got, want := PUDLevel.Index(0xffffffff80200000), 510; got != want {
		t.Errorf("PUDLevel.Index = %d, wanted %d", got, want)
	}
	if !Canonical[Sv39](0xffffffff80000000) || Canonical[Sv39](0x0000004000000000) {
		t.Errorf("Canonical[Sv39] misclassified addresses")
	}
	if !Canonical[Sv48](0x0000004000000000) || Canonical[Sv48](0xffff000000000000) {
		t.Errorf("Canonical[Sv48] misclassified addresses")
	}
}

func TestSATP(t *testing.T) {
	pt := New[Sv39](new(PTEs), 0x80201000)
	if got, want := pt.SATP(), uint64(0x8000000000080201); got != want {
		t.Errorf("Sv39 SATP() = %#x, wanted %#x", got, want)
	}
	pt57 := New[Sv57](new(PTEs), 0x80201000)
	if got, want := pt57.SATP(), uint64(0xa000000000080201); got != want {
		t.Errorf("Sv57 SATP() = %#x, wanted %#x", got, want)
	}
}

func TestMapPage(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	pt.Map(a, 0x400000, 0x80042000, riscv.PageSize, PageKernelReadOnly)

	checkMappings(t, pt, a, []Mapping{
		{0x400000, 0x80042000, riscv.PageSize, PageKernelReadOnly},
	})
	if diff := cmp.Diff([]Level{PMDLevel, PTELevel}, a.allocs); diff != "" {
		t.Errorf("allocations mismatch (-want +got):\n%s", diff)
	}
}

func TestSerialEntries(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	pt.Map(a, 0x400000, 0x80042000, riscv.PageSize, PageKernel)
	pt.Map(a, 0x401000, 0x80047000, riscv.PageSize, PageKernel)

	checkMappings(t, pt, a, []Mapping{
		{0x400000, 0x80042000, riscv.PageSize, PageKernel},
		{0x401000, 0x80047000, riscv.PageSize, PageKernel},
	})
	// The second entry shares both intermediate tables.
	if got := len(a.allocs); got != 2 {
		t.Errorf("got %d table allocations, wanted 2", got)
	}
}

func TestSuperpage(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	pt.Map(a, 0xffffffff80000000, 0x80200000, PMDLevel.Size(), PageKernelExec)

	checkMappings(t, pt, a, []Mapping{
		{0xffffffff80000000, 0x80200000, PMDLevel.Size(), PageKernelExec},
	})
	if diff := cmp.Diff([]Level{PMDLevel}, a.allocs); diff != "" {
		t.Errorf("allocations mismatch (-want +got):\n%s", diff)
	}
}

func TestRootLeaf(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	pt.Map(a, 0xffffffc000000000, 0x80000000, PUDLevel.Size(), PageKernel)

	checkMappings(t, pt, a, []Mapping{
		{0xffffffc000000000, 0x80000000, PUDLevel.Size(), PageKernel},
	})
	if len(a.allocs) != 0 {
		t.Errorf("root leaf allocated tables: %v", a.allocs)
	}
}

func TestIdempotent(t *testing.T) {
	pt, a := newTestTables[Sv48](t)
	pt.Map(a, 0xffffaf8000200000, 0x80200000, PMDLevel.Size(), PageKernel)
	first := pt.Ranges(a)
	allocs := len(a.allocs)

	pt.Map(a, 0xffffaf8000200000, 0x80200000, PMDLevel.Size(), PageKernel)
	if diff := cmp.Diff(first, pt.Ranges(a)); diff != "" {
		t.Errorf("second Map changed state (-first +second):\n%s", diff)
	}
	if len(a.allocs) != allocs {
		t.Errorf("second Map allocated %d tables", len(a.allocs)-allocs)
	}
}

func TestFirstWriterWins(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	pt.Map(a, 0xffffffe000200000, 0x80200000, PMDLevel.Size(), PageKernel)
	pt.Map(a, 0xffffffe000200000, 0x80400000, PMDLevel.Size(), PageKernelExec)

	checkMappings(t, pt, a, []Mapping{
		{0xffffffe000200000, 0x80200000, PMDLevel.Size(), PageKernel},
	})
}

func TestExistingSuperpageCoversPage(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	pt.Map(a, 0xffffffe000200000, 0x80200000, PMDLevel.Size(), PageKernel)
	allocs := len(a.allocs)

	pt.Map(a, 0xffffffe000201000, 0x90000000, riscv.PageSize, PageKernel)

	checkMappings(t, pt, a, []Mapping{
		{0xffffffe000200000, 0x80200000, PMDLevel.Size(), PageKernel},
	})
	if len(a.allocs) != allocs {
		t.Errorf("covered Map allocated %d tables", len(a.allocs)-allocs)
	}
}

func TestPointerInsert(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	leaf, leafPA := a.newTable()
	clear(leaf[:])

	// Link a statically allocated leaf table, then populate it directly.
	pt.Map(a, 0xffffffcefee00000, leafPA, PMDLevel.Size(), PageTable)
	Insert[Sv39](a, leaf, PTELevel, 0xffffffcefee03000, 0x80300000, riscv.PageSize, PageKernel)

	checkMappings(t, pt, a, []Mapping{
		{0xffffffcefee03000, 0x80300000, riscv.PageSize, PageKernel},
	})
}

func TestSpanningRange(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	pt.MapRange(a, 0xffffffe0001ff000, 0x801ff000, 2*riscv.PageSize, riscv.PageSize, PageKernel)

	checkMappings(t, pt, a, []Mapping{
		{0xffffffe0001ff000, 0x801ff000, riscv.PageSize, PageKernel},
		{0xffffffe000200000, 0x80200000, riscv.PageSize, PageKernel},
	})
	if diff := cmp.Diff([]Range{
		{VA: 0xffffffe0001ff000, PA: 0x801ff000, Length: 2 * riscv.PageSize, PageSize: riscv.PageSize, Prot: PageKernel},
	}, pt.Ranges(a)); diff != "" {
		t.Errorf("Ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestSparseEntries(t *testing.T) {
	pt, a := newTestTables[Sv57](t)
	pt.Map(a, 0x400000, 0x80042000, riscv.PageSize, PageKernel)
	pt.Map(a, 0xff60000000000000, 0x80047000, riscv.PageSize, PageKernelReadOnly)

	checkMappings(t, pt, a, []Mapping{
		{0x400000, 0x80042000, riscv.PageSize, PageKernel},
		{0xff60000000000000, 0x80047000, riscv.PageSize, PageKernelReadOnly},
	})
}

func TestLookup(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	pt.Map(a, 0xffffffff80000000, 0x80200000, PMDLevel.Size(), PageKernelExec)

	pa, size, prot, ok := pt.Lookup(a, 0xffffffff80012345)
	if !ok || pa != 0x80212345 || size != PMDLevel.Size() || prot != PageKernelExec {
		t.Errorf("Lookup = %#x, %#x, %v, %v", pa, size, prot, ok)
	}
	if _, _, _, ok := pt.Lookup(a, 0xffffffff80200000); ok {
		t.Errorf("Lookup of an unmapped address succeeded")
	}
	if _, _, _, ok := pt.Lookup(a, 0x0000008000000000); ok {
		t.Errorf("Lookup of a non-canonical address succeeded")
	}
}

func TestInsertRejects(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	for _, tc := range []struct {
		name string
		va   uintptr
		pa   uintptr
		size uintptr
		prot Prot
		msg  string
	}{
		{"unsupported size", 0x400000, 0x80000000, 0x10000, PageKernel, "unsupported mapping size"},
		{"size above root", 0, 0x80000000, P4DLevel.Size(), PageKernel, "unsupported mapping size"},
		{"misaligned va", 0x401000, 0x80200000, PMDLevel.Size(), PageKernel, "misaligned mapping"},
		{"misaligned pa", 0x400000, 0x80201000, PMDLevel.Size(), PageKernel, "misaligned mapping"},
		{"invalid prot", 0x400000, 0x80200000, PMDLevel.Size(), Read | Write, "not valid"},
		{"non-canonical", 0x8000000000, 0x80200000, PMDLevel.Size(), PageKernel, "non-canonical"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := expectPanic(t, func() {
				pt.Map(a, tc.va, tc.pa, tc.size, tc.prot)
			})
			if e.VA != tc.va || e.Size != tc.size {
				t.Errorf("MapError = %+v, wanted va %#x size %#x", e, tc.va, tc.size)
			}
			if got := e.Error(); !strings.Contains(got, tc.msg) {
				t.Errorf("Error() = %q, wanted it to mention %q", got, tc.msg)
			}
		})
	}
}

func TestBestMapSize(t *testing.T) {
	for _, tc := range []struct {
		va     uintptr
		pa     uintptr
		length uint64
		want   uintptr
	}{
		{0xffffffe000200000, 0x80200000, 0x7e00000, PMDLevel.Size()},
		{0xffffffe000200000, 0x80200000, 0x7e01000, riscv.PageSize},
		{0xffffffe000201000, 0x80201000, 0x200000, riscv.PageSize},
		{0xffffffe000000000, 0x80000000, 0x40000000, PUDLevel.Size()},
		{0xffffffe000000000, 0x80000000, 0x40200000, PMDLevel.Size()},
		{0xffffffe000200000, 0x80000000, 0x200000, PMDLevel.Size()},
		{0xffffffe000200000, 0x80001000, 0x200000, riscv.PageSize},
	} {
		if got := BestMapSize[Sv39](tc.va, tc.pa, tc.length); got != tc.want {
			t.Errorf("BestMapSize(%#x, %#x, %#x) = %#x, wanted %#x", tc.va, tc.pa, tc.length, got, tc.want)
		}
	}
}

// testRoundTrip maps random aligned triples and checks that each translates
// back with its attributes.
func TestProtect(t *testing.T) {
	const (
		kernel = uintptr(0xffffffff80000000)
		linear = uintptr(0xffffffc000000000)
		pmd    = riscv.PMDSize
		pud    = pmd * riscv.EntriesPerTable
		page   = riscv.PageSize
	)
	for _, tc := range []struct {
		name   string
		va     uintptr
		pa     uintptr
		length uint64
		size   uintptr
		prot   Prot

		protVA     uintptr
		protLength uint64
		to         Prot
		want       []Range
		allocs     []Level
	}{
		{
			name: "whole megapage", va: kernel, pa: 0x80200000, length: uint64(pmd), size: pmd, prot: PageKernelExec,
			protVA: kernel, protLength: uint64(pmd), to: PageKernelReadExec,
			want: []Range{
				{VA: kernel, PA: 0x80200000, Length: uint64(pmd), PageSize: pmd, Prot: PageKernelReadExec},
			},
		},
		{
			name: "head of megapage", va: kernel, pa: 0x80200000, length: uint64(pmd), size: pmd, prot: PageKernelExec,
			protVA: kernel, protLength: page, to: PageKernelReadExec,
			want: []Range{
				{VA: kernel, PA: 0x80200000, Length: page, PageSize: page, Prot: PageKernelReadExec},
				{VA: kernel + page, PA: 0x80201000, Length: uint64(pmd - page), PageSize: page, Prot: PageKernelExec},
			},
			allocs: []Level{PTELevel},
		},
		{
			name: "across megapages", va: kernel, pa: 0x80200000, length: uint64(2 * pmd), size: pmd, prot: PageKernelExec,
			protVA: kernel + pmd/2, protLength: uint64(pmd), to: PageKernelReadOnly,
			want: []Range{
				{VA: kernel, PA: 0x80200000, Length: uint64(pmd / 2), PageSize: page, Prot: PageKernelExec},
				{VA: kernel + pmd/2, PA: 0x80300000, Length: uint64(pmd), PageSize: page, Prot: PageKernelReadOnly},
				{VA: kernel + 3*pmd/2, PA: 0x80500000, Length: uint64(pmd / 2), PageSize: page, Prot: PageKernelExec},
			},
			allocs: []Level{PTELevel, PTELevel},
		},
		{
			name: "page in gigapage", va: linear, pa: 0x80000000, length: uint64(pud), size: pud, prot: PageKernel,
			protVA: linear + pmd, protLength: page, to: PageKernelReadOnly,
			want: []Range{
				{VA: linear, PA: 0x80000000, Length: uint64(pmd), PageSize: pmd, Prot: PageKernel},
				{VA: linear + pmd, PA: 0x80200000, Length: page, PageSize: page, Prot: PageKernelReadOnly},
				{VA: linear + pmd + page, PA: 0x80201000, Length: uint64(pmd - page), PageSize: page, Prot: PageKernel},
				{VA: linear + 2*pmd, PA: 0x80400000, Length: uint64(pud - 2*pmd), PageSize: pmd, Prot: PageKernel},
			},
			allocs: []Level{PMDLevel, PTELevel},
		},
		{
			name: "base pages", va: kernel, pa: 0x80200000, length: 4 * page, size: page, prot: PageKernel,
			protVA: kernel + page, protLength: 2 * page, to: PageKernelReadOnly,
			want: []Range{
				{VA: kernel, PA: 0x80200000, Length: page, PageSize: page, Prot: PageKernel},
				{VA: kernel + page, PA: 0x80201000, Length: 2 * page, PageSize: page, Prot: PageKernelReadOnly},
				{VA: kernel + 3*page, PA: 0x80203000, Length: page, PageSize: page, Prot: PageKernel},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pt, a := newTestTables[Sv39](t)
			pt.MapRange(a, tc.va, tc.pa, tc.length, tc.size, tc.prot)
			a.allocs = nil

			pt.Protect(a, tc.protVA, tc.protLength, tc.to)

			if diff := cmp.Diff(tc.want, pt.Ranges(a)); diff != "" {
				t.Errorf("Ranges mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.allocs, a.allocs); diff != "" {
				t.Errorf("allocations mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProtectRejects(t *testing.T) {
	pt, a := newTestTables[Sv39](t)
	pt.Map(a, 0xffffffff80000000, 0x80200000, PMDLevel.Size(), PageKernel)
	for _, tc := range []struct {
		name   string
		va     uintptr
		length uint64
		prot   Prot
		msg    string
	}{
		{"unmapped", 0xffffffff80200000, riscv.PageSize, PageKernelReadOnly, "not mapped"},
		{"partly unmapped", 0xffffffff801ff000, 2 * riscv.PageSize, PageKernelReadOnly, "not mapped"},
		{"misaligned", 0xffffffff80000800, riscv.PageSize, PageKernelReadOnly, "misaligned range"},
		{"pointer prot", 0xffffffff80000000, riscv.PageSize, PageTable, "not a leaf"},
		{"non-canonical", 0x8000000000, riscv.PageSize, PageKernelReadOnly, "non-canonical"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := expectPanic(t, func() {
				pt.Protect(a, tc.va, tc.length, tc.prot)
			})
			if got := e.Error(); !strings.Contains(got, tc.msg) {
				t.Errorf("Error() = %q, wanted it to mention %q", got, tc.msg)
			}
		})
	}
}

func testRoundTrip[D Depth](t *testing.T) {
	pt, a := newTestTables[D](t)
	r := rand.New(rand.NewSource(1))
	upperBase := uintptr(bits.SignExtend64(1<<(VABits[D]()-1), VABits[D]()))

	type entry struct {
		va, pa, size uintptr
		prot         Prot
	}
	var entries []entry
	used := make(map[uintptr]bool)
	for len(entries) < 64 {
		// Each entry gets its own 1GiB region so that none covers another.
		va := uintptr(r.Intn(256)) << PUDLevel.Shift()
		if r.Intn(2) == 0 {
			va += upperBase
		}
		if used[va] {
			continue
		}
		used[va] = true

		size := Level(r.Intn(int(PUDLevel))).Size()
		va += uintptr(r.Intn(int(PUDLevel.Size()/size))) * size
		pa := uintptr(0x80000000) + uintptr(r.Intn(1024))*size
		prot := []Prot{PageKernel, PageKernelExec, PageKernelReadOnly, PageKernelIO}[r.Intn(4)]
		pt.Map(a, va, pa, size, prot)
		entries = append(entries, entry{va, pa, size, prot})
	}
	for _, e := range entries {
		off := uintptr(r.Intn(int(e.size)))
		pa, size, prot, ok := pt.Lookup(a, e.va+off)
		if !ok || pa != e.pa+off || size != e.size || prot != e.prot {
			t.Errorf("Lookup(%#x) = %#x, %#x, %v, %v; wanted %#x, %#x, %v", e.va+off, pa, size, prot, ok, e.pa+off, e.size, e.prot)
		}
	}
}

func TestRoundTripSv39(t *testing.T) { testRoundTrip[Sv39](t) }
func TestRoundTripSv48(t *testing.T) { testRoundTrip[Sv48](t) }
func TestRoundTripSv57(t *testing.T) { testRoundTrip[Sv57](t) }
