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

// Package pagetables provides the RISC-V Sv39, Sv48 and Sv57 page table
// formats and the mapping insertion engine used while bootstrapping the
// kernel address space.
//
// The engine never allocates or addresses table memory itself. Both are
// delegated to an Allocator, whose implementation differs between the boot
// phases.
package pagetables

import (
	"fmt"

	"bootvm.dev/bootvm/pkg/bits"
	"bootvm.dev/bootvm/pkg/riscv"
)

// Depth is the number of translation levels of an address space format.
//
// Implementations are zero-sized and used only as type parameters, so the
// level count is fixed for the lifetime of a PageTables and levels above it
// simply do not exist.
type Depth interface {
	// Levels returns the number of levels, including the root.
	Levels() int

	// Mode returns the satp MODE value selecting this format.
	Mode() uint64

	// Name returns the format name.
	Name() string
}

// Sv39 is the three level format.
type Sv39 struct{}

// Levels implements Depth.Levels.
func (Sv39) Levels() int { return 3 }

// Mode implements Depth.Mode.
func (Sv39) Mode() uint64 { return 8 }

// Name implements Depth.Name.
func (Sv39) Name() string { return "sv39" }

// Sv48 is the four level format.
type Sv48 struct{}

// Levels implements Depth.Levels.
func (Sv48) Levels() int { return 4 }

// Mode implements Depth.Mode.
func (Sv48) Mode() uint64 { return 9 }

// Name implements Depth.Name.
func (Sv48) Name() string { return "sv48" }

// Sv57 is the five level format.
type Sv57 struct{}

// Levels implements Depth.Levels.
func (Sv57) Levels() int { return 5 }

// Mode implements Depth.Mode.
func (Sv57) Mode() uint64 { return 10 }

// Name implements Depth.Name.
func (Sv57) Name() string { return "sv57" }

// ModeBare is the satp MODE with translation disabled.
const ModeBare = 0

// Level is the height of a table above the leaf table. Level 0 tables hold
// base page entries, level 1 tables hold megapage entries and so on.
type Level int

// Fixed level heights. The root of a format is always its top level and is
// named pgd regardless of height.
const (
	PTELevel Level = iota
	PMDLevel
	PUDLevel
	P4DLevel
	MaxLevel
)

// Shift returns the binary log of the span of one entry at l.
func (l Level) Shift() uint {
	return riscv.PageShift + uint(l)*riscv.EntryShift
}

// Size returns the span of one entry at l.
func (l Level) Size() uintptr {
	return uintptr(1) << l.Shift()
}

// Index returns the index of va in a table at l.
func (l Level) Index(va uintptr) int {
	return int((va >> l.Shift()) & (riscv.EntriesPerTable - 1))
}

var levelNames = [...]string{"pte", "pmd", "pud", "p4d", "pgd"}

// RootLevel returns the level of the root table of D.
func RootLevel[D Depth]() Level {
	var d D
	return Level(d.Levels() - 1)
}

// VABits returns the number of significant virtual address bits of D.
func VABits[D Depth]() int {
	return int(RootLevel[D]().Shift()) + riscv.EntryShift
}

// LevelName returns the conventional name of level l under D.
func LevelName[D Depth](l Level) string {
	if l == RootLevel[D]() {
		return "pgd"
	}
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("level%d", int(l))
	}
	return levelNames[l]
}

// Canonical returns true if va is a sign-extended address under D.
func Canonical[D Depth](va uintptr) bool {
	return uintptr(bits.SignExtend64(uint64(va), VABits[D]())) == va
}

// LevelFor returns the level whose entries span exactly size. ok is false if
// no level of D does.
func LevelFor[D Depth](size uintptr) (Level, bool) {
	for l := PTELevel; l <= RootLevel[D](); l++ {
		if l.Size() == size {
			return l, true
		}
	}
	return 0, false
}

// BestMapSize returns the largest entry span of D to which va, pa and
// length are all aligned, or the base page size if there is none.
func BestMapSize[D Depth](va, pa uintptr, length uint64) uintptr {
	for l := RootLevel[D](); l > PTELevel; l-- {
		size := l.Size()
		if bits.IsAligned(va, size) && bits.IsAligned(pa, size) && bits.IsAligned(length, uint64(size)) {
			return size
		}
	}
	return riscv.PageSize
}

// PageTables is a tree of tables of format D.
type PageTables[D Depth] struct {
	// root is a view of the root table, valid in the addressing mode in
	// which the tables were created.
	root *PTEs

	// rootPhysical is the physical address of the root table.
	rootPhysical uintptr
}

// New returns PageTables rooted at the given table.
//
// Precondition: rootPhysical is page aligned.
func New[D Depth](root *PTEs, rootPhysical uintptr) *PageTables[D] {
	if !riscv.Addr(rootPhysical).IsPageAligned() {
		panic(fmt.Sprintf("root table at %#x is not page aligned", rootPhysical))
	}
	return &PageTables[D]{root: root, rootPhysical: rootPhysical}
}

// Root returns the view of the root table.
func (p *PageTables[D]) Root() *PTEs {
	return p.root
}

// RootPhysical returns the physical address of the root table.
func (p *PageTables[D]) RootPhysical() uintptr {
	return p.rootPhysical
}

// SATP returns the satp value that installs these tables.
func (p *PageTables[D]) SATP() uint64 {
	var d D
	return d.Mode()<<60 | riscv.Addr(p.rootPhysical).PFN()
}

// Map inserts a single entry of the given size mapping va to pa. See Insert.
func (p *PageTables[D]) Map(a Allocator, va, pa, size uintptr, prot Prot) {
	if !Canonical[D](va) {
		panic(&MapError{Level: "pgd", VA: va, PA: pa, Size: size, Msg: "non-canonical virtual address"})
	}
	Insert[D](a, p.root, RootLevel[D](), va, pa, size, prot)
}

// MapRange maps [va, va+length) to [pa, pa+length) with entries of the given
// size.
//
// Precondition: length is a multiple of size.
func (p *PageTables[D]) MapRange(a Allocator, va, pa uintptr, length uint64, size uintptr, prot Prot) {
	if !bits.IsAligned(length, uint64(size)) {
		panic(&MapError{Level: "pgd", VA: va, PA: pa, Size: size, Msg: fmt.Sprintf("length %#x is not a multiple of the entry size", length)})
	}
	for off := uint64(0); off < length; off += uint64(size) {
		p.Map(a, va+uintptr(off), pa+uintptr(off), size, prot)
	}
}

// Lookup returns the physical address, entry size and attributes va
// translates to. ok is false if va is not mapped.
func (p *PageTables[D]) Lookup(a Allocator, va uintptr) (physical, size uintptr, prot Prot, ok bool) {
	if !Canonical[D](va) {
		return 0, 0, 0, false
	}
	table := p.root
	for l := RootLevel[D](); ; l-- {
		pte := table[l.Index(va)]
		if !pte.Valid() {
			return 0, 0, 0, false
		}
		if pte.IsLeaf() {
			size = l.Size()
			return pte.Address() + va&(size-1), size, pte.Prot(), true
		}
		if l == PTELevel {
			return 0, 0, 0, false
		}
		table = a.TableFor(l-1, pte.Address())
	}
}

// Mapping is one leaf found by Walk.
type Mapping struct {
	VA   uintptr
	PA   uintptr
	Size uintptr
	Prot Prot
}

// Walk calls fn for every leaf in ascending virtual address order. Upper
// half addresses are reported sign-extended.
func (p *PageTables[D]) Walk(a Allocator, fn func(m Mapping)) {
	walk[D](a, p.root, RootLevel[D](), 0, fn)
}

// Range is a run of leaves that are contiguous in both address spaces and
// share entry size and attributes.
type Range struct {
	VA       uintptr
	PA       uintptr
	Length   uint64
	PageSize uintptr
	Prot     Prot
}

// Ranges returns every leaf, coalesced into Ranges.
func (p *PageTables[D]) Ranges(a Allocator) []Range {
	var rs []Range
	p.Walk(a, func(m Mapping) {
		if n := len(rs); n > 0 {
			last := &rs[n-1]
			if last.Prot == m.Prot && last.PageSize == m.Size &&
				last.VA+uintptr(last.Length) == m.VA && last.PA+uintptr(last.Length) == m.PA {
				last.Length += uint64(m.Size)
				return
			}
		}
		rs = append(rs, Range{VA: m.VA, PA: m.PA, Length: uint64(m.Size), PageSize: m.Size, Prot: m.Prot})
	})
	return rs
}

func walk[D Depth](a Allocator, table *PTEs, l Level, base uintptr, fn func(m Mapping)) {
	for i := range table {
		pte := table[i]
		if !pte.Valid() {
			continue
		}
		va := base | uintptr(i)<<l.Shift()
		if l == RootLevel[D]() {
			va = uintptr(bits.SignExtend64(uint64(va), VABits[D]()))
		}
		if pte.IsLeaf() {
			fn(Mapping{VA: va, PA: pte.Address(), Size: l.Size(), Prot: pte.Prot()})
			continue
		}
		if l > PTELevel {
			walk[D](a, a.TableFor(l-1, pte.Address()), l-1, va, fn)
		}
	}
}
