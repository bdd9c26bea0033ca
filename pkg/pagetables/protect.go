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

	"bootvm.dev/bootvm/pkg/bits"
	"bootvm.dev/bootvm/pkg/riscv"
)

// Protect sets the attributes of every leaf translating [va, va+length) to
// prot. A leaf that reaches outside the range is first split into a table of
// smaller leaves with the same translation, so that only the range changes.
// The caller invalidates cached translations.
//
// Preconditions:
//   - va and length are page aligned.
//   - prot grants some access.
//   - the whole range is mapped.
func (p *PageTables[D]) Protect(a Allocator, va uintptr, length uint64, prot Prot) {
	root := RootLevel[D]()
	if !Canonical[D](va) {
		panic(&MapError{Level: LevelName[D](root), VA: va, Size: uintptr(length), Msg: "non-canonical virtual address"})
	}
	if prot&Valid == 0 || prot.AccessType() == riscv.NoAccess {
		panic(&MapError{Level: LevelName[D](root), VA: va, Size: uintptr(length), Msg: fmt.Sprintf("attributes %v are not a leaf", prot)})
	}
	if !bits.IsAligned(va, riscv.PageSize) || !bits.IsAligned(length, riscv.PageSize) {
		panic(&MapError{Level: LevelName[D](root), VA: va, Size: uintptr(length), Msg: "misaligned range"})
	}
	protect[D](a, p.root, root, va, length, prot)
}

// protect handles the part of a range that falls within table, a table at
// level l.
func protect[D Depth](a Allocator, table *PTEs, l Level, va uintptr, length uint64, prot Prot) {
	size := l.Size()
	for length > 0 {
		base := bits.AlignDown(va, size)
		n := min(uint64(size-(va-base)), length)
		pte := &table[l.Index(va)]
		switch {
		case !pte.Valid():
			panic(&MapError{Level: LevelName[D](l), VA: va, Size: size, Msg: "address is not mapped"})
		case pte.IsLeaf() && va == base && n == uint64(size):
			pte.Set(pte.Address(), prot)
		case l == PTELevel:
			panic(&MapError{Level: LevelName[D](l), VA: va, Size: size, Msg: fmt.Sprintf("invalid leaf %v", *pte)})
		default:
			if pte.IsLeaf() {
				split(a, pte, l, base)
			}
			protect[D](a, a.TableFor(l-1, pte.Address()), l-1, va, n, prot)
		}
		va += uintptr(n)
		length -= n
	}
}

// split replaces the leaf pte, found at level l translating base, with a
// pointer to a new table whose leaves carry the same translation.
func split(a Allocator, pte *PTE, l Level, base uintptr) {
	next := l - 1
	pa, prot := pte.Address(), pte.Prot()
	physical := a.AllocTable(next, base)
	table := a.TableFor(next, physical)
	for i := range table {
		table[i].Set(pa+uintptr(i)*next.Size(), prot)
	}
	pte.Set(physical, PageTable)
}
