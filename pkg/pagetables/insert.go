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

// MapError describes a rejected insertion. It is raised with panic: a bad
// request during boot means an address calculation is already corrupt.
type MapError struct {
	Level string
	VA    uintptr
	PA    uintptr
	Size  uintptr
	Msg   string
}

// Error implements error.Error.
func (e *MapError) Error() string {
	return fmt.Sprintf("map at %s: va %#x pa %#x size %#x: %s", e.Level, e.VA, e.PA, e.Size, e.Msg)
}

// Insert maps va to pa with a single entry spanning size, starting from
// table, which is a table at the given level.
//
// Missing intermediate tables are obtained from a, linked with a pointer
// entry and zeroed. An entry that is already present at the target level
// is left untouched, as is a leaf found at a higher level covering va: the
// first mapping of a region wins. A prot without R, W and X installs a
// pointer entry, which is how statically allocated tables are linked.
//
// Preconditions:
//   - size is the span of an entry at or below level.
//   - va and pa are aligned to size for a leaf, and to a page for a
//     pointer.
//   - prot includes Valid.
func Insert[D Depth](a Allocator, table *PTEs, level Level, va, pa, size uintptr, prot Prot) {
	target, ok := LevelFor[D](size)
	if !ok || target > level {
		panic(&MapError{Level: LevelName[D](level), VA: va, PA: pa, Size: size, Msg: "unsupported mapping size"})
	}
	if prot&Valid == 0 {
		panic(&MapError{Level: LevelName[D](target), VA: va, PA: pa, Size: size, Msg: fmt.Sprintf("attributes %v are not valid", prot)})
	}
	// A pointer entry links a table page: only the page of va selects
	// the entry and pa is only page aligned.
	align := size
	if prot.AccessType() == riscv.NoAccess {
		align = riscv.PageSize
	}
	if !bits.IsAligned(va, align) || !bits.IsAligned(pa, align) {
		panic(&MapError{Level: LevelName[D](target), VA: va, PA: pa, Size: size, Msg: "misaligned mapping"})
	}

	for l := level; ; l-- {
		pte := &table[l.Index(va)]
		if l == target {
			if pte.Empty() {
				pte.Set(pa, prot)
			}
			return
		}
		if pte.IsLeaf() {
			// An existing superpage already translates va.
			return
		}

		next := l - 1
		if pte.Valid() {
			table = a.TableFor(next, pte.Address())
			continue
		}
		if !pte.Empty() {
			panic(&MapError{Level: LevelName[D](l), VA: va, PA: pa, Size: size, Msg: fmt.Sprintf("invalid non-empty entry %#x", uint64(*pte))})
		}
		physical := a.AllocTable(next, va)
		pte.Set(physical, PageTable)
		table = a.TableFor(next, physical)
		clear(table[:])
	}
}
