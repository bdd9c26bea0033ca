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

package bootvm

import (
	"bootvm.dev/bootvm/pkg/pagetables"
	"bootvm.dev/bootvm/pkg/riscv"
)

// symbolsPages is the number of static pages in the tail of the kernel
// image: three roots, the fixmap chain down to its leaf table, three chains
// down to a megapage table and the zero page.
const symbolsPages = 3 + int(pagetables.MaxLevel) + 3*(int(pagetables.MaxLevel)-1) + 1

const symbolsSize = uint64(symbolsPages) * riscv.PageSize

// Symbols are the physical addresses of the page-aligned static objects of
// the kernel image. Chains are indexed by level; only the levels below the
// root of the format in use are linked.
type Symbols struct {
	EarlyRoot      uintptr
	TrampolineRoot uintptr
	SwapperRoot    uintptr

	// Fixmap holds the tables translating the fixmap region, down to the
	// leaf table at index 0.
	Fixmap [pagetables.MaxLevel]uintptr

	// Trampoline, Early and EarlyDTB hold the tables down to the megapage
	// table. Index 0 is unused.
	Trampoline [pagetables.MaxLevel]uintptr
	Early      [pagetables.MaxLevel]uintptr
	EarlyDTB   [pagetables.MaxLevel]uintptr

	ZeroPage uintptr
}

// newSymbols places the static objects at the end of the image loaded at
// [loadPA, loadPA+loadSize).
func newSymbols(loadPA uintptr, loadSize uint64) Symbols {
	next := loadPA + uintptr(loadSize) - uintptr(symbolsSize)
	page := func() uintptr {
		pa := next
		next += riscv.PageSize
		return pa
	}
	var s Symbols
	s.EarlyRoot = page()
	s.TrampolineRoot = page()
	s.SwapperRoot = page()
	for l := pagetables.PTELevel; l < pagetables.MaxLevel; l++ {
		s.Fixmap[l] = page()
	}
	for l := pagetables.PMDLevel; l < pagetables.MaxLevel; l++ {
		s.Trampoline[l] = page()
		s.Early[l] = page()
		s.EarlyDTB[l] = page()
	}
	s.ZeroPage = page()
	return s
}

// Tables returns every static table page.
func (s *Symbols) Tables() []uintptr {
	ts := []uintptr{s.EarlyRoot, s.TrampolineRoot, s.SwapperRoot}
	for l := pagetables.PTELevel; l < pagetables.MaxLevel; l++ {
		ts = append(ts, s.Fixmap[l])
	}
	for l := pagetables.PMDLevel; l < pagetables.MaxLevel; l++ {
		ts = append(ts, s.Trampoline[l], s.Early[l], s.EarlyDTB[l])
	}
	return ts
}
