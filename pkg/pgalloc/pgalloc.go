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

// Package pgalloc is the general page frame allocator that takes over from
// memblock once boot memory is handed over.
//
// Every frame starts out reserved. Frames become allocatable only through
// FreeRange, mirroring how the early registry releases its free memory.
package pgalloc

import (
	"errors"
	"fmt"

	"bootvm.dev/bootvm/pkg/bitmap"
	"bootvm.dev/bootvm/pkg/riscv"
)

var (
	// ErrNoMemory is returned when no free frame remains.
	ErrNoMemory = errors.New("pgalloc: out of memory")

	// ErrBadFrame is returned for addresses outside the managed span or not
	// in the expected state.
	ErrBadFrame = errors.New("pgalloc: bad frame")
)

// PageType records what an allocated frame is used for.
type PageType uint8

const (
	// PageTypeNone is an ordinary frame.
	PageTypeNone PageType = iota

	// PageTypeTable is a page-table page.
	PageTypeTable
)

// String implements fmt.Stringer.String.
func (t PageType) String() string {
	switch t {
	case PageTypeNone:
		return "none"
	case PageTypeTable:
		return "table"
	default:
		return fmt.Sprintf("PageType(%d)", uint8(t))
	}
}

// Page is the descriptor of one frame.
type Page struct {
	Type PageType
}

// Allocator hands out single frames from a contiguous physical span.
type Allocator struct {
	base uintptr

	// used has a bit set for every reserved or allocated frame.
	used bitmap.Bitmap

	pages []Page

	// hint is the lowest frame that may be free.
	hint uint64
}

// New returns an allocator covering the page-aligned span [start, end) with
// every frame reserved.
func New(start, end uintptr) (*Allocator, error) {
	if !riscv.Addr(start).IsPageAligned() || !riscv.Addr(end).IsPageAligned() || end <= start {
		return nil, fmt.Errorf("%w: span [%#x, %#x)", ErrBadFrame, start, end)
	}
	n := uint64(end-start) >> riscv.PageShift
	return &Allocator{
		base:  start,
		used:  bitmap.NewFull(n),
		pages: make([]Page, n),
		hint:  n,
	}, nil
}

func (a *Allocator) frame(pa uintptr) (uint64, error) {
	if pa < a.base || !riscv.Addr(pa).IsPageAligned() {
		return 0, fmt.Errorf("%w: %#x", ErrBadFrame, pa)
	}
	f := uint64(pa-a.base) >> riscv.PageShift
	if f >= a.used.Size() {
		return 0, fmt.Errorf("%w: %#x", ErrBadFrame, pa)
	}
	return f, nil
}

// FreeRange releases every whole frame in [base, base+size) that lies in
// the managed span and returns how many were released.
func (a *Allocator) FreeRange(base uintptr, size uint64) uint64 {
	start, ok := riscv.Addr(base).RoundUp()
	if !ok {
		return 0
	}
	end := riscv.Addr(base + uintptr(size)).RoundDown()
	lo := max(uintptr(start), a.base)
	hi := min(uintptr(end), a.base+uintptr(a.used.Size()<<riscv.PageShift))
	if hi <= lo {
		return 0
	}
	first := uint64(lo-a.base) >> riscv.PageShift
	last := uint64(hi-a.base) >> riscv.PageShift
	before := a.used.Count()
	a.used.ClearRange(first, last)
	a.hint = min(a.hint, first)
	return before - a.used.Count()
}

// AllocPage returns the lowest free frame.
func (a *Allocator) AllocPage() (uintptr, error) {
	f, ok := a.used.FirstZero(a.hint)
	if !ok {
		return 0, ErrNoMemory
	}
	a.used.Add(f)
	a.hint = f + 1
	a.pages[f] = Page{}
	return a.base + uintptr(f<<riscv.PageShift), nil
}

// FreePage returns an allocated frame.
func (a *Allocator) FreePage(pa uintptr) error {
	f, err := a.frame(pa)
	if err != nil {
		return err
	}
	if a.pages[f].Type != PageTypeNone {
		return fmt.Errorf("%w: freeing %v page %#x", ErrBadFrame, a.pages[f].Type, pa)
	}
	if !a.used.Remove(f) {
		return fmt.Errorf("%w: double free of %#x", ErrBadFrame, pa)
	}
	a.hint = min(a.hint, f)
	return nil
}

// TableCtor marks an allocated frame as a page-table page.
func (a *Allocator) TableCtor(pa uintptr) error {
	f, err := a.frame(pa)
	if err != nil {
		return err
	}
	if !a.used.IsSet(f) {
		return fmt.Errorf("%w: constructing table in free frame %#x", ErrBadFrame, pa)
	}
	a.pages[f].Type = PageTypeTable
	return nil
}

// TableDtor clears the page-table mark of a frame.
func (a *Allocator) TableDtor(pa uintptr) error {
	f, err := a.frame(pa)
	if err != nil {
		return err
	}
	if a.pages[f].Type != PageTypeTable {
		return fmt.Errorf("%w: %#x is not a table", ErrBadFrame, pa)
	}
	a.pages[f].Type = PageTypeNone
	return nil
}

// PageOf returns the descriptor of the frame containing pa.
func (a *Allocator) PageOf(pa uintptr) (Page, error) {
	f, err := a.frame(uintptr(riscv.Addr(pa).RoundDown()))
	if err != nil {
		return Page{}, err
	}
	return a.pages[f], nil
}

// Allocated returns true if the frame containing pa is reserved or allocated.
func (a *Allocator) Allocated(pa uintptr) bool {
	f, err := a.frame(uintptr(riscv.Addr(pa).RoundDown()))
	return err == nil && a.used.IsSet(f)
}

// FreePages returns the number of free frames.
func (a *Allocator) FreePages() uint64 {
	return a.used.Size() - a.used.Count()
}

// TotalPages returns the number of frames in the managed span.
func (a *Allocator) TotalPages() uint64 {
	return a.used.Size()
}
