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

// Package memblock is the early boot physical memory registry. It records
// the memory banks reported by firmware and the ranges reserved out of them,
// and satisfies aligned allocations before any page allocator exists.
package memblock

import (
	"errors"
	"fmt"
	"time"

	"bootvm.dev/bootvm/pkg/bits"
	"bootvm.dev/bootvm/pkg/log"
	"bootvm.dev/bootvm/pkg/riscv"
	"github.com/google/btree"
)

var (
	// ErrNoMemory is returned when no free range satisfies an allocation.
	ErrNoMemory = errors.New("memblock: out of memory")

	// ErrInvalidRange is returned for empty or overflowing ranges.
	ErrInvalidRange = errors.New("memblock: invalid range")

	// ErrRetired is returned once free memory has been handed to the page
	// allocator.
	ErrRetired = errors.New("memblock: retired")
)

// AllocAnywhere disables the allocation limit.
const AllocAnywhere = ^uintptr(0)

// Direction describes how to allocate ranges.
type Direction int

const (
	// BottomUp allocates from the lowest suitable address.
	BottomUp Direction = iota

	// TopDown allocates from the highest suitable address below the
	// current limit.
	TopDown
)

// Region is a physical range [Base, Base+Size).
type Region struct {
	Base uintptr
	Size uint64
}

// End returns the first address after r.
func (r Region) End() uintptr {
	return r.Base + uintptr(r.Size)
}

// Range returns r as an address range.
func (r Region) Range() riscv.AddrRange {
	return riscv.AddrRange{Start: riscv.Addr(r.Base), End: riscv.Addr(r.End())}
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return r.Range().String()
}

func regionLess(a, b Region) bool {
	return a.Base < b.Base
}

// regionSet is an ordered set of disjoint, non-adjacent regions.
type regionSet struct {
	tree *btree.BTreeG[Region]
}

func newRegionSet() regionSet {
	return regionSet{tree: btree.NewG(8, regionLess)}
}

// add inserts [base, end), merging every region it overlaps or touches.
func (s *regionSet) add(base, end uintptr) {
	var merged []Region
	// The region starting at or below base may reach it.
	s.tree.DescendLessOrEqual(Region{Base: base}, func(r Region) bool {
		if r.End() >= base {
			merged = append(merged, r)
		}
		return false
	})
	s.tree.AscendGreaterOrEqual(Region{Base: base}, func(r Region) bool {
		if r.Base > end {
			return false
		}
		merged = append(merged, r)
		return true
	})
	for _, r := range merged {
		s.tree.Delete(r)
		base = min(base, r.Base)
		end = max(end, r.End())
	}
	s.tree.ReplaceOrInsert(Region{Base: base, Size: uint64(end - base)})
}

// remove carves [base, end) out of the set.
func (s *regionSet) remove(base, end uintptr) {
	var hit []Region
	s.tree.DescendLessOrEqual(Region{Base: base}, func(r Region) bool {
		if r.End() > base {
			hit = append(hit, r)
		}
		return false
	})
	s.tree.AscendGreaterOrEqual(Region{Base: base}, func(r Region) bool {
		if r.Base >= end {
			return false
		}
		if r.Base != base || len(hit) == 0 || hit[0] != r {
			hit = append(hit, r)
		}
		return true
	})
	for _, r := range hit {
		s.tree.Delete(r)
		if r.Base < base {
			s.tree.ReplaceOrInsert(Region{Base: r.Base, Size: uint64(base - r.Base)})
		}
		if r.End() > end {
			s.tree.ReplaceOrInsert(Region{Base: end, Size: uint64(r.End() - end)})
		}
	}
}

func (s *regionSet) regions() []Region {
	rs := make([]Region, 0, s.tree.Len())
	s.tree.Ascend(func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

func (s *regionSet) overlaps(base, end uintptr) bool {
	found := false
	s.tree.DescendLessOrEqual(Region{Base: base}, func(r Region) bool {
		found = r.End() > base
		return false
	})
	if found {
		return true
	}
	s.tree.AscendGreaterOrEqual(Region{Base: base}, func(r Region) bool {
		found = r.Base < end
		return false
	})
	return found
}

func (s *regionSet) total() uint64 {
	var n uint64
	s.tree.Ascend(func(r Region) bool {
		n += r.Size
		return true
	})
	return n
}

// Memblock is the registry.
type Memblock struct {
	memory   regionSet
	reserved regionSet

	// limit bounds allocations from above.
	limit uintptr

	// direction is the allocation direction.
	direction Direction

	retired bool

	// trace logs allocations without flooding the log.
	trace *log.RateLimited
}

// New returns an empty registry that allocates top-down without limit.
func New() *Memblock {
	return &Memblock{
		memory:    newRegionSet(),
		reserved:  newRegionSet(),
		limit:     AllocAnywhere,
		direction: TopDown,
		trace:     log.BasicRateLimitedLogger(time.Second, 32),
	}
}

func checkRange(base uintptr, size uint64) (uintptr, error) {
	end, ok := riscv.Addr(base).AddLength(size)
	if size == 0 || !ok {
		return 0, fmt.Errorf("%w: [%#x, +%#x)", ErrInvalidRange, base, size)
	}
	return uintptr(end), nil
}

// AddMemory registers a memory bank.
func (m *Memblock) AddMemory(base uintptr, size uint64) error {
	end, err := checkRange(base, size)
	if err != nil {
		return err
	}
	m.memory.add(base, end)
	return nil
}

// RemoveMemory removes a range from the memory banks.
func (m *Memblock) RemoveMemory(base uintptr, size uint64) error {
	end, err := checkRange(base, size)
	if err != nil {
		return err
	}
	m.memory.remove(base, end)
	return nil
}

// Reserve marks a range as in use.
func (m *Memblock) Reserve(base uintptr, size uint64) error {
	end, err := checkRange(base, size)
	if err != nil {
		return err
	}
	m.reserved.add(base, end)
	m.trace.Debugf("memblock: reserve %v", Region{base, size})
	return nil
}

// IsReserved returns true if any byte of [base, base+size) is reserved.
func (m *Memblock) IsReserved(base uintptr, size uint64) bool {
	end, err := checkRange(base, size)
	if err != nil {
		return false
	}
	return m.reserved.overlaps(base, end)
}

// SetCurrentLimit bounds subsequent allocations to addresses below limit.
func (m *Memblock) SetCurrentLimit(limit uintptr) {
	m.limit = limit
}

// CurrentLimit returns the allocation limit.
func (m *Memblock) CurrentLimit() uintptr {
	return m.limit
}

// SetDirection sets the allocation direction.
func (m *Memblock) SetDirection(d Direction) {
	m.direction = d
}

// PhysAlloc reserves and returns a range of the given size and alignment.
//
// Precondition: align is a power of two.
func (m *Memblock) PhysAlloc(size uint64, align uint64) (uintptr, error) {
	if m.retired {
		return 0, ErrRetired
	}
	if size == 0 || !bits.IsPowerOfTwo(align) {
		return 0, fmt.Errorf("%w: size %#x align %#x", ErrInvalidRange, size, align)
	}
	free := m.freeRanges()
	pick := func(r Region) (uintptr, bool) {
		start, end := r.Base, min(r.End(), m.limit)
		if end <= start || uint64(end-start) < size {
			return 0, false
		}
		if m.direction == TopDown {
			cand := bits.AlignDown(end-uintptr(size), uintptr(align))
			return cand, cand >= start
		}
		cand, ok := bits.AlignUp(start, uintptr(align))
		return cand, ok && cand <= end-uintptr(size)
	}
	for i := range free {
		r := free[i]
		if m.direction == TopDown {
			r = free[len(free)-1-i]
		}
		if base, ok := pick(r); ok {
			m.reserved.add(base, base+uintptr(size))
			m.trace.Debugf("memblock: alloc %v align %#x", Region{base, size}, align)
			return base, nil
		}
	}
	return 0, fmt.Errorf("%w: size %#x align %#x below %#x", ErrNoMemory, size, align, m.limit)
}

// freeRanges returns memory minus reservations in ascending order.
func (m *Memblock) freeRanges() []Region {
	var free []Region
	reserved := m.reserved.regions()
	m.memory.tree.Ascend(func(r Region) bool {
		start, end := r.Base, r.End()
		for _, res := range reserved {
			if res.End() <= start || res.Base >= end {
				continue
			}
			if res.Base > start {
				free = append(free, Region{start, uint64(res.Base - start)})
			}
			start = max(start, res.End())
		}
		if start < end {
			free = append(free, Region{start, uint64(end - start)})
		}
		return true
	})
	return free
}

// ForEachMemRange calls fn for each memory bank in ascending order until fn
// returns false.
func (m *Memblock) ForEachMemRange(fn func(r Region) bool) {
	m.memory.tree.Ascend(btree.ItemIteratorG[Region](fn))
}

// ForEachFreeRange calls fn for each unreserved range of memory in
// ascending order until fn returns false.
func (m *Memblock) ForEachFreeRange(fn func(r Region) bool) {
	for _, r := range m.freeRanges() {
		if !fn(r) {
			return
		}
	}
}

// Memory returns the memory banks.
func (m *Memblock) Memory() []Region {
	return m.memory.regions()
}

// Reserved returns the reserved ranges.
func (m *Memblock) Reserved() []Region {
	return m.reserved.regions()
}

// StartOfDRAM returns the lowest memory address, or zero with no memory.
func (m *Memblock) StartOfDRAM() uintptr {
	r, ok := m.memory.tree.Min()
	if !ok {
		return 0
	}
	return r.Base
}

// EndOfDRAM returns the first address after the highest bank.
func (m *Memblock) EndOfDRAM() uintptr {
	r, ok := m.memory.tree.Max()
	if !ok {
		return 0
	}
	return r.End()
}

// PhysMemSize returns the total size of memory.
func (m *Memblock) PhysMemSize() uint64 {
	return m.memory.total()
}

// ReservedSize returns the total size of reservations.
func (m *Memblock) ReservedSize() uint64 {
	return m.reserved.total()
}

// EnforceMemoryLimit truncates memory so that at most limit bytes remain,
// dropping reservations above the new end as well.
func (m *Memblock) EnforceMemoryLimit(limit uint64) {
	if limit == 0 || m.PhysMemSize() <= limit {
		return
	}
	var maxAddr uintptr
	remaining := limit
	m.memory.tree.Ascend(func(r Region) bool {
		if r.Size >= remaining {
			maxAddr = r.Base + uintptr(remaining)
			return false
		}
		remaining -= r.Size
		return true
	})
	log.Infof("memblock: limiting memory to %#x bytes, ending at %#x", limit, maxAddr)
	m.memory.remove(maxAddr, AllocAnywhere)
	m.reserved.remove(maxAddr, AllocAnywhere)
}

// Retire hands every free range to fn and disables further allocation. It
// returns the number of bytes released.
func (m *Memblock) Retire(fn func(r Region)) uint64 {
	var released uint64
	for _, r := range m.freeRanges() {
		fn(r)
		released += r.Size
	}
	m.retired = true
	return released
}

// Dump logs the registry at debug level.
func (m *Memblock) Dump() {
	if !log.IsLogging(log.Debug) {
		return
	}
	log.Debugf("memblock: limit %#x", m.limit)
	for i, r := range m.Memory() {
		log.Debugf("memblock: memory[%d] %v", i, r)
	}
	for i, r := range m.Reserved() {
		log.Debugf("memblock: reserved[%d] %v", i, r)
	}
}
