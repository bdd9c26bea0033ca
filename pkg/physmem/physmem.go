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

// Package physmem provides the physical address space of a simulated
// machine. Each bank is backed by an anonymous host mapping so that large
// DRAM sizes cost nothing until touched.
package physmem

import (
	"errors"
	"fmt"
	"sort"

	"bootvm.dev/bootvm/pkg/cleanup"
	"bootvm.dev/bootvm/pkg/log"
	"bootvm.dev/bootvm/pkg/riscv"
	"golang.org/x/sys/unix"
)

// ErrBadAddress is returned for physical addresses outside every bank.
var ErrBadAddress = errors.New("physical address not backed by any bank")

// Kind is the type of a bank.
type Kind int

const (
	// RAM is ordinary read-write memory.
	RAM Kind = iota

	// Flash is memory-mapped non-volatile storage holding an
	// execute-in-place kernel. It is only written by the loader.
	Flash
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case RAM:
		return "ram"
	case Flash:
		return "flash"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Region describes one physical bank.
type Region struct {
	Base uintptr
	Size uint64
	Kind Kind
}

// Range returns the physical address range covered by r.
func (r Region) Range() riscv.AddrRange {
	return riscv.AddrRange{Start: riscv.Addr(r.Base), End: riscv.Addr(r.Base + uintptr(r.Size))}
}

type bank struct {
	Region
	data []byte
}

// Memory is a set of non-overlapping physical banks.
type Memory struct {
	banks []bank
}

// New maps a host arena for each region.
//
// Preconditions: regions are page aligned, non-empty and do not overlap.
func New(regions ...Region) (*Memory, error) {
	sorted := append([]Region(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	m := &Memory{}
	cu := cleanup.Make(m.Release)
	defer cu.Clean()

	for i, r := range sorted {
		if r.Size == 0 || !riscv.Addr(r.Base).IsPageAligned() || r.Size%riscv.PageSize != 0 {
			return nil, fmt.Errorf("bank %d [%#x, +%#x) is not page aligned", i, r.Base, r.Size)
		}
		if _, ok := riscv.Addr(r.Base).AddLength(r.Size); !ok {
			return nil, fmt.Errorf("bank %d [%#x, +%#x) overflows", i, r.Base, r.Size)
		}
		if i > 0 && sorted[i-1].Range().Overlaps(r.Range()) {
			return nil, fmt.Errorf("bank %v overlaps %v", r.Range(), sorted[i-1].Range())
		}
		data, err := unix.Mmap(-1, 0, int(r.Size),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
		if err != nil {
			return nil, fmt.Errorf("mapping %s bank %v: %w", r.Kind, r.Range(), err)
		}
		m.banks = append(m.banks, bank{Region: r, data: data})
		log.Debugf("physmem: %s bank %v", r.Kind, r.Range())
	}

	cu.Release()
	return m, nil
}

// Release unmaps every bank. The Memory must not be used afterwards.
func (m *Memory) Release() {
	for _, b := range m.banks {
		if err := unix.Munmap(b.data); err != nil {
			log.Warningf("physmem: munmap %v: %v", b.Range(), err)
		}
	}
	m.banks = nil
}

// Regions returns the banks in ascending address order.
func (m *Memory) Regions() []Region {
	rs := make([]Region, 0, len(m.banks))
	for _, b := range m.banks {
		rs = append(rs, b.Region)
	}
	return rs
}

// find returns the bank containing [pa, pa+length).
func (m *Memory) find(pa uintptr, length uint64) (*bank, error) {
	ar, ok := riscv.Addr(pa).ToRange(length)
	if !ok {
		return nil, fmt.Errorf("%w: [%#x, +%#x) overflows", ErrBadAddress, pa, length)
	}
	i := sort.Search(len(m.banks), func(i int) bool {
		return m.banks[i].Range().End > ar.Start
	})
	if i == len(m.banks) || !m.banks[i].Range().IsSupersetOf(ar) {
		return nil, fmt.Errorf("%w: %v", ErrBadAddress, ar)
	}
	return &m.banks[i], nil
}

// Contains returns true if [pa, pa+length) lies within a single bank.
func (m *Memory) Contains(pa uintptr, length uint64) bool {
	_, err := m.find(pa, length)
	return err == nil
}

// KindOf returns the kind of the bank holding pa.
func (m *Memory) KindOf(pa uintptr) (Kind, error) {
	b, err := m.find(pa, 1)
	if err != nil {
		return 0, err
	}
	return b.Kind, nil
}

// Slice returns the host view of [pa, pa+length).
func (m *Memory) Slice(pa uintptr, length uint64) ([]byte, error) {
	b, err := m.find(pa, length)
	if err != nil {
		return nil, err
	}
	off := uint64(pa - b.Base)
	return b.data[off : off+length : off+length], nil
}

// Page returns the host view of the page containing pa.
func (m *Memory) Page(pa uintptr) ([]byte, error) {
	return m.Slice(uintptr(riscv.Addr(pa).RoundDown()), riscv.PageSize)
}

// ReadAt implements io.ReaderAt.ReadAt over the physical address space.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	src, err := m.Slice(uintptr(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt implements io.WriterAt.WriteAt over the physical address space.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	dst, err := m.Slice(uintptr(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// Zero clears [pa, pa+length).
func (m *Memory) Zero(pa uintptr, length uint64) error {
	dst, err := m.Slice(pa, length)
	if err != nil {
		return err
	}
	clear(dst)
	return nil
}
