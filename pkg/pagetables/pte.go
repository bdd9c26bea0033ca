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
	"strings"

	"bootvm.dev/bootvm/pkg/bits"
	"bootvm.dev/bootvm/pkg/riscv"
)

// Prot is the attribute field of a page table entry.
type Prot uint64

// Attribute bits.
const (
	Valid    Prot = 1 << 0
	Read     Prot = 1 << 1
	Write    Prot = 1 << 2
	Execute  Prot = 1 << 3
	User     Prot = 1 << 4
	Global   Prot = 1 << 5
	Accessed Prot = 1 << 6
	Dirty    Prot = 1 << 7

	// pbmtShift is the position of the Svpbmt memory type field.
	pbmtShift = 61
	pbmtMask  = Prot(3) << pbmtShift

	// rwx is the leaf discriminant.
	rwx = Read | Write | Execute

	// protMask covers every bit that is not part of the frame number.
	protMask = Prot(0xff) | pbmtMask
)

// Common attribute sets.
const (
	// PageTable marks a pointer to the next level table.
	PageTable = Valid

	// PageKernel is kernel read-write data.
	PageKernel = Valid | Read | Write | Global | Accessed | Dirty

	// PageKernelExec is kernel read-write-execute text.
	PageKernelExec = PageKernel | Execute

	// PageKernelReadOnly is kernel read-only data.
	PageKernelReadOnly = Valid | Read | Global | Accessed

	// PageKernelReadExec is kernel read-only text.
	PageKernelReadExec = PageKernelReadOnly | Execute

	// PageKernelIO is kernel read-write device memory.
	PageKernelIO = PageKernel | Prot(2)<<pbmtShift
)

// ProtFor returns kernel attributes for the given access and memory type.
// NoAccess yields zero, which unbinds when used with the fixmap.
func ProtFor(at riscv.AccessType, mt riscv.MemoryType) Prot {
	if !at.Any() {
		return 0
	}
	p := Valid | Global | Accessed
	if at.Read {
		p |= Read
	}
	if at.Write {
		p |= Write | Dirty
	}
	if at.Execute {
		p |= Execute
	}
	return p | Prot(mt.PBMT())<<pbmtShift
}

// AccessType returns the permissions granted by p.
func (p Prot) AccessType() riscv.AccessType {
	return riscv.AccessType{
		Read:    p&Read != 0,
		Write:   p&Write != 0,
		Execute: p&Execute != 0,
	}
}

// MemoryType returns the Svpbmt memory type encoded in p.
func (p Prot) MemoryType() riscv.MemoryType {
	return riscv.MemoryTypeFromPBMT(uint64(p&pbmtMask) >> pbmtShift)
}

// String returns the attributes in the order DAGUXWRV.
func (p Prot) String() string {
	var b strings.Builder
	for i, c := range "DAGUXWRV" {
		if p&(1<<(7-i)) != 0 {
			b.WriteRune(c)
		} else {
			b.WriteByte('-')
		}
	}
	if mt := p.MemoryType(); mt != riscv.MemoryTypeWriteBack {
		b.WriteByte(' ')
		b.WriteString(mt.ShortString())
	}
	return b.String()
}

const (
	pfnShift = 10
	pfnBits  = 44
)

// PTE is a page table entry.
//
// An entry is empty (zero), a pointer to the next level table (valid with
// none of R, W or X set) or a leaf (valid with at least one of R, W or X).
type PTE uint64

// Encode returns the entry for the given frame number and attributes.
func Encode(pfn uint64, prot Prot) PTE {
	return PTE(pfn&(bits.MaskOf64(pfnBits)-1))<<pfnShift | PTE(prot&protMask)
}

// Valid returns true if the entry is present.
func (p PTE) Valid() bool {
	return Prot(p)&Valid != 0
}

// Empty returns true if the entry is all zero.
func (p PTE) Empty() bool {
	return p == 0
}

// IsLeaf returns true if the entry terminates translation.
func (p PTE) IsLeaf() bool {
	return p.Valid() && Prot(p)&rwx != 0
}

// IsPointer returns true if the entry references a next level table.
func (p PTE) IsPointer() bool {
	return p.Valid() && Prot(p)&rwx == 0
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Set sets the entry to reference the page at physical with the given
// attributes.
func (p *PTE) Set(physical uintptr, prot Prot) {
	*p = Encode(riscv.Addr(physical).PFN(), prot)
}

// PFN returns the frame number field.
func (p PTE) PFN() uint64 {
	return bits.Field(uint64(p), pfnShift, pfnBits)
}

// Address returns the physical address referenced by the entry.
func (p PTE) Address() uintptr {
	return uintptr(p.PFN() << riscv.PageShift)
}

// Prot returns the attribute field.
func (p PTE) Prot() Prot {
	return Prot(p) & protMask
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	switch {
	case p.Empty():
		return "empty"
	case p.IsPointer():
		return fmt.Sprintf("table@%#x", p.Address())
	default:
		return fmt.Sprintf("%#x %v", p.Address(), p.Prot())
	}
}

// PTEs is a collection of entries.
type PTEs [riscv.EntriesPerTable]PTE
