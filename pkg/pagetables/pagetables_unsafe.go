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
	"unsafe"

	"bootvm.dev/bootvm/pkg/riscv"
)

// TableAt returns the table stored in page.
//
// Preconditions: page is exactly one page long and 8-byte aligned.
func TableAt(page []byte) *PTEs {
	if len(page) != riscv.PageSize {
		panic(fmt.Sprintf("table view of %d bytes", len(page)))
	}
	if uintptr(unsafe.Pointer(&page[0]))%riscv.PTESize != 0 {
		panic("misaligned table view")
	}
	return (*PTEs)(unsafe.Pointer(&page[0]))
}
