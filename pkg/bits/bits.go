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

// Package bits contains helpers for bit masks and power-of-two alignment on
// addresses and page-table entries.
package bits

import (
	mbits "math/bits"
)

// Unsigned is the set of integer types the helpers operate on.
type Unsigned interface {
	~uint | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn[T Unsigned](mask, bits T) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn[T Unsigned](mask, bits T) bool {
	return mask&bits != 0
}

// Mask64 returns a uint64 with all of the given bits set.
func Mask64(is ...int) uint64 {
	ret := uint64(0)
	for _, i := range is {
		ret |= MaskOf64(i)
	}
	return ret
}

// MaskOf64 is like Mask64, but sets only a single bit.
func MaskOf64(i int) uint64 {
	return uint64(1) << uint64(i)
}

// Field returns the n-bit wide field of v starting at bit shift.
func Field(v uint64, shift, n int) uint64 {
	return (v >> uint(shift)) & (MaskOf64(n) - 1)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo[T Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// IsAligned returns true if v is a multiple of align.
//
// Precondition: align is a power of two.
func IsAligned[T Unsigned](v, align T) bool {
	return v&(align-1) == 0
}

// AlignDown rounds v down to a multiple of align.
//
// Precondition: align is a power of two.
func AlignDown[T Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align. ok is false if the result
// overflows.
//
// Precondition: align is a power of two.
func AlignUp[T Unsigned](v, align T) (T, bool) {
	r := (v + align - 1) &^ (align - 1)
	return r, r >= v
}

// TrailingZeros64 returns the number of trailing zero bits in x. For x == 0
// it returns 64.
func TrailingZeros64(x uint64) int {
	return mbits.TrailingZeros64(x)
}

// MostSignificantOne64 returns the index of the most significant 1 bit in x.
// If x is 0, it returns 64.
func MostSignificantOne64(x uint64) int {
	if x == 0 {
		return 64
	}
	return 63 - mbits.LeadingZeros64(x)
}

// ForEachSetBit64 calls f once for each set bit in x, with the bit index in
// increasing order.
func ForEachSetBit64(x uint64, f func(i int)) {
	for x != 0 {
		i := TrailingZeros64(x)
		f(i)
		x &^= MaskOf64(i)
	}
}

// SignExtend64 sign-extends the low n bits of v.
func SignExtend64(v uint64, n int) uint64 {
	shift := uint(64 - n)
	return uint64(int64(v<<shift) >> shift)
}
