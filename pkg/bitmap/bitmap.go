// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap indexed by frame number.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-size set of bits.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint64

	// size is the number of valid bits.
	size uint64

	// bitBlock holds the bits, 64 per word.
	bitBlock []uint64
}

// New creates a bitmap of size bits, all clear.
func New(size uint64) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// NewFull creates a bitmap of size bits, all set.
func NewFull(size uint64) Bitmap {
	b := New(size)
	if size > 0 {
		b.SetRange(0, size)
	}
	return b
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint64 {
	return b.numOnes
}

func (b *Bitmap) check(i uint64) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint64) bool {
	b.check(i)
	return b.bitBlock[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i and reports whether it was previously clear.
func (b *Bitmap) Add(i uint64) bool {
	b.check(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		return false
	}
	b.bitBlock[blockNum] |= mask
	b.numOnes++
	return true
}

// Remove clears bit i and reports whether it was previously set.
func (b *Bitmap) Remove(i uint64) bool {
	b.check(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		return false
	}
	b.bitBlock[blockNum] &^= mask
	b.numOnes--
	return true
}

// rangeMask returns the mask of bits [begin, end) within one word, where
// begin and end are word-relative and end may be 64.
func rangeMask(begin, end uint64) uint64 {
	if end == 64 {
		return ^uint64(0) << begin
	}
	return (uint64(1)<<end - 1) &^ (uint64(1)<<begin - 1)
}

// forRange calls fn for each word overlapping [begin, end) with the mask of
// bits in range.
func (b *Bitmap) forRange(begin, end uint64, fn func(word int, mask uint64)) {
	if begin > end || end > b.size {
		panic(fmt.Sprintf("range [%d, %d) out of range [0, %d)", begin, end, b.size))
	}
	for begin < end {
		word := begin / 64
		stop := min(end, (word+1)*64)
		fn(int(word), rangeMask(begin%64, stop-word*64))
		begin = stop
	}
}

// SetRange sets bits [begin, end).
func (b *Bitmap) SetRange(begin, end uint64) {
	b.forRange(begin, end, func(word int, mask uint64) {
		b.numOnes += uint64(bits.OnesCount64(mask &^ b.bitBlock[word]))
		b.bitBlock[word] |= mask
	})
}

// ClearRange clears bits [begin, end).
func (b *Bitmap) ClearRange(begin, end uint64) {
	b.forRange(begin, end, func(word int, mask uint64) {
		b.numOnes -= uint64(bits.OnesCount64(mask & b.bitBlock[word]))
		b.bitBlock[word] &^= mask
	})
}

// FirstZero returns the first clear bit at or after start.
func (b *Bitmap) FirstZero(start uint64) (uint64, bool) {
	if start >= b.size {
		return 0, false
	}
	i := start / 64
	w := b.bitBlock[i] | (uint64(1)<<(start%64) - 1)
	for {
		if w != ^uint64(0) {
			r := i*64 + uint64(bits.TrailingZeros64(^w))
			return r, r < b.size
		}
		i++
		if i == uint64(len(b.bitBlock)) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstOne returns the first set bit at or after start.
func (b *Bitmap) FirstOne(start uint64) (uint64, bool) {
	if start >= b.size {
		return 0, false
	}
	i := start / 64
	w := b.bitBlock[i] &^ (uint64(1)<<(start%64) - 1)
	for {
		if w != 0 {
			return i*64 + uint64(bits.TrailingZeros64(w)), true
		}
		i++
		if i == uint64(len(b.bitBlock)) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}
