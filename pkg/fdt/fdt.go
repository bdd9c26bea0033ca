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

// Package fdt reads and writes the header of a flattened device tree blob.
// Only the fields needed to locate and size the blob are interpreted.
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic is the first word of every blob.
	Magic = 0xd00dfeed

	// HeaderSize is the size of the encoded header.
	HeaderSize = 40

	// Version is the format version written by NewHeader.
	Version = 17

	// LastCompatibleVersion is the oldest version a Version blob is
	// compatible with.
	LastCompatibleVersion = 16

	// rsvmapEntrySize is the size of the terminating reservation entry.
	rsvmapEntrySize = 16

	// endToken terminates the structure block.
	endToken = 9
)

var (
	// ErrBadMagic is returned when a blob does not start with Magic.
	ErrBadMagic = errors.New("fdt: bad magic")

	// ErrTruncated is returned when a blob is shorter than its header
	// claims.
	ErrTruncated = errors.New("fdt: truncated")
)

// Header is the blob header. All fields are big-endian on the wire.
type Header struct {
	Magic           uint32
	TotalSize       uint32
	OffDtStruct     uint32
	OffDtStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeDtStrings   uint32
	SizeDtStruct    uint32
}

// NewHeader returns the header of an empty tree padded to totalSize bytes.
//
// Precondition: totalSize >= MinSize.
func NewHeader(totalSize uint32) Header {
	rsvmap := uint32(HeaderSize)
	structOff := rsvmap + rsvmapEntrySize
	return Header{
		Magic:           Magic,
		TotalSize:       totalSize,
		OffMemRsvmap:    rsvmap,
		OffDtStruct:     structOff,
		SizeDtStruct:    4,
		OffDtStrings:    structOff + 4,
		Version:         Version,
		LastCompVersion: LastCompatibleVersion,
	}
}

// MinSize is the size of the smallest blob NewHeader describes.
const MinSize = HeaderSize + rsvmapEntrySize + 4

// Validate checks the header against the blob length.
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	if h.TotalSize < HeaderSize {
		return fmt.Errorf("%w: total size %d smaller than header", ErrTruncated, h.TotalSize)
	}
	for _, end := range []uint64{
		uint64(h.OffDtStruct) + uint64(h.SizeDtStruct),
		uint64(h.OffDtStrings) + uint64(h.SizeDtStrings),
		uint64(h.OffMemRsvmap),
	} {
		if end > uint64(h.TotalSize) {
			return fmt.Errorf("%w: block ends at %d beyond total size %d", ErrTruncated, end, h.TotalSize)
		}
	}
	return nil
}

// Decode parses a header from the start of b.
func Decode(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.BigEndian, &h); err != nil {
		return h, fmt.Errorf("fdt: decoding header: %w", err)
	}
	if err := h.Validate(); err != nil {
		return h, err
	}
	return h, nil
}

// ReadTotalSize returns the total size of the blob whose header is at the
// start of b.
func ReadTotalSize(b []byte) (uint32, error) {
	h, err := Decode(b)
	if err != nil {
		return 0, err
	}
	return h.TotalSize, nil
}

// WriteHeader writes h and an empty tree at off, zero filling the rest of
// the blob.
func WriteHeader(w io.WriterAt, off int64, h Header) error {
	if err := h.Validate(); err != nil {
		return err
	}
	buf := bytes.NewBuffer(make([]byte, 0, h.TotalSize))
	if err := binary.Write(buf, binary.BigEndian, &h); err != nil {
		return fmt.Errorf("fdt: encoding header: %w", err)
	}
	blob := make([]byte, h.TotalSize)
	copy(blob, buf.Bytes())
	if h.SizeDtStruct >= 4 {
		binary.BigEndian.PutUint32(blob[h.OffDtStruct:], endToken)
	}
	if _, err := w.WriteAt(blob, off); err != nil {
		return fmt.Errorf("fdt: writing blob at %#x: %w", off, err)
	}
	return nil
}
