// header.go: Fixed 48-byte file header
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// File header layout, format version 1, little-endian:
//
//	0  magic "ULog"
//	4  version u8
//	5  flags u8 (bit0: packet stream encrypted)
//	6  header size u16 (48)
//	8  device id [16]
//	24 created at i64, unix microseconds
//	32 sequence u32
//	36 reserved, zero
const (
	HeaderSize    = 48
	IVSize        = 16
	KeySize       = 32
	FormatVersion = 1

	FlagEncrypted uint8 = 1 << 0
)

var headerMagic = [4]byte{'U', 'L', 'o', 'g'}

// FileHeader is the plaintext header at offset 0 of every log file.
type FileHeader struct {
	Version   uint8
	Flags     uint8
	DeviceID  uuid.UUID
	CreatedAt int64
	Sequence  uint32
}

// Encrypted reports whether the packet stream after the header is encrypted.
func (h FileHeader) Encrypted() bool {
	return h.Flags&FlagEncrypted != 0
}

// DataOffset is the offset of the first packet.
func (h FileHeader) DataOffset() int64 {
	if h.Encrypted() {
		return HeaderSize + IVSize
	}
	return HeaderSize
}

// MarshalBinary encodes h into its fixed 48-byte form.
func (h FileHeader) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	copy(b[0:4], headerMagic[:])
	b[4] = h.Version
	b[5] = h.Flags
	binary.LittleEndian.PutUint16(b[6:], HeaderSize)
	copy(b[8:24], h.DeviceID[:])
	binary.LittleEndian.PutUint64(b[24:], uint64(h.CreatedAt)) // #nosec G115 -- two's complement round trip
	binary.LittleEndian.PutUint32(b[32:], h.Sequence)
	return b, nil
}

// UnmarshalBinary decodes a header, rejecting unknown magic, versions and sizes.
func (h *FileHeader) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: %d bytes, need %d", ErrBadHeader, len(b), HeaderSize)
	}
	if [4]byte(b[0:4]) != headerMagic {
		return fmt.Errorf("%w: magic %q", ErrBadHeader, b[0:4])
	}
	if b[4] != FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadHeader, b[4])
	}
	if size := binary.LittleEndian.Uint16(b[6:]); size != HeaderSize {
		return fmt.Errorf("%w: header size %d", ErrBadHeader, size)
	}
	h.Version = b[4]
	h.Flags = b[5]
	copy(h.DeviceID[:], b[8:24])
	h.CreatedAt = int64(binary.LittleEndian.Uint64(b[24:])) // #nosec G115 -- two's complement round trip
	h.Sequence = binary.LittleEndian.Uint32(b[32:])
	return nil
}

// ReadFileHeader reads a header and, when the encrypted flag is set, the IV after it.
func ReadFileHeader(r io.Reader) (FileHeader, []byte, error) {
	var h FileHeader
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if err := h.UnmarshalBinary(buf); err != nil {
		return h, nil, err
	}
	if !h.Encrypted() {
		return h, nil, nil
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return h, nil, fmt.Errorf("%w: missing IV: %v", ErrBadHeader, err)
	}
	return h, iv, nil
}
