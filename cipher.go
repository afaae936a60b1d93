// cipher.go: AES-256-CTR keystream over the packet stream of one file
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// CipherStream produces the AES-256-CTR keystream for one file and XORs it into
// buffers. Encryption and decryption are the same operation.
//
// The counter block starts at the IV and is incremented as a 128-bit big-endian
// integer, so the output is identical to cipher.NewCTR over the same key and IV.
// Unlike cipher.Stream it tracks its byte offset and can be repositioned.
//
// A CipherStream is not safe for concurrent use; it belongs to the writer.
type CipherStream struct {
	block   cipher.Block
	iv      [aes.BlockSize]byte
	counter [aes.BlockSize]byte
	ks      [aes.BlockSize]byte
	used    int // keystream bytes of ks already consumed
	offset  uint64
}

// NewCipherStream returns a stream positioned at offset 0. key must be 32 bytes
// and iv 16 bytes.
func NewCipherStream(key, iv []byte) (*CipherStream, error) {
	if len(key) != KeySize {
		return nil, &ConfigError{Field: "key", Reason: fmt.Sprintf("must be %d bytes, got %d", KeySize, len(key))}
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("ulog: IV must be %d bytes, got %d", IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	s := &CipherStream{block: block}
	copy(s.iv[:], iv)
	s.Seek(0)
	return s, nil
}

// Apply XORs the keystream into buf in place and advances the stream by len(buf).
func (s *CipherStream) Apply(buf []byte) {
	s.XORKeyStream(buf, buf)
}

// XORKeyStream XORs src with the keystream into dst. dst must be at least as long
// as src; they may overlap entirely or not at all.
func (s *CipherStream) XORKeyStream(dst, src []byte) {
	for len(src) > 0 {
		if s.used == aes.BlockSize {
			s.refill()
		}
		n := len(src)
		if avail := aes.BlockSize - s.used; n > avail {
			n = avail
		}
		for i := 0; i < n; i++ {
			dst[i] = src[i] ^ s.ks[s.used+i]
		}
		s.used += n
		s.offset += uint64(n) // #nosec G115 -- n is at most aes.BlockSize
		dst = dst[n:]
		src = src[n:]
	}
}

// Offset is the number of keystream bytes consumed since the IV.
func (s *CipherStream) Offset() uint64 {
	return s.offset
}

// Seek positions the keystream at byte offset off of the stream.
func (s *CipherStream) Seek(off uint64) {
	s.counter = s.iv
	addCounter(&s.counter, off/aes.BlockSize)
	s.block.Encrypt(s.ks[:], s.counter[:])
	incCounter(&s.counter)
	s.used = int(off % aes.BlockSize)
	s.offset = off
}

func (s *CipherStream) refill() {
	s.block.Encrypt(s.ks[:], s.counter[:])
	incCounter(&s.counter)
	s.used = 0
}

func incCounter(c *[aes.BlockSize]byte) {
	for i := aes.BlockSize - 1; i >= 0; i-- {
		c[i]++
		if c[i] != 0 {
			return
		}
	}
}

// addCounter adds n to the 128-bit big-endian counter c.
func addCounter(c *[aes.BlockSize]byte, n uint64) {
	lo := binary.BigEndian.Uint64(c[8:])
	hi := binary.BigEndian.Uint64(c[:8])
	sum := lo + n
	if sum < lo {
		hi++
	}
	binary.BigEndian.PutUint64(c[8:], sum)
	binary.BigEndian.PutUint64(c[:8], hi)
}

// NewIV returns 16 bytes from the system CSPRNG.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("ulog: generate IV: %w", err)
	}
	return iv, nil
}
