// reader.go: Offline decoder for session files
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"bytes"
	"errors"
	"io"

	"github.com/spf13/afero"
)

const readChunk = 4096

// Reader decodes the records of one session file. It reads the header, sets up
// decryption when the header says the stream is encrypted, then yields packets
// in order.
//
// Next returns io.EOF at a clean end of file, ErrIncomplete when the file ends
// inside a packet (a torn write or a file still being written), and an error
// wrapping ErrMalformed for bytes that can never decode, which is also what a
// wrong key produces.
type Reader struct {
	src    io.Reader
	header FileHeader
	iv     []byte
	cipher *CipherStream

	buf []byte // plaintext not yet consumed, from pos
	pos int
	eof bool
	err error
}

// NewReader reads the header from r. key is required only for encrypted files.
func NewReader(r io.Reader, key []byte) (*Reader, error) {
	h, iv, err := ReadFileHeader(r)
	if err != nil {
		return nil, err
	}
	rd := &Reader{src: r, header: h, iv: iv}
	if h.Encrypted() {
		if rd.cipher, err = NewCipherStream(key, iv); err != nil {
			return nil, err
		}
	}
	return rd, nil
}

// Header returns the file header.
func (rd *Reader) Header() FileHeader { return rd.header }

// IV returns the IV of an encrypted file, nil otherwise.
func (rd *Reader) IV() []byte { return rd.iv }

// Next returns the next record. The payload is owned by the caller.
func (rd *Reader) Next() (Record, error) {
	if rd.err != nil {
		return Record{}, rd.err
	}
	for {
		rec, n, err := DecodePacket(rd.buf[rd.pos:])
		if err == nil {
			rd.pos += n
			rec.Payload = bytes.Clone(rec.Payload)
			return rec, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			rd.err = err
			return Record{}, err
		}
		if rd.eof {
			if rd.pos == len(rd.buf) {
				rd.err = io.EOF
			} else {
				rd.err = ErrIncomplete
			}
			return Record{}, rd.err
		}
		if err := rd.fill(); err != nil {
			rd.err = err
			return Record{}, err
		}
	}
}

// fill appends the next chunk of plaintext to the buffer.
func (rd *Reader) fill() error {
	if rd.pos > 0 {
		rd.buf = append(rd.buf[:0], rd.buf[rd.pos:]...)
		rd.pos = 0
	}
	start := len(rd.buf)
	rd.buf = append(rd.buf, make([]byte, readChunk)...)
	n, err := io.ReadFull(rd.src, rd.buf[start:])
	rd.buf = rd.buf[:start+n]
	if rd.cipher != nil {
		rd.cipher.Apply(rd.buf[start:])
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		rd.eof = true
		return nil
	default:
		return &StorageError{Op: "read", Err: err}
	}
}

// ReadFile decodes every record of the session file at path. On a torn or
// malformed tail it returns the records decoded so far together with the error.
func ReadFile(fs afero.Fs, path string, key []byte) ([]Record, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	rd, err := NewReader(f, key)
	if err != nil {
		return nil, err
	}
	var records []Record
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
