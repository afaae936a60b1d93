// session.go: One open output file and the naming scheme of the file sequence
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// FileExt is the extension of session files.
const FileExt = ".ulg"

// SessionName returns the file name for sequence seq: <prefix>_<seq %06d>.ulg
func SessionName(prefix string, seq uint32) string {
	return fmt.Sprintf("%s_%06d%s", prefix, seq, FileExt)
}

// parseSessionName extracts the sequence number from a session file name.
func parseSessionName(prefix, name string) (uint32, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"_")
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, FileExt)
	if !ok || len(digits) < 6 {
		return 0, false
	}
	seq, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(seq), true
}

// SessionFile describes one file of the sequence on storage.
type SessionFile struct {
	Path     string
	Sequence uint32
	Size     int64
}

// ListFiles returns the session files for prefix under root, oldest sequence first.
// A missing root directory yields an empty list.
func ListFiles(fs afero.Fs, root, prefix string) ([]SessionFile, error) {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: root, Err: err}
	}
	var files []SessionFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := parseSessionName(prefix, e.Name())
		if !ok {
			continue
		}
		files = append(files, SessionFile{
			Path:     filepath.Join(root, e.Name()),
			Sequence: seq,
			Size:     e.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Sequence < files[j].Sequence
	})
	return files, nil
}

// nextSequence returns the first sequence number after every existing file,
// so a restart never reuses a number.
func nextSequence(fs afero.Fs, root, prefix string) (uint32, error) {
	files, err := ListFiles(fs, root, prefix)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 1, nil
	}
	return files[len(files)-1].Sequence + 1, nil
}

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionRotationPending
	sessionClosed
)

func (s sessionState) String() string {
	switch s {
	case sessionOpen:
		return "open"
	case sessionRotationPending:
		return "rotation_pending"
	case sessionClosed:
		return "closed"
	}
	return "unknown"
}

// fileSession owns one open output file. Only the writer goroutine touches it.
type fileSession struct {
	path         string
	sequence     uint32
	file         afero.File
	cipher       *CipherStream
	bytesWritten int64
	limit        int64
	state        sessionState
}

// sessionParams is the part of the logger configuration a session needs.
type sessionParams struct {
	fs       afero.Fs
	root     string
	prefix   string
	limit    int64
	fileMode os.FileMode
	encrypt  bool
	key      []byte
	deviceID uuid.UUID
	now      func() int64 // unix microseconds
}

// openSession creates the file for seq and writes the header and, when
// encrypting, a fresh IV. The file must not exist yet.
func openSession(p *sessionParams, seq uint32) (*fileSession, error) {
	path := filepath.Join(p.root, SessionName(p.prefix, seq))

	hdr := FileHeader{
		Version:   FormatVersion,
		DeviceID:  p.deviceID,
		CreatedAt: p.now(),
		Sequence:  seq,
	}
	var iv []byte
	var stream *CipherStream
	if p.encrypt {
		var err error
		if iv, err = NewIV(); err != nil {
			return nil, &StorageError{Op: "iv", Path: path, Err: err}
		}
		if stream, err = NewCipherStream(p.key, iv); err != nil {
			return nil, err
		}
		hdr.Flags |= FlagEncrypted
	}
	prologue, _ := hdr.MarshalBinary()
	prologue = append(prologue, iv...)

	if err := p.fs.MkdirAll(p.root, 0750); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: p.root, Err: err}
	}
	file, err := p.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, p.fileMode)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	if _, err := file.Write(prologue); err != nil {
		_ = file.Close() // Ignore close error during cleanup
		return nil, &StorageError{Op: "write_header", Path: path, Err: err}
	}

	return &fileSession{
		path:         path,
		sequence:     seq,
		file:         file,
		cipher:       stream,
		bytesWritten: int64(len(prologue)),
		limit:        p.limit,
		state:        sessionOpen,
	}, nil
}

// fits reports whether n more bytes can go into this file. An empty file
// accepts any packet the logger let through, which is bounded by the limit.
func (s *fileSession) fits(n int) bool {
	return s.bytesWritten+int64(n) <= s.limit
}

// empty reports whether no packet has been written yet.
func (s *fileSession) empty() bool {
	hdr := int64(HeaderSize)
	if s.cipher != nil {
		hdr += IVSize
	}
	return s.bytesWritten == hdr
}

// append encrypts chunk in place when the session is encrypted and writes it.
// chunk must consist of whole packets. After a failed write the file tail may
// be torn and the session must not be written again.
func (s *fileSession) append(chunk []byte) (int, error) {
	if s.cipher != nil {
		s.cipher.Apply(chunk)
	}
	n, err := s.file.Write(chunk)
	if n > 0 {
		s.bytesWritten += int64(n)
	}
	if err != nil {
		return n, &StorageError{Op: "write", Path: s.path, Err: err}
	}
	if s.bytesWritten >= s.limit {
		s.state = sessionRotationPending
	}
	return n, nil
}

// close syncs and closes the file. Safe to call more than once.
func (s *fileSession) close() error {
	if s.state == sessionClosed {
		return nil
	}
	s.state = sessionClosed
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	if syncErr != nil {
		return &StorageError{Op: "sync", Path: s.path, Err: syncErr}
	}
	if closeErr != nil {
		return &StorageError{Op: "close", Path: s.path, Err: closeErr}
	}
	return nil
}
