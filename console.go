// console.go: Plaintext console mirror of persisted records
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"bytes"
	"io"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
)

var levelStyles = [...]lipgloss.Style{
	LevelVerbose: lipgloss.NewStyle().Faint(true),
	LevelDebug:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	LevelWarn:    lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
	LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
}

// consoleMirror prints records as "<time> <LEVEL> [tag] payload". It runs on
// the writer goroutine and sees plaintext, before encryption.
type consoleMirror struct {
	out   io.Writer
	line  bytes.Buffer
	lines []int // end offset of each rendered record in line
}

func newConsoleMirror(out io.Writer) *consoleMirror {
	return &consoleMirror{out: out}
}

// render formats every packet in chunk into the pending output. chunk holds
// whole plaintext packets.
func (c *consoleMirror) render(chunk []byte) {
	c.line.Reset()
	c.lines = c.lines[:0]
	for len(chunk) > 0 {
		rec, n, err := DecodePacket(chunk)
		if err != nil {
			break
		}
		c.format(rec)
		c.lines = append(c.lines, c.line.Len())
		chunk = chunk[n:]
	}
}

// flush prints the pending output. Records are mirrored only once persisted.
func (c *consoleMirror) flush() {
	if c.line.Len() > 0 {
		_, _ = c.out.Write(c.line.Bytes()) // console is best effort
	}
	c.line.Reset()
}

// flushLines prints the first k rendered records and drops the rest. Used
// when a write persisted only part of a chunk.
func (c *consoleMirror) flushLines(k int) {
	if k > len(c.lines) {
		k = len(c.lines)
	}
	if k > 0 {
		_, _ = c.out.Write(c.line.Bytes()[:c.lines[k-1]]) // console is best effort
	}
	c.line.Reset()
}

func (c *consoleMirror) format(rec Record) {
	ts := time.UnixMicro(int64(rec.Timestamp)) // #nosec G115 -- timestamps are produced from time.Time
	c.line.WriteString(ts.Format("15:04:05.000"))
	c.line.WriteByte(' ')
	c.line.WriteString(levelStyles[rec.Level].Render(rec.Level.String()))
	c.line.WriteString(" [")
	c.line.WriteString(rec.Tag)
	c.line.WriteString("] ")
	if utf8.Valid(rec.Payload) {
		c.line.Write(bytes.TrimRight(rec.Payload, "\n"))
	} else {
		c.line.WriteString(strconv.Quote(string(rec.Payload)))
	}
	c.line.WriteByte('\n')
}
