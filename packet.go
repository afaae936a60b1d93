// packet.go: Binary packet codec for log records
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Level is the severity of a record. Values are part of the on-disk format.
type Level uint8

const (
	LevelVerbose Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"VERBOSE", "DEBUG", "INFO", "WARN", "ERROR"}

// String returns the upper-case level name.
func (l Level) String() string {
	if l.Valid() {
		return levelNames[l]
	}
	return fmt.Sprintf("LEVEL(%d)", uint8(l))
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l <= LevelError
}

// ParseLevel converts a case-insensitive level name ("info", "W", "error") to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "VERBOSE", "V", "TRACE":
		return LevelVerbose, nil
	case "DEBUG", "D":
		return LevelDebug, nil
	case "INFO", "I", "":
		return LevelInfo, nil
	case "WARN", "WARNING", "W":
		return LevelWarn, nil
	case "ERROR", "E":
		return LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Packet layout, format version 1. All integers are little-endian.
//
//	u16 length | u64 timestamp | u8 level | u8 tag_len | tag | u16 payload_len | payload
//
// length counts the whole packet including the length field itself.
const (
	packetLenSize     = 2
	packetFixedPrefix = packetLenSize + 8 + 1 + 1 // up to and including tag_len
	packetOverhead    = packetFixedPrefix + 2     // plus payload_len

	// MaxTagLen is the longest tag accepted by the encoder.
	MaxTagLen = 32
	// MaxPayloadLen is the longest payload accepted by the encoder.
	MaxPayloadLen = 1024
	// MaxPacketSize is the largest packet that can appear in a stream.
	MaxPacketSize = packetOverhead + MaxTagLen + MaxPayloadLen
	// MinPacketSize is the size of a packet with an empty tag and payload.
	MinPacketSize = packetOverhead
)

// Record is a single log entry. Timestamp is in unix microseconds.
type Record struct {
	Timestamp uint64
	Level     Level
	Tag       string
	Payload   []byte
}

// PacketSize returns the encoded size of r without encoding it.
func (r Record) PacketSize() int {
	return packetOverhead + len(r.Tag) + len(r.Payload)
}

func (r Record) validate() error {
	if !r.Level.Valid() {
		return &EncodeError{Field: "level", Size: int(r.Level), Limit: int(LevelError)}
	}
	if len(r.Tag) > MaxTagLen {
		return &EncodeError{Field: "tag", Size: len(r.Tag), Limit: MaxTagLen}
	}
	if len(r.Payload) > MaxPayloadLen {
		return &EncodeError{Field: "payload", Size: len(r.Payload), Limit: MaxPayloadLen}
	}
	return nil
}

// EncodePacket serializes r into a new packet.
func EncodePacket(r Record) ([]byte, error) {
	return AppendPacket(make([]byte, 0, r.PacketSize()), r)
}

// AppendPacket appends the packet encoding of r to dst. On error dst is returned unchanged.
func AppendPacket(dst []byte, r Record) ([]byte, error) {
	if err := r.validate(); err != nil {
		return dst, err
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(r.PacketSize())) // #nosec G115 -- bounded by MaxPacketSize
	dst = binary.LittleEndian.AppendUint64(dst, r.Timestamp)
	dst = append(dst, byte(r.Level), byte(len(r.Tag)))
	dst = append(dst, r.Tag...)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(r.Payload))) // #nosec G115 -- bounded by MaxPayloadLen
	dst = append(dst, r.Payload...)
	return dst, nil
}

// DecodePacket parses the packet at the start of b and returns the record and the
// number of bytes it occupied. The returned payload aliases b.
//
// ErrIncomplete means b ends inside a packet whose visible fields are consistent,
// so more bytes may complete it. ErrMalformed means no continuation can make the
// bytes a valid packet.
func DecodePacket(b []byte) (Record, int, error) {
	if len(b) < packetLenSize {
		return Record{}, 0, ErrIncomplete
	}
	length := int(binary.LittleEndian.Uint16(b))
	if length < MinPacketSize || length > MaxPacketSize {
		return Record{}, 0, fmt.Errorf("%w: packet length %d out of range", ErrMalformed, length)
	}

	if len(b) < packetFixedPrefix {
		return Record{}, 0, ErrIncomplete
	}
	level := Level(b[10])
	if !level.Valid() {
		return Record{}, 0, fmt.Errorf("%w: invalid level %d", ErrMalformed, level)
	}
	tagLen := int(b[11])
	if tagLen > MaxTagLen {
		return Record{}, 0, fmt.Errorf("%w: tag length %d exceeds %d", ErrMalformed, tagLen, MaxTagLen)
	}
	if packetOverhead+tagLen > length {
		return Record{}, 0, fmt.Errorf("%w: tag length %d does not fit packet length %d", ErrMalformed, tagLen, length)
	}

	payloadLenAt := packetFixedPrefix + tagLen
	if len(b) < payloadLenAt+2 {
		return Record{}, 0, ErrIncomplete
	}
	payloadLen := int(binary.LittleEndian.Uint16(b[payloadLenAt:]))
	if payloadLen > MaxPayloadLen || packetOverhead+tagLen+payloadLen != length {
		return Record{}, 0, fmt.Errorf("%w: payload length %d inconsistent with packet length %d", ErrMalformed, payloadLen, length)
	}
	if len(b) < length {
		return Record{}, 0, ErrIncomplete
	}

	rec := Record{
		Timestamp: binary.LittleEndian.Uint64(b[packetLenSize:]),
		Level:     level,
		Tag:       string(b[packetFixedPrefix:payloadLenAt]),
		Payload:   b[payloadLenAt+2 : length],
	}
	return rec, length, nil
}

// packetLength reads the length prefix of a packet known to be well formed.
func packetLength(b []byte) int {
	return int(binary.LittleEndian.Uint16(b))
}
