// ulog.go: Public API - Black-box binary logger
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// Logger persists binary records to a sequence of size-limited files.
//
// Any number of goroutines may call Log concurrently. Log never blocks: the
// record is encoded and copied into a fixed ring buffer, or dropped and counted
// when the buffer is full. A single writer goroutine drains the buffer,
// encrypts when configured, and rotates files at packet boundaries.
//
// Basic usage example:
//
//	cfg := ulog.DefaultConfig("/data/logs")
//	cfg.FileSizeLimitStr = "4MB"
//	logger, err := ulog.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	logger.Log(ulog.LevelInfo, "GPS", []byte("fix acquired"))
//
// Multiple loggers are independent; they only must not share a RootPath and
// Prefix pair.
type Logger struct {
	cfg    *resolved
	diag   Diagnostics
	ring   *ringBuffer
	pool   *packetPool
	writer *writer

	workers   *backgroundWorkers
	timeCache *timecache.TimeCache
	clock     func() time.Time

	minLevel      atomic.Uint32
	consoleMirror atomic.Bool
	closing       atomic.Bool
	closeOnce     sync.Once
	closeErr      error

	// Counters
	logged       atomic.Uint64
	dropped      atomic.Uint64
	rejected     atomic.Uint64
	encodeErrors atomic.Uint64
	bytesWritten atomic.Uint64
	filesCreated atomic.Uint64
	rotations    atomic.Uint64
	writeErrors  atomic.Uint64
	retries      atomic.Uint64
	lostBytes    atomic.Uint64
	sequence     atomic.Uint32
	degraded     atomic.Bool
}

// packetPoolSize bounds the encode buffers kept around for producers.
const packetPoolSize = 32

// New validates cfg, opens the first session file and starts the writer.
//
// Invalid configuration returns a *ConfigError (errors.Is(err, ErrConfig)).
// Storage problems do not fail New: the logger starts degraded and keeps
// retrying on every flush interval, buffering records meanwhile.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		return nil, &ConfigError{Field: "config", Reason: "cannot be nil"}
	}
	r, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	l := &Logger{
		cfg:  r,
		diag: r.Diagnostics,
		ring: newRingBuffer(r.BufferSize),
		pool: newPacketPool(packetPoolSize, MaxPacketSize),
	}
	l.minLevel.Store(uint32(r.MinLevel))
	l.consoleMirror.Store(r.ConsoleMirror)

	if r.Clock != nil {
		l.clock = r.Clock
	} else {
		l.timeCache = timecache.NewWithResolution(time.Millisecond)
		l.clock = l.timeCache.CachedTime
	}

	seq, err := nextSequence(r.Fs, r.RootPath, r.Prefix)
	if err != nil {
		// Exclusive create still guarantees no file is overwritten.
		l.diag.Warn("msg", "Cannot scan existing session files", "root", r.RootPath, "error", err)
		seq = 1
	}

	l.workers = newBackgroundWorkers(1, r, func(op string, err error) {
		l.reportError(op, err)
		l.diag.Warn("msg", "Background task failed", "operation", op, "error", err)
	})

	params := &sessionParams{
		fs:       r.Fs,
		root:     r.RootPath,
		prefix:   r.Prefix,
		limit:    r.FileSizeLimit,
		fileMode: r.FileMode,
		encrypt:  r.Encrypt,
		key:      r.Key,
		deviceID: r.deviceID,
		now:      func() int64 { return l.clock().UnixMicro() },
	}
	l.writer = newWriter(l, params, seq)
	l.writer.start()

	l.diag.Info("msg", "Logger started",
		"root", r.RootPath,
		"prefix", r.Prefix,
		"sequence", seq,
		"encrypt", r.Encrypt,
		"device_id", r.deviceID.String())
	return l, nil
}

// Log records payload under tag at level. It never blocks and never fails
// visibly: records below the minimum level are ignored, and records that
// cannot be encoded or buffered are counted in Stats.
func (l *Logger) Log(level Level, tag string, payload []byte) {
	_ = l.TryLog(level, tag, payload)
}

// Logf formats its arguments into the payload.
func (l *Logger) Logf(level Level, tag string, format string, args ...any) {
	if level < l.MinLevel() {
		return
	}
	_ = l.TryLog(level, tag, fmt.Appendf(nil, format, args...))
}

// TryLog is Log reporting the outcome: nil when the record was buffered or is
// below the minimum level, an *EncodeError for oversize fields, ErrBufferFull
// when dropped, ErrClosed after Close began. Every outcome is also counted.
func (l *Logger) TryLog(level Level, tag string, payload []byte) error {
	if level < l.MinLevel() {
		return nil
	}
	if l.closing.Load() {
		l.rejected.Add(1)
		return ErrClosed
	}

	rec := Record{
		Timestamp: uint64(l.clock().UnixMicro()), // #nosec G115 -- wall clock is after 1970
		Level:     level,
		Tag:       tag,
		Payload:   payload,
	}
	if err := rec.validate(); err != nil {
		l.encodeErrors.Add(1)
		return err
	}
	if size := rec.PacketSize(); size > l.cfg.maxPacket {
		l.encodeErrors.Add(1)
		return &EncodeError{Field: "packet", Size: size, Limit: l.cfg.maxPacket}
	}

	buf, _ := AppendPacket(l.pool.get(), rec) // validated above
	occupied, err := l.ring.TryEnqueue(buf)
	l.pool.put(buf)

	switch {
	case err == nil:
		l.logged.Add(1)
		if occupied >= l.cfg.HighWaterMark {
			l.writer.notify()
		}
		return nil
	case errors.Is(err, ErrBufferFull):
		l.dropped.Add(1)
		l.writer.notify()
	default:
		l.rejected.Add(1)
	}
	return err
}

// Flush asks the writer to persist everything buffered so far and waits for
// that cycle. It returns an error wrapping ErrDegraded when storage keeps
// failing, and ErrClosed after Close.
func (l *Logger) Flush() error {
	if l.closing.Load() {
		return ErrClosed
	}
	return l.writer.request(false)
}

// Rotate flushes, then closes the current file and starts the next sequence
// number, regardless of its size.
func (l *Logger) Rotate() error {
	if l.closing.Load() {
		return ErrClosed
	}
	return l.writer.request(true)
}

// Close stops accepting records, writes everything already buffered, closes
// the current file and stops all goroutines. Records logged concurrently with
// Close are either persisted or rejected and counted.
//
// Close is idempotent; later calls return the result of the first one.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		l.ring.Close()
		l.closeErr = l.writer.stop()
		l.workers.stop()
		if l.timeCache != nil {
			l.timeCache.Stop()
		}
		l.diag.Info("msg", "Logger closed",
			"logged", l.logged.Load(),
			"dropped", l.dropped.Load(),
			"lost_bytes", l.lostBytes.Load())
	})
	return l.closeErr
}

// WaitForBackgroundTasks waits for queued checksum and retention jobs.
// Useful in tests before inspecting the directory.
func (l *Logger) WaitForBackgroundTasks() {
	l.workers.waitForCompletion()
}

// SetMinLevel changes the minimum level at runtime.
func (l *Logger) SetMinLevel(level Level) error {
	if !level.Valid() {
		return &ConfigError{Field: "min_level", Reason: fmt.Sprintf("unknown level %d", level)}
	}
	l.minLevel.Store(uint32(level))
	return nil
}

// MinLevel returns the current minimum level.
func (l *Logger) MinLevel() Level {
	return Level(l.minLevel.Load()) // #nosec G115 -- stored from a Level
}

// SetConsoleMirror turns the plaintext console copy on or off at runtime.
func (l *Logger) SetConsoleMirror(on bool) {
	l.consoleMirror.Store(on)
}

// Stats is a snapshot of the logger counters.
type Stats struct {
	Logged       uint64 `json:"logged"`        // records accepted into the buffer
	Dropped      uint64 `json:"dropped"`       // records dropped, buffer full
	Rejected     uint64 `json:"rejected"`      // records refused after Close began
	EncodeErrors uint64 `json:"encode_errors"` // records refused for oversize fields
	BytesWritten uint64 `json:"bytes_written"` // bytes written to storage, headers included
	FilesCreated uint64 `json:"files_created"`
	Rotations    uint64 `json:"rotations"`
	WriteErrors  uint64 `json:"write_errors"` // failed storage operations
	Retries      uint64 `json:"retries"`
	LostBytes    uint64 `json:"lost_bytes"` // buffered bytes never persisted at Close

	Degraded       bool   `json:"degraded"`
	Sequence       uint32 `json:"sequence"` // sequence of the newest file opened
	BufferFill     int    `json:"buffer_fill"`
	BufferCapacity int    `json:"buffer_capacity"`
}

// Stats returns the current counters. Safe to call concurrently.
func (l *Logger) Stats() Stats {
	return Stats{
		Logged:         l.logged.Load(),
		Dropped:        l.dropped.Load(),
		Rejected:       l.rejected.Load(),
		EncodeErrors:   l.encodeErrors.Load(),
		BytesWritten:   l.bytesWritten.Load(),
		FilesCreated:   l.filesCreated.Load(),
		Rotations:      l.rotations.Load(),
		WriteErrors:    l.writeErrors.Load(),
		Retries:        l.retries.Load(),
		LostBytes:      l.lostBytes.Load(),
		Degraded:       l.degraded.Load(),
		Sequence:       l.sequence.Load(),
		BufferFill:     l.ring.Len(),
		BufferCapacity: l.ring.Cap(),
	}
}

// reportError invokes the error callback if set
func (l *Logger) reportError(operation string, err error) {
	if l.cfg.ErrorCallback != nil {
		l.cfg.ErrorCallback(operation, err)
	}
}
