// writer.go: Single consumer draining the ring buffer into session files
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// writerState is the retry/rotation state machine of the writer.
//
//	Open --(retries exhausted)--> Degraded --(write succeeds)--> Open
//	Open, Degraded --(Close)--> Closed
type writerState int

const (
	writerOpen writerState = iota
	writerDegraded
	writerClosed
)

func (s writerState) String() string {
	switch s {
	case writerOpen:
		return "open"
	case writerDegraded:
		return "degraded"
	case writerClosed:
		return "closed"
	}
	return "unknown"
}

type writeRequest struct {
	rotate bool
	reply  chan error
}

// writer is the only goroutine that touches sessions, the cipher and storage.
type writer struct {
	l       *Logger
	ring    *ringBuffer
	params  *sessionParams
	workers *backgroundWorkers
	console *consoleMirror

	session    *fileSession
	nextSeq    uint32
	state      writerState
	scratch    []byte
	ends       []int
	maxRetries int
	retryDelay time.Duration
	checksum   bool
	retention  bool

	flushInterval time.Duration
	wake          chan struct{}
	requests      chan writeRequest
	quit          chan struct{}
	finished      chan struct{}
	closeErr      error

	lastDropped  uint64
	dropThrottle *throttle
	errThrottle  *throttle
}

func newWriter(l *Logger, params *sessionParams, firstSeq uint32) *writer {
	cfg := l.cfg
	return &writer{
		l:             l,
		ring:          l.ring,
		params:        params,
		workers:       l.workers,
		console:       newConsoleMirror(cfg.Console),
		nextSeq:       firstSeq,
		state:         writerOpen,
		scratch:       make([]byte, 0, cfg.BufferSize),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		checksum:      cfg.Checksum,
		retention:     cfg.MaxFiles > 0,
		flushInterval: cfg.FlushInterval,
		wake:          make(chan struct{}, 1),
		requests:      make(chan writeRequest),
		quit:          make(chan struct{}),
		finished:      make(chan struct{}),
		dropThrottle:  newThrottle(time.Second),
		errThrottle:   newThrottle(time.Second),
	}
}

// start opens the first session synchronously, then launches the loop.
// A storage failure here does not fail startup: the writer starts degraded.
func (w *writer) start() {
	err := w.withRetries(w.maxRetries, w.openNext)
	if err != nil {
		w.degrade(err)
	}
	go w.run()
}

func (w *writer) run() {
	defer close(w.finished)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.quit:
			w.shutdown()
			return
		case req := <-w.requests:
			err := w.drain(false)
			if req.rotate && err == nil {
				err = w.withRetries(w.maxRetries, w.rotate)
			}
			req.reply <- err
		case <-w.wake:
			_ = w.drain(false)
		case <-ticker.C:
			_ = w.drain(false)
		}
	}
}

// notify wakes the writer early. Non-blocking, safe from producers.
func (w *writer) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// request runs a drain (and optionally a rotation) on the writer goroutine and
// waits for its outcome.
func (w *writer) request(rotate bool) error {
	req := writeRequest{rotate: rotate, reply: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-w.finished:
		return ErrClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-w.finished:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// stop signals shutdown and waits for the final drain.
func (w *writer) stop() error {
	close(w.quit)
	<-w.finished
	return w.closeErr
}

// shutdown drains what producers enqueued before the ring was closed, with the
// full retry budget even when degraded, then closes the session.
func (w *writer) shutdown() {
	err := w.drain(true)
	if w.session != nil {
		w.finishSession()
		w.scheduleRetention()
	}
	if lost := w.ring.Len(); lost > 0 {
		w.l.lostBytes.Add(uint64(lost))
		w.l.diag.Error("msg", "Buffered records lost at shutdown", "bytes", lost, "error", err)
	}
	w.state = writerClosed
	w.closeErr = err
}

// drain writes everything buffered so far. Degraded writers try once per wake
// unless force is set.
func (w *writer) drain(force bool) error {
	w.reportDrops()

	// With no session, an empty drain still probes storage, except at shutdown.
	if w.ring.Len() == 0 && (w.session != nil || force) {
		return nil
	}
	retries := w.maxRetries
	if w.state == writerDegraded && !force {
		retries = 0
	}
	if err := w.withRetries(retries, w.cycle); err != nil {
		w.degrade(err)
		return fmt.Errorf("%w: %w", ErrDegraded, err)
	}
	if w.state == writerDegraded {
		w.recover()
	}
	return nil
}

// withRetries runs op with the storage retry policy and accounts for every
// failed attempt.
func (w *writer) withRetries(retries int, op func() error) error {
	attempts := 0
	err := retryStorage(func() error {
		attempts++
		if attempts > 1 {
			w.l.retries.Add(1)
		}
		err := op()
		if err != nil {
			w.reportError(err)
		}
		return err
	}, retries, w.retryDelay)
	return err
}

// cycle makes sure a session is open and persists one snapshot of the ring.
func (w *writer) cycle() error {
	if w.session == nil {
		if err := w.openNext(); err != nil {
			return err
		}
	}
	spans := w.ring.Drain()
	if spans.Len() == 0 {
		return nil
	}
	w.scratch = spans.AppendTo(w.scratch[:0])
	return w.writeBatch(w.scratch)
}

// writeBatch splits batch into runs of whole packets that fit the current file,
// rotating between runs. A packet is never split across two files.
func (w *writer) writeBatch(batch []byte) error {
	start, pos := 0, 0
	for pos < len(batch) {
		// Only whole packets are enqueued; a bad prefix takes the rest of the batch.
		plen := len(batch) - pos
		if plen >= packetLenSize {
			if n := packetLength(batch[pos:]); n >= MinPacketSize && n <= plen {
				plen = n
			}
		}
		if !w.session.fits(pos-start+plen) && !(pos == start && w.session.empty()) {
			if pos > start {
				if err := w.appendChunk(batch[start:pos]); err != nil {
					return err
				}
				start = pos
				if w.session == nil || w.session.empty() {
					continue // appendChunk rotated
				}
			}
			if err := w.rotate(); err != nil {
				return err
			}
			continue
		}
		pos += plen
	}
	if pos > start {
		return w.appendChunk(batch[start:pos])
	}
	return nil
}

// appendChunk writes whole packets to the session and releases from the ring
// every packet that fully reached the file.
func (w *writer) appendChunk(chunk []byte) error {
	mirror := w.l.consoleMirror.Load()
	if mirror {
		w.console.render(chunk)
	}
	// Boundaries are taken before append encrypts chunk in place.
	w.ends = packetEnds(w.ends[:0], chunk)
	n, err := w.session.append(chunk)
	if err != nil {
		// Whole packets that reached the file stay committed; only the torn
		// remainder is drained again into the next session.
		landed := 0
		for landed < len(w.ends) && w.ends[landed] <= n {
			landed++
		}
		if landed > 0 {
			size := w.ends[landed-1]
			w.l.bytesWritten.Add(uint64(size)) // #nosec G115 -- bounded by the chunk
			w.ring.Commit(size)
		}
		if mirror {
			w.console.flushLines(landed)
		}
		w.abandonSession()
		return err
	}
	if mirror {
		w.console.flush()
	}
	w.l.bytesWritten.Add(uint64(len(chunk)))
	w.ring.Commit(len(chunk))

	if w.session.state == sessionRotationPending {
		return w.rotate()
	}
	return nil
}

// packetEnds appends the end offset of every packet in chunk to dst. A
// malformed length prefix ends the walk at len(chunk).
func packetEnds(dst []int, chunk []byte) []int {
	pos := 0
	for pos < len(chunk) {
		plen := len(chunk) - pos
		if plen >= packetLenSize {
			if n := packetLength(chunk[pos:]); n >= MinPacketSize && n <= plen {
				plen = n
			}
		}
		pos += plen
		dst = append(dst, pos)
	}
	return dst
}

// rotate closes the current session and opens the next sequence number.
func (w *writer) rotate() error {
	closed := w.session != nil
	if closed {
		w.finishSession()
		w.l.rotations.Add(1)
	}
	err := w.openNext()
	if closed {
		// After openNext, so the new file is already counted.
		w.scheduleRetention()
	}
	return err
}

// maxNameSkips bounds how many existing files openNext steps over.
const maxNameSkips = 1000

func (w *writer) openNext() error {
	for skipped := 0; ; skipped++ {
		seq := w.nextSeq
		s, err := openSession(w.params, seq)
		if err != nil {
			if errors.Is(err, os.ErrExist) && skipped < maxNameSkips {
				w.l.diag.Warn("msg", "Session file already exists, skipping sequence", "sequence", seq)
				w.nextSeq++
				continue
			}
			// The name is burnt once a file exists under it, even a torn one.
			var se *StorageError
			if errors.As(err, &se) && se.Op == "write_header" {
				w.nextSeq++
			}
			return err
		}
		w.nextSeq++
		w.session = s
		w.l.filesCreated.Add(1)
		w.l.bytesWritten.Add(uint64(s.bytesWritten)) // #nosec G115 -- header size
		w.l.sequence.Store(seq)
		w.l.diag.Debug("msg", "Session opened", "path", s.path, "sequence", seq, "encrypted", s.cipher != nil)
		return nil
	}
}

// finishSession closes the session cleanly and schedules its checksum.
func (w *writer) finishSession() {
	s := w.session
	w.session = nil
	if err := s.close(); err != nil {
		w.reportError(err)
		return
	}
	w.l.diag.Debug("msg", "Session closed", "path", s.path, "bytes", s.bytesWritten)
	if w.checksum {
		w.workers.submit(backgroundTask{kind: taskChecksum, path: s.path})
	}
}

func (w *writer) scheduleRetention() {
	if w.retention {
		w.workers.submit(backgroundTask{kind: taskRetention})
	}
}

// abandonSession drops a session whose last write failed. Its tail may be
// torn; readers report that as ErrIncomplete.
func (w *writer) abandonSession() {
	s := w.session
	w.session = nil
	_ = s.close() // file is already failing
}

func (w *writer) degrade(err error) {
	if w.state == writerDegraded {
		return
	}
	w.state = writerDegraded
	w.l.degraded.Store(true)
	w.l.diag.Error("msg", "Storage failing, session degraded",
		"error", err,
		"buffered", w.ring.Len())
}

func (w *writer) recover() {
	w.state = writerOpen
	w.l.degraded.Store(false)
	w.l.diag.Info("msg", "Storage recovered", "sequence", w.l.sequence.Load())
}

func (w *writer) reportError(err error) {
	w.l.writeErrors.Add(1)
	op := "storage"
	var se *StorageError
	if errors.As(err, &se) {
		op = se.Op
	}
	w.l.reportError(op, err)
	if ok, suppressed := w.errThrottle.allow(); ok {
		w.l.diag.Warn("msg", "Storage operation failed",
			"operation", op,
			"error", err,
			"suppressed", suppressed)
	}
}

func (w *writer) reportDrops() {
	dropped := w.l.dropped.Load()
	if dropped == w.lastDropped {
		return
	}
	if ok, _ := w.dropThrottle.allow(); !ok {
		return
	}
	w.l.diag.Warn("msg", "Records dropped, ring buffer full",
		"dropped", dropped-w.lastDropped,
		"total", dropped)
	w.lastDropped = dropped
}
