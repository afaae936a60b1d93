// workers.go: Background jobs for closed session files
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
)

type taskType int

const (
	taskChecksum taskType = iota
	taskRetention
)

// backgroundTask is a job for the worker pool. Path is the closed file for
// taskChecksum and unused for taskRetention.
type backgroundTask struct {
	kind taskType
	path string
}

// backgroundWorkers runs post-rotation jobs off the writer goroutine so a slow
// card does not stall draining.
type backgroundWorkers struct {
	fs       afero.Fs
	root     string
	prefix   string
	maxFiles int
	diag     Diagnostics
	report   func(operation string, err error)

	taskQueue chan backgroundTask
	wg        sync.WaitGroup
	pending   atomic.Int64
	stopOnce  sync.Once
	stopped   atomic.Bool
}

func newBackgroundWorkers(numWorkers int, cfg *resolved, report func(string, error)) *backgroundWorkers {
	bg := &backgroundWorkers{
		fs:        cfg.Fs,
		root:      cfg.RootPath,
		prefix:    cfg.Prefix,
		maxFiles:  cfg.MaxFiles,
		diag:      cfg.Diagnostics,
		report:    report,
		taskQueue: make(chan backgroundTask, 64),
	}
	for i := 0; i < numWorkers; i++ {
		bg.wg.Add(1)
		go bg.worker()
	}
	return bg
}

func (bg *backgroundWorkers) worker() {
	defer bg.wg.Done()
	for task := range bg.taskQueue {
		bg.processTask(task)
		bg.pending.Add(-1)
	}
}

func (bg *backgroundWorkers) processTask(task backgroundTask) {
	switch task.kind {
	case taskChecksum:
		if err := writeChecksum(bg.fs, task.path); err != nil {
			bg.report("checksum", err)
		}
	case taskRetention:
		bg.enforceRetention()
	}
}

// submit never blocks the writer: a full queue skips the task.
func (bg *backgroundWorkers) submit(task backgroundTask) {
	if bg.stopped.Load() {
		return
	}
	bg.pending.Add(1)
	select {
	case bg.taskQueue <- task:
	default:
		bg.pending.Add(-1)
		bg.diag.Warn("msg", "Background queue full, task skipped", "path", task.path)
	}
}

// stop runs the queued tasks to completion and waits for the workers.
// Callers guarantee no submit runs concurrently with stop.
func (bg *backgroundWorkers) stop() {
	bg.stopOnce.Do(func() {
		bg.stopped.Store(true)
		close(bg.taskQueue)
		bg.wg.Wait()
	})
}

// waitForCompletion waits until every submitted task has run.
func (bg *backgroundWorkers) waitForCompletion() {
	for bg.pending.Load() > 0 {
		time.Sleep(time.Millisecond)
	}
}

// enforceRetention removes the oldest session files beyond maxFiles, with
// their checksum sidecars. The newest file is the open session and is never
// removed while maxFiles >= 1.
func (bg *backgroundWorkers) enforceRetention() {
	if bg.maxFiles <= 0 {
		return
	}
	files, err := ListFiles(bg.fs, bg.root, bg.prefix)
	if err != nil {
		bg.report("retention", err)
		return
	}
	excess := len(files) - bg.maxFiles
	for i := 0; i < excess; i++ {
		if err := bg.fs.Remove(files[i].Path); err != nil {
			bg.report("retention", &StorageError{Op: "remove", Path: files[i].Path, Err: err})
			continue
		}
		_ = bg.fs.Remove(files[i].Path + checksumExt) // sidecar may not exist
		bg.diag.Debug("msg", "Removed old session file", "path", files[i].Path, "sequence", files[i].Sequence)
	}
}

const checksumExt = ".sha256"

// writeChecksum creates <path>.sha256 in sha256sum format.
func writeChecksum(fs afero.Fs, path string) error {
	file, err := fs.Open(path)
	if err != nil {
		return &StorageError{Op: "checksum_open", Path: path, Err: err}
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return &StorageError{Op: "checksum_read", Path: path, Err: err}
	}

	content := fmt.Sprintf("%s  %s\n", hex.EncodeToString(hash.Sum(nil)), filepath.Base(path))
	if err := afero.WriteFile(fs, path+checksumExt, []byte(content), 0600); err != nil {
		return &StorageError{Op: "checksum_write", Path: path + checksumExt, Err: err}
	}
	return nil
}
