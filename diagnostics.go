// diagnostics.go: The logger's own event reporting
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"fmt"
	"strings"
	"time"

	"github.com/lixenwraith/log"
	"golang.org/x/time/rate"
)

// Diagnostics receives events about the logger itself: rotations, storage
// failures, degraded sessions, drop bursts. Arguments are a message followed
// by key/value pairs. *log.Logger from github.com/lixenwraith/log satisfies it.
type Diagnostics interface {
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
}

type nopDiagnostics struct{}

func (nopDiagnostics) Debug(...any) {}
func (nopDiagnostics) Info(...any)  {}
func (nopDiagnostics) Warn(...any)  {}
func (nopDiagnostics) Error(...any) {}

// NewDiagnostics builds a console diagnostics logger. level is one of
// debug, info, warn, error; target is stdout or stderr. Call Shutdown on the
// returned logger when done with it.
func NewDiagnostics(level, target string) (*log.Logger, error) {
	var levelValue int64
	switch strings.ToLower(level) {
	case "debug":
		levelValue = log.LevelDebug
	case "info", "":
		levelValue = log.LevelInfo
	case "warn", "warning":
		levelValue = log.LevelWarn
	case "error":
		levelValue = log.LevelError
	default:
		return nil, fmt.Errorf("invalid diagnostics level: %s", level)
	}
	if target == "" {
		target = "stderr"
	}

	logger := log.NewLogger()
	err := logger.ApplyConfigString(
		fmt.Sprintf("level=%d", levelValue),
		"disable_file=true",
		"enable_stdout=true",
		fmt.Sprintf("stdout_target=%s", target),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize diagnostics logger: %w", err)
	}
	return logger, nil
}

// throttle rate limits a repetitive diagnostic so a failing card or a
// saturated ring does not flood the output.
type throttle struct {
	limiter    *rate.Limiter
	suppressed uint64
}

func newThrottle(every time.Duration) *throttle {
	return &throttle{limiter: rate.NewLimiter(rate.Every(every), 1)}
}

// allow reports whether the event may be emitted, and how many were
// suppressed since the last allowed one.
func (t *throttle) allow() (bool, uint64) {
	if !t.limiter.Allow() {
		t.suppressed++
		return false, 0
	}
	n := t.suppressed
	t.suppressed = 0
	return true, n
}
