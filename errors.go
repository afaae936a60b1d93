// errors.go: Error taxonomy
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"errors"
	"fmt"
)

// Pre-allocated sentinels, matched with errors.Is.
var (
	ErrConfig     = errors.New("ulog: invalid configuration")
	ErrEncode     = errors.New("ulog: record exceeds encoding limits")
	ErrBufferFull = errors.New("ulog: ring buffer full")
	ErrClosed     = errors.New("ulog: logger closed")
	ErrStorage    = errors.New("ulog: storage failure")
	ErrDegraded   = errors.New("ulog: session degraded")

	ErrMalformed  = errors.New("ulog: malformed packet")
	ErrIncomplete = errors.New("ulog: incomplete packet")
	ErrBadHeader  = errors.New("ulog: bad file header")
)

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ulog: invalid config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// EncodeError reports a record field that does not fit the packet format.
type EncodeError struct {
	Field string
	Size  int
	Limit int
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("ulog: %s size %d exceeds limit %d", e.Field, e.Size, e.Limit)
}

func (e *EncodeError) Unwrap() error { return ErrEncode }

// StorageError wraps a failed storage operation. Op is one of the operation
// names also passed to ErrorCallback ("open", "write", "sync", "close", ...).
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("ulog: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ulog: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }
