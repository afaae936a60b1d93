// config.go: Configuration, validation and parsing utilities
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Defaults applied by DefaultConfig and, for optional fields, by New.
const (
	DefaultPrefix        = "log"
	DefaultFileSizeLimit = 1024 * 1024
	DefaultBufferSize    = 16 * 1024
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 10 * time.Millisecond
)

// Config holds every option of a Logger. Start from DefaultConfig.
//
// String-based fields (FileSizeLimitStr, BufferSizeStr, FlushIntervalStr)
// take precedence over their numeric equivalents.
type Config struct {
	// RootPath is the directory the session files are written to.
	RootPath string `json:"root_path"`

	// Prefix names the files: <prefix>_<sequence>.ulg
	Prefix string `json:"prefix"`

	// FileSizeLimit is the maximum size of one file in bytes, header included.
	// It must be larger than the header (48 bytes, 64 when encrypting).
	FileSizeLimit    int64  `json:"file_size_limit"`
	FileSizeLimitStr string `json:"file_size_limit_str"`

	// BufferSize is the ring buffer capacity in bytes.
	BufferSize    int    `json:"buffer_size"`
	BufferSizeStr string `json:"buffer_size_str"`

	// FlushInterval is how often the writer drains the ring when producers are quiet.
	FlushInterval    time.Duration `json:"flush_interval"`
	FlushIntervalStr string        `json:"flush_interval_str"`

	// HighWaterMark wakes the writer early once this many bytes are buffered.
	// Zero means half of BufferSize.
	HighWaterMark int `json:"high_water_mark"`

	// MinLevel drops records below it before they are encoded.
	MinLevel Level `json:"min_level"`

	// ConsoleMirror writes a plaintext copy of every persisted record to Console.
	ConsoleMirror bool      `json:"console_mirror"`
	Console       io.Writer `json:"-"`

	// Encrypt enables AES-256-CTR on the packet stream. Key must then be 32 bytes.
	// The key is never logged or written to storage.
	Encrypt bool   `json:"encrypt"`
	Key     []byte `json:"-"`

	// DeviceID is stored in every file header. Empty generates a random id.
	DeviceID string `json:"device_id"`

	// MaxRetries and RetryDelay bound the writer's retry of a failed storage
	// write before the session is marked degraded. Delay grows exponentially.
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`

	// MaxFiles keeps only the newest MaxFiles session files. 0 keeps all.
	MaxFiles int `json:"max_files"`

	// Checksum writes a SHA-256 sidecar (<file>.sha256) for every closed file.
	Checksum bool `json:"checksum"`

	// FileMode is the permission of created files (default: 0644).
	FileMode os.FileMode `json:"file_mode"`

	// Fs is the storage medium. Nil uses the operating system filesystem.
	Fs afero.Fs `json:"-"`

	// Diagnostics receives the logger's own events. Nil discards them.
	Diagnostics Diagnostics `json:"-"`

	// ErrorCallback is called with the operation name for every storage error.
	ErrorCallback func(operation string, err error) `json:"-"`

	// Clock overrides the record and header time source.
	Clock func() time.Time `json:"-"`
}

// DefaultConfig returns a plaintext configuration writing to root.
func DefaultConfig(root string) *Config {
	return &Config{
		RootPath:      root,
		Prefix:        DefaultPrefix,
		FileSizeLimit: DefaultFileSizeLimit,
		BufferSize:    DefaultBufferSize,
		FlushInterval: DefaultFlushInterval,
		MinLevel:      LevelInfo,
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		FileMode:      GetDefaultFileMode(),
	}
}

// String describes c without the encryption key.
func (c Config) String() string {
	key := "none"
	if len(c.Key) > 0 {
		key = "redacted"
	}
	return fmt.Sprintf("ulog.Config{root=%q prefix=%q file_size_limit=%d buffer_size=%d flush_interval=%s min_level=%s encrypt=%t key=%s}",
		c.RootPath, c.Prefix, c.FileSizeLimit, c.BufferSize, c.FlushInterval, c.MinLevel, c.Encrypt, key)
}

// resolved is the validated form of Config used internally.
type resolved struct {
	Config
	deviceID  uuid.UUID
	maxPacket int
}

// resolve validates c and fills defaults for optional fields.
// The caller's Config is not modified.
func (c *Config) resolve() (*resolved, error) {
	r := &resolved{Config: *c}
	r.Key = append([]byte(nil), c.Key...)

	if r.FileSizeLimitStr != "" {
		size, err := ParseSize(r.FileSizeLimitStr)
		if err != nil {
			return nil, &ConfigError{Field: "file_size_limit", Reason: err.Error()}
		}
		r.FileSizeLimit = size
	}
	if r.BufferSizeStr != "" {
		size, err := ParseSize(r.BufferSizeStr)
		if err != nil {
			return nil, &ConfigError{Field: "buffer_size", Reason: err.Error()}
		}
		if size > int64(maxBufferSize) {
			return nil, &ConfigError{Field: "buffer_size", Reason: fmt.Sprintf("%d exceeds %d", size, maxBufferSize)}
		}
		r.BufferSize = int(size)
	}
	if r.FlushIntervalStr != "" {
		d, err := ParseDuration(r.FlushIntervalStr)
		if err != nil {
			return nil, &ConfigError{Field: "flush_interval", Reason: err.Error()}
		}
		r.FlushInterval = d
	}

	if r.BufferSize <= 0 {
		return nil, &ConfigError{Field: "buffer_size", Reason: "must be > 0"}
	}
	prologue := int64(HeaderSize)
	if r.Encrypt {
		prologue += IVSize
	}
	if r.FileSizeLimit <= prologue {
		return nil, &ConfigError{Field: "file_size_limit", Reason: fmt.Sprintf("must be > %d bytes", prologue)}
	}
	if r.Encrypt && len(r.Key) != KeySize {
		return nil, &ConfigError{Field: "key", Reason: fmt.Sprintf("must be %d bytes when encrypting, got %d", KeySize, len(r.Key))}
	}
	if !r.MinLevel.Valid() {
		return nil, &ConfigError{Field: "min_level", Reason: fmt.Sprintf("unknown level %d", r.MinLevel)}
	}
	if r.Prefix == "" {
		return nil, &ConfigError{Field: "prefix", Reason: "cannot be empty"}
	}
	if SanitizeFilename(r.Prefix) != r.Prefix || strings.ContainsAny(r.Prefix, `/\`) {
		return nil, &ConfigError{Field: "prefix", Reason: fmt.Sprintf("%q is not a valid file name prefix", r.Prefix)}
	}
	if r.RootPath == "" {
		r.RootPath = "."
	}
	if err := ValidatePathLength(filepath.Join(r.RootPath, SessionName(r.Prefix, 0))); err != nil {
		return nil, &ConfigError{Field: "root_path", Reason: err.Error()}
	}

	if r.DeviceID == "" {
		r.deviceID = uuid.New()
	} else {
		id, err := uuid.Parse(r.DeviceID)
		if err != nil {
			return nil, &ConfigError{Field: "device_id", Reason: err.Error()}
		}
		r.deviceID = id
	}

	// Apply safe defaults for unset values
	if r.FlushInterval <= 0 {
		r.FlushInterval = DefaultFlushInterval
	}
	if r.HighWaterMark <= 0 || r.HighWaterMark > r.BufferSize {
		r.HighWaterMark = r.BufferSize / 2
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = DefaultRetryDelay
	}
	if r.FileMode == 0 {
		r.FileMode = GetDefaultFileMode()
	}
	if r.Fs == nil {
		r.Fs = afero.NewOsFs()
	}
	if r.Console == nil {
		r.Console = os.Stderr
	}
	if r.Diagnostics == nil {
		r.Diagnostics = nopDiagnostics{}
	}

	// A packet must fit both the ring and an otherwise empty file.
	r.maxPacket = MaxPacketSize
	if r.BufferSize < r.maxPacket {
		r.maxPacket = r.BufferSize
	}
	if room := r.FileSizeLimit - prologue; room < int64(r.maxPacket) {
		r.maxPacket = int(room)
	}
	return r, nil
}

const maxBufferSize = 1 << 30

// LoadConfig reads a YAML, TOML or JSON configuration file. Every key can be
// overridden from the environment with the ULOG_ prefix (ULOG_KEY_HEX, ...).
//
// Recognized keys: root_path, prefix, file_size_limit ("1MB"), buffer_size
// ("16KB"), flush_interval ("500ms"), high_water_mark, min_level ("info"),
// console_mirror, encrypt, key_hex, device_id, max_retries, retry_delay,
// max_files, checksum.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ULOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("root_path", ".")
	v.SetDefault("prefix", DefaultPrefix)
	v.SetDefault("file_size_limit", strconv.Itoa(DefaultFileSizeLimit))
	v.SetDefault("buffer_size", strconv.Itoa(DefaultBufferSize))
	v.SetDefault("flush_interval", DefaultFlushInterval.String())
	v.SetDefault("min_level", "info")
	v.SetDefault("max_retries", DefaultMaxRetries)
	v.SetDefault("retry_delay", DefaultRetryDelay.String())

	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Field: "file", Reason: err.Error()}
	}
	return configFromViper(v)
}

func configFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig(v.GetString("root_path"))
	cfg.Prefix = v.GetString("prefix")
	cfg.FileSizeLimitStr = v.GetString("file_size_limit")
	cfg.BufferSizeStr = v.GetString("buffer_size")
	cfg.FlushIntervalStr = v.GetString("flush_interval")
	cfg.HighWaterMark = v.GetInt("high_water_mark")
	cfg.ConsoleMirror = v.GetBool("console_mirror")
	cfg.Encrypt = v.GetBool("encrypt")
	cfg.DeviceID = v.GetString("device_id")
	cfg.MaxRetries = v.GetInt("max_retries")
	cfg.MaxFiles = v.GetInt("max_files")
	cfg.Checksum = v.GetBool("checksum")

	level, err := ParseLevel(v.GetString("min_level"))
	if err != nil {
		return nil, &ConfigError{Field: "min_level", Reason: err.Error()}
	}
	cfg.MinLevel = level

	if s := v.GetString("retry_delay"); s != "" {
		d, err := ParseDuration(s)
		if err != nil {
			return nil, &ConfigError{Field: "retry_delay", Reason: err.Error()}
		}
		cfg.RetryDelay = d
	}
	if s := v.GetString("key_hex"); s != "" {
		key, err := hex.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, &ConfigError{Field: "key_hex", Reason: "not valid hex"}
		}
		cfg.Key = key
	}
	return cfg, nil
}

// ParseSize converts size strings like "100MB", "1GB" to bytes
// Supports case-insensitive input and single-letter units (K, M, G, T)
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Handle plain numbers (bytes)
	if val, err := strconv.ParseInt(s, 10, 64); err == nil {
		return val, nil
	}

	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64
	var numStr string

	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		multiplier = 1
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-1]
	default:
		return 0, fmt.Errorf("unknown size suffix in %q (supported: B, KB/K, MB/M, GB/G)", s)
	}

	val, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number in %q: %v", s, err)
	}

	result := val * multiplier
	if result < 0 || (val != 0 && result/val != multiplier) {
		return 0, fmt.Errorf("size %q too large", s)
	}

	return result, nil
}

// ParseDuration converts duration strings like "500ms", "2s", "1d" to time.Duration
// Supports Go durations plus day and week suffixes
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	s = strings.ToLower(s)

	var multiplier time.Duration
	var numStr string

	switch {
	case strings.HasSuffix(s, "d"):
		multiplier = 24 * time.Hour
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "w"):
		multiplier = 7 * 24 * time.Hour
		numStr = s[:len(s)-1]
	default:
		return 0, fmt.Errorf("unknown duration suffix in %q", s)
	}

	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration number in %q: %v", s, err)
	}

	return time.Duration(val) * multiplier, nil
}

// SanitizeFilename removes or replaces invalid characters for cross-platform compatibility
func SanitizeFilename(filename string) string {
	if runtime.GOOS == "windows" {
		invalidChars := []string{"<", ">", ":", "\"", "|", "?", "*"}
		result := filename
		for _, char := range invalidChars {
			result = strings.ReplaceAll(result, char, "_")
		}

		var sanitized strings.Builder
		for _, r := range result {
			if r >= 32 {
				sanitized.WriteRune(r)
			} else {
				sanitized.WriteRune('_')
			}
		}
		return sanitized.String()
	}

	// For Unix-like systems, just remove null characters
	return strings.ReplaceAll(filename, "\x00", "_")
}

// ValidatePathLength checks if the path length is within OS limits
func ValidatePathLength(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %v", err)
	}

	pathLen := len(absPath)

	switch runtime.GOOS {
	case "windows":
		if pathLen > 260 {
			return fmt.Errorf("path too long for Windows: %d characters (limit: 260)", pathLen)
		}
	default:
		if pathLen > 4096 {
			return fmt.Errorf("path too long: %d characters (limit: 4096)", pathLen)
		}
	}

	return nil
}

// GetDefaultFileMode returns the default permission of session files
func GetDefaultFileMode() os.FileMode {
	return 0644
}

// retryStorage runs operation until it succeeds, at most retryCount extra
// times, with exponential backoff starting at retryDelay. A backoff.Permanent
// error stops immediately.
func retryStorage(operation func() error, retryCount int, retryDelay time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryDelay
	b.MaxInterval = 32 * retryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.Retry(operation, backoff.WithMaxRetries(b, uint64(retryCount))) // #nosec G115 -- retryCount clamped to >= 0 by resolve
}
