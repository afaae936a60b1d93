// ulog_test.go: Behavioral tests for the Logger public API
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

var testEpoch = time.UnixMicro(1_700_000_000_000_000)

// memConfig writes to an in-memory filesystem and only drains on demand.
func memConfig() (*Config, afero.Fs) {
	fs := afero.NewMemMapFs()
	cfg := DefaultConfig("/logs")
	cfg.Fs = fs
	cfg.FlushInterval = time.Hour
	cfg.RetryDelay = time.Millisecond
	cfg.MinLevel = LevelVerbose
	cfg.Clock = func() time.Time { return testEpoch }
	return cfg, fs
}

func payloadOfSize(packetSize int, tag string) []byte {
	return bytes.Repeat([]byte{'p'}, packetSize-packetOverhead-len(tag))
}

func TestNew_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"ZeroBuffer", func(c *Config) { c.BufferSize = 0 }, "buffer_size"},
		{"LimitNotAboveHeader", func(c *Config) { c.FileSizeLimit = HeaderSize }, "file_size_limit"},
		{"LimitNotAboveHeaderAndIV", func(c *Config) {
			c.Encrypt = true
			c.Key = make([]byte, KeySize)
			c.FileSizeLimit = HeaderSize + IVSize
		}, "file_size_limit"},
		{"ShortKey", func(c *Config) { c.Encrypt = true; c.Key = make([]byte, 16) }, "key"},
		{"EmptyPrefix", func(c *Config) { c.Prefix = "" }, "prefix"},
		{"PrefixWithSeparator", func(c *Config) { c.Prefix = "a/b" }, "prefix"},
		{"InvalidLevel", func(c *Config) { c.MinLevel = Level(9) }, "min_level"},
		{"BadDeviceID", func(c *Config) { c.DeviceID = "not-a-uuid" }, "device_id"},
		{"BadSizeString", func(c *Config) { c.FileSizeLimitStr = "lots" }, "file_size_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := memConfig()
			tt.mutate(cfg)

			logger, err := New(cfg)
			require.Error(t, err)
			assert.Nil(t, logger)
			assert.True(t, errors.Is(err, ErrConfig))

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	_, err := New(nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLogger_OversizeRecordIsEncodeError(t *testing.T) {
	cfg, _ := memConfig()
	cfg.BufferSize = 1024

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	err = logger.TryLog(LevelInfo, "BIG", make([]byte, 2000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncode)

	logger.Log(LevelInfo, strings.Repeat("t", MaxTagLen+1), nil)

	stats := logger.Stats()
	assert.Equal(t, uint64(0), stats.Dropped, "encode errors are not drops")
	assert.Equal(t, uint64(0), stats.Logged)
	assert.Equal(t, uint64(2), stats.EncodeErrors)
	assert.Equal(t, 0, stats.BufferFill, "nothing enqueued")
}

func TestLogger_PacketLargerThanFileRoomIsRejected(t *testing.T) {
	cfg, _ := memConfig()
	cfg.FileSizeLimit = 128 // 80 bytes of room

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	err = logger.TryLog(LevelInfo, "T", payloadOfSize(81, "T"))
	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "packet", encErr.Field)
	assert.Equal(t, 80, encErr.Limit)

	require.NoError(t, logger.TryLog(LevelInfo, "T", payloadOfSize(80, "T")))
}

func TestLogger_RotationAtPacketBoundary(t *testing.T) {
	cfg, fs := memConfig()
	cfg.FileSizeLimit = 128

	logger, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, logger.TryLog(LevelInfo, "T", payloadOfSize(40, "T")))
	}
	require.NoError(t, logger.Flush())

	files, err := ListFiles(fs, "/logs", DefaultPrefix)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, int64(HeaderSize+40+40), files[0].Size, "first two packets fill file #1")
	assert.Equal(t, int64(HeaderSize+40), files[1].Size, "third packet is the sole content of file #2")
	assert.Equal(t, uint32(1), files[0].Sequence)
	assert.Equal(t, uint32(2), files[1].Sequence)

	stats := logger.Stats()
	assert.Equal(t, uint64(1), stats.Rotations)
	assert.Equal(t, uint64(2), stats.FilesCreated)
	assert.Equal(t, uint64(2*HeaderSize+3*40), stats.BytesWritten)

	require.NoError(t, logger.Close())
	first, err := ReadFile(fs, files[0].Path, nil)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	second, err := ReadFile(fs, files[1].Path, nil)
	require.NoError(t, err)
	assert.Len(t, second, 1)
}

func TestLogger_RotationEncryptedOnePacketPerFile(t *testing.T) {
	cfg, fs := memConfig()
	cfg.FileSizeLimit = 128
	cfg.Encrypt = true
	cfg.Key = make([]byte, KeySize)

	logger, err := New(cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, logger.TryLog(LevelInfo, "T", payloadOfSize(40, "T")))
	}
	require.NoError(t, logger.Close())

	files, err := ListFiles(fs, "/logs", DefaultPrefix)
	require.NoError(t, err)
	require.Len(t, files, 3)

	ivs := map[string]bool{}
	for _, f := range files {
		assert.Equal(t, int64(HeaderSize+IVSize+40), f.Size)

		file, err := fs.Open(f.Path)
		require.NoError(t, err)
		rd, err := NewReader(file, cfg.Key)
		require.NoError(t, err)
		ivs[string(rd.IV())] = true

		_, err = rd.Next()
		require.NoError(t, err)
		_, err = rd.Next()
		assert.ErrorIs(t, err, io.EOF)
		file.Close()
	}
	assert.Len(t, ivs, 3, "fresh IV per file")
}

func TestLogger_RotationProperties(t *testing.T) {
	cfg, fs := memConfig()
	cfg.FileSizeLimit = 300
	cfg.BufferSize = 8 * 1024

	logger, err := New(cfg)
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i%26)}, i%90)
		require.NoError(t, logger.TryLog(Level(i%5), fmt.Sprintf("T%d", i%7), payload))
		if i%37 == 0 {
			require.NoError(t, logger.Flush())
		}
	}
	require.NoError(t, logger.Close())

	files, err := ListFiles(fs, "/logs", DefaultPrefix)
	require.NoError(t, err)
	require.Greater(t, len(files), 1)

	total := 0
	for i, f := range files {
		assert.LessOrEqual(t, f.Size, int64(300), f.Path)
		assert.Equal(t, files[0].Sequence+uint32(i), f.Sequence, "sequence increases by one per rotation")

		records, err := ReadFile(fs, f.Path, nil)
		require.NoError(t, err, "every file decodes to whole packets")
		total += len(records)
	}
	assert.Equal(t, n, total)
	assert.Equal(t, uint64(len(files)-1), logger.Stats().Rotations)
}

func TestLogger_EncryptionRoundTrip(t *testing.T) {
	cfg, fs := memConfig()
	cfg.Encrypt = true
	cfg.Key = make([]byte, KeySize)

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Log(LevelInfo, "T", []byte("hi"))
	require.NoError(t, logger.Close())

	path := "/logs/" + SessionName(DefaultPrefix, 1)
	raw, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, FlagEncrypted, raw[5]&FlagEncrypted)

	records, err := ReadFile(fs, path, cfg.Key)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, Record{
		Timestamp: uint64(testEpoch.UnixMicro()),
		Level:     LevelInfo,
		Tag:       "T",
		Payload:   []byte("hi"),
	}, records[0])

	// Re-encrypt under a fixed IV so the wrong-key outcome is reproducible.
	body := raw[HeaderSize+IVSize:]
	dec, err := NewCipherStream(cfg.Key, raw[HeaderSize:HeaderSize+IVSize])
	require.NoError(t, err)
	dec.Apply(body)
	enc, err := NewCipherStream(cfg.Key, sequentialIV())
	require.NoError(t, err)
	enc.Apply(body)
	copy(raw[HeaderSize:], sequentialIV())
	require.NoError(t, afero.WriteFile(fs, path, raw, 0644))

	records, err = ReadFile(fs, path, cfg.Key)
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = ReadFile(fs, path, bytes.Repeat([]byte{0xff}, KeySize))
	assert.ErrorIs(t, err, ErrMalformed, "wrong key never decodes")
}

func TestLogger_NoDropsWithinCapacity(t *testing.T) {
	cfg, fs := memConfig()
	cfg.BufferSize = 4096

	logger, err := New(cfg)
	require.NoError(t, err)

	const producers = 4
	const perProducer = 25
	var g errgroup.Group
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				if err := logger.TryLog(LevelInfo, fmt.Sprintf("P%d", p), []byte(fmt.Sprintf("%03d", i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, logger.Close())

	stats := logger.Stats()
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, uint64(producers*perProducer), stats.Logged)

	records := readAllRecords(t, fs, "/logs", DefaultPrefix, nil)
	require.Len(t, records, producers*perProducer)

	next := map[string]int{}
	for _, r := range records {
		assert.Equal(t, fmt.Sprintf("%03d", next[r.Tag]), string(r.Payload), "per-producer order for %s", r.Tag)
		next[r.Tag]++
	}
}

func TestLogger_DropsCountedExactly(t *testing.T) {
	fs := newFaultyFs()
	cfg := faultConfig(fs)
	cfg.BufferSize = 100

	logger, err := New(cfg)
	require.NoError(t, err)

	// Storage stalls, so nothing leaves the ring while producers log.
	fs.stallWrites()

	failed := 0
	const attempts = 50
	for i := 0; i < attempts; i++ {
		err := logger.TryLog(LevelInfo, "D", []byte(fmt.Sprintf("%05d", i)))
		if errors.Is(err, ErrBufferFull) {
			failed++
		} else {
			require.NoError(t, err)
		}
	}
	assert.Equal(t, attempts-5, failed, "five 20-byte packets fill the ring")

	fs.resumeWrites()
	require.NoError(t, logger.Close())

	stats := logger.Stats()
	assert.Equal(t, uint64(failed), stats.Dropped)
	assert.Equal(t, uint64(attempts-failed), stats.Logged)

	records := readAllRecords(t, fs, "/logs", DefaultPrefix, nil)
	require.Len(t, records, attempts-failed, "every accepted record persisted whole")
	for i, r := range records {
		assert.Equal(t, fmt.Sprintf("%05d", i), string(r.Payload))
	}
}

func TestLogger_MinLevel(t *testing.T) {
	cfg, _ := memConfig()
	cfg.MinLevel = LevelWarn

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	logger.Log(LevelDebug, "X", []byte("ignored"))
	logger.Logf(LevelInfo, "X", "ignored %d", 1)
	assert.Equal(t, uint64(0), logger.Stats().Logged)
	assert.Equal(t, 0, logger.Stats().BufferFill, "not even buffered")

	logger.Log(LevelError, "X", []byte("kept"))
	assert.Equal(t, uint64(1), logger.Stats().Logged)

	require.NoError(t, logger.SetMinLevel(LevelVerbose))
	assert.Equal(t, LevelVerbose, logger.MinLevel())
	logger.Logf(LevelVerbose, "X", "n=%d", 2)
	assert.Equal(t, uint64(2), logger.Stats().Logged)

	assert.ErrorIs(t, logger.SetMinLevel(Level(42)), ErrConfig)
}

func TestLogger_ConsoleMirror(t *testing.T) {
	cfg, _ := memConfig()
	var console bytes.Buffer
	cfg.Console = &console
	cfg.ConsoleMirror = true

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	logger.Log(LevelWarn, "BATT", []byte("voltage low"))
	require.NoError(t, logger.Flush())
	out := console.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "[BATT] voltage low")

	logger.SetConsoleMirror(false)
	logger.Log(LevelWarn, "BATT", []byte("second"))
	require.NoError(t, logger.Flush())
	assert.NotContains(t, console.String(), "second")
}

func TestLogger_CloseIdempotentAndRejects(t *testing.T) {
	cfg, _ := memConfig()
	logger, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	assert.ErrorIs(t, logger.TryLog(LevelInfo, "X", nil), ErrClosed)
	logger.Log(LevelInfo, "X", nil)
	assert.Equal(t, uint64(2), logger.Stats().Rejected)
	assert.ErrorIs(t, logger.Flush(), ErrClosed)
	assert.ErrorIs(t, logger.Rotate(), ErrClosed)
}

func TestLogger_CloseConcurrentWithLog(t *testing.T) {
	cfg, fs := memConfig()
	cfg.BufferSize = 64 * 1024

	logger, err := New(cfg)
	require.NoError(t, err)

	var attempts atomic.Uint64
	var g errgroup.Group
	for p := 0; p < 4; p++ {
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				attempts.Add(1)
				logger.Log(LevelInfo, "C", []byte("concurrent"))
			}
			return nil
		})
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, logger.Close())
	require.NoError(t, g.Wait())

	stats := logger.Stats()
	assert.Equal(t, attempts.Load(), stats.Logged+stats.Dropped+stats.Rejected)

	records := readAllRecords(t, fs, "/logs", DefaultPrefix, nil)
	assert.Equal(t, int(stats.Logged), len(records), "every accepted record is drained at Close")
}

func TestLogger_SequenceContinuesAcrossRestarts(t *testing.T) {
	cfg, fs := memConfig()

	for run := 0; run < 3; run++ {
		logger, err := New(cfg)
		require.NoError(t, err)
		logger.Log(LevelInfo, "BOOT", []byte(fmt.Sprintf("run %d", run)))
		require.NoError(t, logger.Close())
	}

	files, err := ListFiles(fs, "/logs", DefaultPrefix)
	require.NoError(t, err)
	require.Len(t, files, 3)
	for i, f := range files {
		assert.Equal(t, uint32(i+1), f.Sequence)
	}
}

func TestLogger_RetentionAndChecksums(t *testing.T) {
	cfg, fs := memConfig()
	cfg.FileSizeLimit = 100
	cfg.MaxFiles = 2
	cfg.Checksum = true

	logger, err := New(cfg)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		require.NoError(t, logger.TryLog(LevelInfo, "R", payloadOfSize(40, "R")))
		require.NoError(t, logger.Flush())
	}
	require.NoError(t, logger.Close())

	files, err := ListFiles(fs, "/logs", DefaultPrefix)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, uint32(8), files[1].Sequence)

	for _, f := range files {
		data, err := afero.ReadFile(fs, f.Path)
		require.NoError(t, err)
		sum := sha256.Sum256(data)

		sidecar, err := afero.ReadFile(fs, f.Path+checksumExt)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(sidecar), hex.EncodeToString(sum[:])))
	}

	exists, err := afero.Exists(fs, "/logs/"+SessionName(DefaultPrefix, 1)+checksumExt)
	require.NoError(t, err)
	assert.False(t, exists, "sidecars are removed with their file")
}

func TestLogger_RetentionCountsNewSession(t *testing.T) {
	cfg, fs := memConfig()
	cfg.FileSizeLimit = 100
	cfg.MaxFiles = 2

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 6; i++ {
		require.NoError(t, logger.TryLog(LevelInfo, "R", payloadOfSize(40, "R")))
		require.NoError(t, logger.Flush())
		logger.WaitForBackgroundTasks()

		files, err := ListFiles(fs, "/logs", DefaultPrefix)
		require.NoError(t, err)
		assert.Len(t, files, min(i+1, cfg.MaxFiles), "after record %d", i)
	}
}

func TestLogger_ManualRotate(t *testing.T) {
	cfg, fs := memConfig()
	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Log(LevelInfo, "M", []byte("before"))
	require.NoError(t, logger.Rotate())
	logger.Log(LevelInfo, "M", []byte("after"))
	require.NoError(t, logger.Close())

	first, err := ReadFile(fs, "/logs/"+SessionName(DefaultPrefix, 1), nil)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "before", string(first[0].Payload))

	second, err := ReadFile(fs, "/logs/"+SessionName(DefaultPrefix, 2), nil)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "after", string(second[0].Payload))
}

func TestLogger_HighWaterMarkWakesWriter(t *testing.T) {
	cfg, fs := memConfig()
	cfg.BufferSize = 1024
	cfg.HighWaterMark = 64

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 4; i++ {
		logger.Log(LevelInfo, "H", payloadOfSize(20, "H"))
	}

	assert.Eventually(t, func() bool {
		return logger.Stats().BufferFill == 0
	}, 2*time.Second, 5*time.Millisecond, "writer drains without waiting for the hour-long interval")

	records := readAllRecords(t, fs, "/logs", DefaultPrefix, nil)
	assert.Len(t, records, 4)
}

func TestLogger_IndependentInstances(t *testing.T) {
	cfgA, fsA := memConfig()
	cfgB, fsB := memConfig()

	a, err := New(cfgA)
	require.NoError(t, err)
	b, err := New(cfgB)
	require.NoError(t, err)

	a.Log(LevelInfo, "A", []byte("only in a"))
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, uint64(1), a.Stats().Logged)
	assert.Equal(t, uint64(0), b.Stats().Logged)
	assert.Len(t, readAllRecords(t, fsA, "/logs", DefaultPrefix, nil), 1)
	assert.Len(t, readAllRecords(t, fsB, "/logs", DefaultPrefix, nil), 0)
}

func TestLogger_StatsJSON(t *testing.T) {
	cfg, _ := memConfig()
	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Log(LevelInfo, "J", nil)
	require.NoError(t, logger.Close())

	data, err := json.Marshal(logger.Stats())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 1, decoded["logged"])
	assert.EqualValues(t, cfg.BufferSize, decoded["buffer_capacity"])
	assert.Contains(t, decoded, "degraded")
}

func TestLogger_RealClock(t *testing.T) {
	cfg, fs := memConfig()
	cfg.Clock = nil

	before := time.Now().Add(-time.Second).UnixMicro()
	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Log(LevelInfo, "CLK", nil)
	require.NoError(t, logger.Close())

	records := readAllRecords(t, fs, "/logs", DefaultPrefix, nil)
	require.Len(t, records, 1)
	assert.GreaterOrEqual(t, int64(records[0].Timestamp), before) // #nosec G115 -- test
}

func TestLogger_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg, _ := memConfig()
	cfg.Checksum = true
	cfg.MaxFiles = 3
	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Log(LevelInfo, "L", []byte("leak check"))
	require.NoError(t, logger.Rotate())
	require.NoError(t, logger.Close())
}
