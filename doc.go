// Package ulog provides a black-box binary logger for embedded and edge devices.
//
// Producers on any number of goroutines hand records (level, tag, payload) to a
// Logger. Log never blocks: each record is encoded into a small self-delimited
// packet and copied into a fixed-size ring buffer, or dropped and counted when
// the buffer is full. One writer goroutine drains the buffer, optionally
// encrypts the stream with AES-256-CTR, and appends it to a sequence of
// size-limited files.
//
// # Quick Start
//
//	cfg := ulog.DefaultConfig("/mnt/sd/logs")
//	cfg.Prefix = "flight"
//	cfg.FileSizeLimitStr = "4MB"
//
//	logger, err := ulog.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Close()
//
//	logger.Log(ulog.LevelInfo, "IMU", sample)
//	logger.Logf(ulog.LevelWarn, "GPS", "fix lost after %s", elapsed)
//
// # Encryption
//
//	cfg.Encrypt = true
//	cfg.Key = key // 32 bytes, never logged nor written to storage
//
// Every file gets a fresh random IV, stored in plaintext after the header.
//
// # File Format (version 1)
//
// All integers are little-endian.
//
//	offset 0       header, 48 bytes, plaintext
//	                 magic "ULog" | version u8 | flags u8 (bit0 encrypted) |
//	                 header size u16 | device id [16] | created at i64 (unix µs) |
//	                 sequence u32 | reserved [12]
//	offset 48      IV, 16 bytes, only when encrypted
//	offset 48|64   packet stream, AES-256-CTR encrypted when flagged
//
//	packet: u16 length | u64 timestamp (unix µs) | u8 level | u8 tag_len | tag |
//	        u16 payload_len | payload
//
// Tags are at most 32 bytes and payloads at most 1024 bytes. Files are named
// <prefix>_<sequence>.ulg with a six digit sequence that continues after the
// highest file already present. A packet is never split across two files, and
// no file grows past the configured limit.
//
// # Reading
//
//	records, err := ulog.ReadFile(afero.NewOsFs(), "/mnt/sd/logs/flight_000001.ulg", key)
//
// A file cut short by power loss yields its complete records and ErrIncomplete.
//
// # Storage Failures
//
// Failed writes are retried with exponential backoff. When retries run out the
// logger is degraded: records stay in the buffer (new ones drop once it is
// full) and every flush interval probes storage again. Stats reports the state
// and every drop, and Config.Diagnostics receives the logger's own events.
//
// # Configuration Files
//
// LoadConfig reads YAML, TOML or JSON with ULOG_ environment overrides;
// WatchConfig hot reloads the minimum level and console mirroring.
package ulog
