// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit writes an append-only JSONL trail of control-plane
// events: sandbox lifecycle transitions, approval decisions, egress
// changes, secret releases. The active log rotates at a size
// threshold; rotated segments are zstd-compressed and timestamped.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/gatehouse-dev/gatehouse/lib/clock"
)

// DefaultRotateBytes is the active-log size at which rotation kicks
// in, unless the configuration overrides it.
const DefaultRotateBytes = 8 << 20

// Entry is one audit record. Entries are written as single JSON
// lines; a torn final line from a crash is skipped by readers, never
// repaired.
type Entry struct {
	Time      time.Time      `json:"time"`
	Kind      string         `json:"kind"`
	SandboxID string         `json:"sandbox_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Log is an append-only audit log. Safe for concurrent use. It
// satisfies the gateway's Auditor interface.
type Log struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	size        int64
	rotateBytes int64
	clock       clock.Clock
	logger      *slog.Logger
}

// Open opens or creates the audit log at path. rotateBytes <= 0 uses
// DefaultRotateBytes.
func Open(path string, rotateBytes int64, clk clock.Clock, logger *slog.Logger) (*Log, error) {
	if rotateBytes <= 0 {
		rotateBytes = DefaultRotateBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("statting audit log: %w", err)
	}
	return &Log{
		path:        path,
		file:        file,
		size:        info.Size(),
		rotateBytes: rotateBytes,
		clock:       clk,
		logger:      logger,
	}, nil
}

// Record appends one entry. Failures are logged and swallowed: the
// audit trail must never take the control plane down with it.
func (l *Log) Record(kind, sandboxID string, fields map[string]any) {
	entry := Entry{
		Time:      l.clock.Now().UTC(),
		Kind:      kind,
		SandboxID: sandboxID,
		Fields:    fields,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("encoding audit entry", "kind", kind, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size+int64(len(line)) > l.rotateBytes {
		if err := l.rotateLocked(); err != nil {
			l.logger.Error("rotating audit log", "error", err)
		}
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		l.logger.Error("writing audit entry", "kind", kind, "error", err)
	}
}

// rotateLocked closes the active log, compresses it into a
// timestamped .jsonl.zst segment, and starts a fresh active log.
// A failed rotation reopens the active log in append mode so the
// trail keeps recording; only the compression attempt is lost.
func (l *Log) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		l.reopenLocked()
		return fmt.Errorf("closing active log: %w", err)
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		l.reopenLocked()
		return fmt.Errorf("reading active log: %w", err)
	}
	stamp := l.clock.Now().UTC().Format("20060102T150405Z")
	rotated := fmt.Sprintf("%s.%s.jsonl.zst", l.path, stamp)
	if err := os.WriteFile(rotated, zstdEncoder.EncodeAll(data, nil), 0o600); err != nil {
		l.reopenLocked()
		return fmt.Errorf("writing rotated segment: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		l.reopenLocked()
		return fmt.Errorf("reopening active log: %w", err)
	}
	l.file = file
	l.size = 0
	l.logger.Info("audit log rotated", "segment", rotated, "bytes", len(data))
	return nil
}

// reopenLocked restores an appendable handle on the active log after
// a rotation attempt left it closed. On failure the old closed handle
// stays in place; the next rotation attempt retries.
func (l *Log) reopenLocked() {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		l.logger.Error("reopening audit log after failed rotation", "error", err)
		return
	}
	l.file = file
	if info, err := file.Stat(); err == nil {
		l.size = info.Size()
	}
}

// Close flushes and closes the active log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ReadSegment decompresses a rotated segment and returns its entries.
// Torn or unparseable lines are skipped.
func ReadSegment(path string) ([]Entry, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading segment: %w", err)
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing segment: %w", err)
	}
	return parseLines(data), nil
}

// ReadActive returns the entries in an uncompressed active log.
func ReadActive(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	return parseLines(data), nil
}

func parseLines(data []byte) []Entry {
	var entries []Entry
	for line := range splitLines(data) {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func splitLines(data []byte) func(func([]byte) bool) {
	return func(yield func([]byte) bool) {
		start := 0
		for i, b := range data {
			if b != '\n' {
				continue
			}
			if i > start && !yield(data[start:i]) {
				return
			}
			start = i + 1
		}
		if start < len(data) {
			yield(data[start:])
		}
	}
}

// Shared zstd coders, reused across calls. Both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("audit: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("audit: zstd decoder initialization failed: " + err.Error())
	}
}
