// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret stores sandbox credentials in an age-encrypted
// bundle and hands individual values out only against an approved
// secret.use decision. Decrypted material lives in mmap-backed
// buffers outside the Go heap: locked against swap, excluded from
// core dumps, zeroed on close.
package secret

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive bytes in memory the garbage collector never
// sees. The backing region is mlocked and excluded from core dumps.
// Access after Close panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// NewBuffer allocates a protected buffer of the given size.
func NewBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise: %w", err)
	}

	return &Buffer{data: data}, nil
}

// FromBytes copies source into a protected buffer and zeroes the
// source in place, so the caller's slice no longer holds the secret.
func FromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: empty source")
	}
	buffer, err := NewBuffer(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	for i := range source {
		source[i] = 0
	}
	return buffer, nil
}

// Bytes returns the protected bytes. The slice aliases the mmap
// region: do not retain it past the buffer's lifetime.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// String returns a heap copy of the contents. Use only at API
// boundaries that demand a string; prefer Bytes.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Close zeroes, unlocks, and unmaps the region. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for i := range b.data {
		b.data[i] = 0
	}
	unix.Munlock(b.data)
	err := unix.Munmap(b.data)
	b.data = nil
	b.closed = true
	if err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	return nil
}
