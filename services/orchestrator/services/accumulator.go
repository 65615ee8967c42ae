// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

const (
	// AccumulatorBufferSize caps one answer. Streams writing past this
	// mark fail with an overflow error.
	AccumulatorBufferSize = 512 * 1024 // 512 KB

	// insecureMemoryEnv acknowledges running without mlocked buffers.
	insecureMemoryEnv = "NIA_INSECURE_MEMORY"
)

// TokenAccumulator collects streamed chunks into a single answer with an
// incremental SHA-256 integrity hash.
//
// # Description
//
// Chunks are hashed as they arrive. The secure implementation stores them
// in a memguard LockedBuffer (mlocked, guard pages, wiped on destroy);
// when locked memory is unavailable, or NIA_INSECURE_MEMORY=true, a plain
// byte slice is used instead and a warning is logged.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
//
// # Limitations
//
//   - Fixed capacity; the accumulator cannot grow.
//   - Unusable after Finalize() or Destroy().
type TokenAccumulator interface {
	// Write appends one chunk.
	Write(chunk string) error

	// Snapshot returns a copy of the text accumulated so far without
	// consuming the accumulator. Used to replay a partial answer when a
	// stream fails over mid-flight.
	Snapshot() string

	// Len returns the number of accumulated bytes.
	Len() int

	// Finalize returns the full answer and its hex SHA-256, then wipes
	// and retires the accumulator.
	Finalize() (answer string, hash string, err error)

	// Destroy wipes the buffer without returning its contents. Safe to
	// call after Finalize.
	Destroy()
}

var memguardInit sync.Once

// NewTokenAccumulator returns a secure accumulator when locked memory is
// available, an insecure one otherwise.
func NewTokenAccumulator() TokenAccumulator {
	if os.Getenv(insecureMemoryEnv) == "true" {
		return newInsecureAccumulator()
	}

	memguardInit.Do(func() {
		memguard.CatchInterrupt()
	})

	buf := memguard.NewBuffer(AccumulatorBufferSize)
	if buf == nil {
		slog.Warn("locked buffer allocation failed, falling back to insecure accumulator")
		return newInsecureAccumulator()
	}
	return &secureAccumulator{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}
}

// =============================================================================
// Secure Implementation
// =============================================================================

type secureAccumulator struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	destroyed bool
}

func (a *secureAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator %s already finalized", a.id)
	}
	b := []byte(chunk)
	if a.offset+len(b) > a.buffer.Size() {
		return fmt.Errorf("accumulator %s overflow: %d bytes exceeds capacity", a.id, a.offset+len(b))
	}
	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *secureAccumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ""
	}
	return string(a.buffer.Bytes()[:a.offset])
}

func (a *secureAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator %s already finalized", a.id)
	}
	answer := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))

	a.buffer.Destroy()
	a.destroyed = true

	slog.Debug("accumulator finalized",
		"accumulator_id", a.id,
		"answer_bytes", len(answer),
		"age", time.Since(a.createdAt),
	)
	return answer, hashStr, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.buffer.Destroy()
	a.destroyed = true
}

// =============================================================================
// Insecure Fallback Implementation
// =============================================================================

type insecureAccumulator struct {
	id string

	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	destroyed bool
}

func newInsecureAccumulator() TokenAccumulator {
	id := uuid.NewString()
	slog.Warn("created INSECURE token accumulator, data may be swapped to disk",
		"accumulator_id", id,
	)
	return &insecureAccumulator{
		id:     id,
		data:   make([]byte, 0, 4096),
		hasher: sha256.New(),
	}
}

func (a *insecureAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return fmt.Errorf("accumulator %s already finalized", a.id)
	}
	if len(a.data)+len(chunk) > AccumulatorBufferSize {
		return fmt.Errorf("accumulator %s overflow: %d bytes exceeds capacity", a.id, len(a.data)+len(chunk))
	}
	a.data = append(a.data, chunk...)
	a.hasher.Write([]byte(chunk))
	return nil
}

func (a *insecureAccumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ""
	}
	return string(a.data)
}

func (a *insecureAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", "", fmt.Errorf("accumulator %s already finalized", a.id)
	}
	answer := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, hashStr, nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

// wipe zeroes the slice before release. Best effort only; the GC may have
// already copied the data.
func (a *insecureAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}
