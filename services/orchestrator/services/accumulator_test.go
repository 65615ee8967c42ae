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
	"strings"
	"testing"
)

func TestAccumulatorWriteAndFinalize(t *testing.T) {
	acc := NewTokenAccumulator()
	defer acc.Destroy()

	for _, chunk := range []string{"Hello", ", ", "world", "!"} {
		if err := acc.Write(chunk); err != nil {
			t.Fatalf("Write(%q): %v", chunk, err)
		}
	}
	if acc.Len() != len("Hello, world!") {
		t.Errorf("Len() = %d", acc.Len())
	}

	answer, hashStr, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if answer != "Hello, world!" {
		t.Errorf("answer %q", answer)
	}

	sum := sha256.Sum256([]byte("Hello, world!"))
	if hashStr != hex.EncodeToString(sum[:]) {
		t.Errorf("hash %q does not match content", hashStr)
	}
}

func TestAccumulatorSnapshotDoesNotConsume(t *testing.T) {
	acc := NewTokenAccumulator()
	defer acc.Destroy()

	if err := acc.Write("partial "); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := acc.Snapshot(); got != "partial " {
		t.Errorf("Snapshot() = %q", got)
	}

	// Writes continue after a snapshot and the hash covers everything.
	if err := acc.Write("answer"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	answer, hashStr, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if answer != "partial answer" {
		t.Errorf("answer %q", answer)
	}
	sum := sha256.Sum256([]byte("partial answer"))
	if hashStr != hex.EncodeToString(sum[:]) {
		t.Errorf("hash %q does not match content", hashStr)
	}
}

func TestAccumulatorUnusableAfterFinalize(t *testing.T) {
	acc := NewTokenAccumulator()
	defer acc.Destroy()

	if err := acc.Write("text"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, _, err := acc.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := acc.Write("more"); err == nil {
		t.Error("Write after Finalize must fail")
	}
	if _, _, err := acc.Finalize(); err == nil {
		t.Error("second Finalize must fail")
	}
	if got := acc.Snapshot(); got != "" {
		t.Errorf("Snapshot after Finalize = %q", got)
	}
}

func TestAccumulatorOverflow(t *testing.T) {
	acc := NewTokenAccumulator()
	defer acc.Destroy()

	big := strings.Repeat("x", AccumulatorBufferSize)
	if err := acc.Write(big); err != nil {
		t.Fatalf("write at capacity: %v", err)
	}
	if err := acc.Write("y"); err == nil {
		t.Error("write past capacity must fail")
	}

	// The accumulated content survives the rejected write.
	answer, _, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(answer) != AccumulatorBufferSize {
		t.Errorf("answer length %d", len(answer))
	}
}

func TestAccumulatorDestroyIsIdempotent(t *testing.T) {
	acc := NewTokenAccumulator()
	if err := acc.Write("secret"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	acc.Destroy()
	acc.Destroy()

	if err := acc.Write("more"); err == nil {
		t.Error("Write after Destroy must fail")
	}
}

func TestInsecureAccumulatorFallback(t *testing.T) {
	t.Setenv(insecureMemoryEnv, "true")

	acc := NewTokenAccumulator()
	defer acc.Destroy()

	if _, ok := acc.(*insecureAccumulator); !ok {
		t.Fatalf("accumulator type %T, want insecure fallback", acc)
	}
	if err := acc.Write("fallback text"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	answer, hashStr, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if answer != "fallback text" || hashStr == "" {
		t.Errorf("answer %q hash %q", answer, hashStr)
	}
}
