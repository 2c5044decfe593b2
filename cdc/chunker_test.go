package cdc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/rand"
	"testing"
)

func randBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	buf := make([]byte, n)
	r := rand.New(rand.NewSource(seed))
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return buf
}

// TestDeterministic checks hash stability: chunking the same bytes
// twice with the same polynomial yields the same sequence of
// (offset, length, hash).
func TestDeterministic(t *testing.T) {
	data := randBytes(t, 4*1024*1024, 42)

	first, err := All(bytes.NewReader(data), 64*1024, 0x3DA3358B4DC173)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	second, err := All(bytes.NewReader(data), 64*1024, 0x3DA3358B4DC173)
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("chunk count differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Offset != second[i].Offset || first[i].Length != second[i].Length || first[i].Hash != second[i].Hash {
			t.Fatalf("chunk %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

// TestReassembly checks that concatenating chunk data reproduces the
// original bytes exactly, and that each hash matches its chunk data.
func TestReassembly(t *testing.T) {
	data := randBytes(t, 2*1024*1024+137, 7)

	chunks, err := All(bytes.NewReader(data), 32*1024, 0)
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	var got []byte
	for _, c := range chunks {
		sum := sha256.Sum256(c.Data)
		if hex.EncodeToString(sum[:]) != c.Hash {
			t.Fatalf("hash mismatch for chunk at offset %d", c.Offset)
		}
		got = append(got, c.Data...)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("reassembled data does not match original")
	}
}

// TestSizeBounds checks every chunk (except possibly the very last)
// stays within the spec's min/max ratios of avg.
func TestSizeBounds(t *testing.T) {
	const avg = 8192
	min, max := Boundaries(avg)
	data := randBytes(t, 1024*1024, 99)

	chunks, err := All(bytes.NewReader(data), avg, 0)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	for i, c := range chunks {
		isLast := i == len(chunks)-1
		if uint(c.Length) < min && !isLast {
			t.Fatalf("chunk %d length %d below min %d", i, c.Length, min)
		}
		if uint(c.Length) > max {
			t.Fatalf("chunk %d length %d above max %d", i, c.Length, max)
		}
	}
}

func TestEmptyStream(t *testing.T) {
	chunks, err := All(bytes.NewReader(nil), 64*1024, 0)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty stream, got %d", len(chunks))
	}
}

func TestSingleChunker(t *testing.T) {
	c, err := New(4096, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start(bytes.NewReader([]byte("hello")))
	chunk, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(chunk.Data) != "hello" {
		t.Fatalf("expected %q got %q", "hello", chunk.Data)
	}
	_, err = c.Next()
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
