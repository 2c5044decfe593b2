package store

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func idOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := []byte("block payload")
	id := idOf(data)

	if s.Has(id) {
		t.Fatalf("block should not exist yet")
	}
	if err := s.PutBytes(id, data); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if !s.Has(id) {
		t.Fatalf("block should exist after Put")
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("expected %q got %q", data, got)
	}
}

func TestPutIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := []byte("idempotent")
	id := idOf(data)
	if err := s.PutBytes(id, data); err != nil {
		t.Fatalf("PutBytes 1: %v", err)
	}
	if err := s.PutBytes(id, data); err != nil {
		t.Fatalf("PutBytes 2: %v", err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("expected %q got %q", data, got)
	}
}

func TestGetMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Get("deadbeef"); err == nil {
		t.Fatalf("expected error for missing block")
	}
}

func TestIterAndAudit(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var ids []string
	for _, payload := range []string{"a", "b", "c"} {
		id := idOf([]byte(payload))
		if err := s.PutBytes(id, []byte(payload)); err != nil {
			t.Fatalf("PutBytes: %v", err)
		}
		ids = append(ids, id)
	}
	got, err := s.Iter()
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(got))
	}

	missing := s.Audit(append(ids, "not-a-real-block-id"))
	if len(missing) != 1 || missing[0] != "not-a-real-block-id" {
		t.Fatalf("expected one missing id, got %v", missing)
	}
}

func TestShardedLayout(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := idOf([]byte("shard me"))
	if err := s.PutBytes(id, []byte("shard me")); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	expected := s.Dir + "/" + id[:2] + "/" + id
	if s.path(id) != expected {
		t.Fatalf("expected path %q got %q", expected, s.path(id))
	}
}
