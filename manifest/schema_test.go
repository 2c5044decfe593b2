package manifest

import (
	"testing"

	"github.com/gluu-patch/gluu/bundle"
)

func validChangelog() *Changelog {
	return &Changelog{
		Version:    "v1",
		Files:      map[string][]string{"a.txt": {"b1", "b2"}},
		BlockIndex: map[string]string{"b1": "bundle1", "b2": "bundle1"},
		Bundles: map[string][]bundle.BlockEntry{
			"bundle1": {
				{BlockID: "b1", Offset: 0, Length: 4},
				{BlockID: "b2", Offset: 4, Length: 4},
			},
		},
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	c := validChangelog()
	raw, err := c.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Version != c.Version || len(got.Files) != len(c.Files) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, c)
	}
}

func TestValidateRejectsUnindexedBlock(t *testing.T) {
	c := validChangelog()
	c.Files["a.txt"] = append(c.Files["a.txt"], "missing-block")
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error for unindexed block")
	}
}

func TestValidateRejectsUnknownBundle(t *testing.T) {
	c := validChangelog()
	c.BlockIndex["b1"] = "no-such-bundle"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown bundle reference")
	}
}

func TestValidateRejectsNonContiguousOffsets(t *testing.T) {
	c := validChangelog()
	c.Bundles["bundle1"][1].Offset = 100
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error for non-contiguous offsets")
	}
}

func TestFileHashStableAndOrderSensitive(t *testing.T) {
	h1 := FileHash([]string{"b1", "b2"})
	h2 := FileHash([]string{"b1", "b2"})
	h3 := FileHash([]string{"b2", "b1"})
	if h1 != h2 {
		t.Fatalf("expected identical block lists to hash identically")
	}
	if h1 == h3 {
		t.Fatalf("expected different block order to change the hash")
	}
}
