// Package manifest builds, diffs, and serializes the changelog: the
// root document describing a directory tree's files, blocks, and
// bundle assignments.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gluu-patch/gluu/bundle"
	"github.com/gluu-patch/gluu/gluuerr"
)

// Changelog is the root document (spec §3/§6). Unknown JSON fields are
// ignored on read and never emitted on write, per the "dynamic
// manifests become a statically-typed record" design note.
type Changelog struct {
	Version                string                       `json:"version"`
	CreatedAt               string                       `json:"created_at"`
	BlockSize                uint                         `json:"block_size"`
	Compressed               bool                         `json:"compressed"`
	DictionaryID             *string                      `json:"dictionary_id"`
	Files                    map[string][]string          `json:"files"`
	Bundles                  map[string][]bundle.BlockEntry `json:"bundles"`
	BlockIndex               map[string]string            `json:"block_index"`
	TotalUncompressedBytes   int64                        `json:"total_uncompressed_bytes"`
}

// Marshal serializes c as UTF-8 JSON with the spec's field names.
func (c *Changelog) Marshal() ([]byte, error) {
	buf, err := json.Marshal(c)
	if err != nil {
		return nil, &gluuerr.InputError{Err: err}
	}
	return buf, nil
}

// Unmarshal parses raw JSON into a Changelog. Unknown fields are
// silently ignored (encoding/json's default behavior).
func Unmarshal(raw []byte) (*Changelog, error) {
	c := &Changelog{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, &gluuerr.InputError{Err: err}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the invariants from spec §3: every block referenced
// by files appears exactly once in block_index; every bundle has a
// matching block_index entry; bundle offsets/lengths are contiguous
// and non-overlapping.
func (c *Changelog) Validate() error {
	for path, blocks := range c.Files {
		for _, id := range blocks {
			if _, ok := c.BlockIndex[id]; !ok {
				return &gluuerr.InputError{Err: errf("file %q references unindexed block %s", path, id)}
			}
		}
	}
	for id, bundleID := range c.BlockIndex {
		blocks, ok := c.Bundles[bundleID]
		if !ok {
			return &gluuerr.InputError{Err: errf("block %s indexed to unknown bundle %s", id, bundleID)}
		}
		found := false
		for _, be := range blocks {
			if be.BlockID == id {
				found = true
				break
			}
		}
		if !found {
			return &gluuerr.InputError{Err: errf("block %s indexed to bundle %s but not a member", id, bundleID)}
		}
	}
	indexed := make(map[string]bool, len(c.Bundles))
	for _, bundleID := range c.BlockIndex {
		indexed[bundleID] = true
	}
	for bundleID := range c.Bundles {
		if !indexed[bundleID] {
			return &gluuerr.InputError{Err: errf("bundle %s has no block_index entry", bundleID)}
		}
	}
	for bundleID, blocks := range c.Bundles {
		var want uint64
		for i, be := range blocks {
			if be.Offset != want {
				return &gluuerr.InputError{Err: errf("bundle %s block %d offset %d, want %d (non-contiguous)", bundleID, i, be.Offset, want)}
			}
			want += uint64(be.Length)
		}
	}
	return nil
}

// FileHash returns the content identity of a file's ordered block
// list: the SHA-256 hex of its concatenated block ids. Grounded on
// the original's BlockBuilder per-file hash (sha256 of joined block
// hashes), used here as the cheap "did this file change" comparison
// key for Diff.ChangedFiles.
func FileHash(blockIDs []string) string {
	sum := sha256.Sum256([]byte(strings.Join(blockIDs, "")))
	return hex.EncodeToString(sum[:])
}

func errf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
