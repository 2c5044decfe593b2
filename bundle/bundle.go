// Package bundle packs blocks belonging to a file (or file group) into
// bundles so transfer can be amortized over one request per bundle
// instead of one per block, while keeping previously-assigned blocks
// pinned to their existing bundle for CDN cache stability.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

// DefaultMaxBundleSize is the suggested bundle size cap (spec §3).
const DefaultMaxBundleSize = 16 * 1024 * 1024

// BlockEntry records one block's position within a bundle. Offset and
// Length refer to the bundle's stored-form bytes (already compressed,
// if the manifest is compressed), per spec §6.
type BlockEntry struct {
	BlockID string `json:"hash"`
	Offset  uint64 `json:"offset"`
	Length  uint32 `json:"length"`
}

// Bundle is a concatenation of one or more blocks, identified by the
// SHA-256 of its concatenated *uncompressed* block payloads (spec §3),
// even though the bytes actually stored for it are in stored form.
type Bundle struct {
	ID     string
	Blocks []BlockEntry
}

// BlockSource supplies both forms of a block's bytes: raw (always
// uncompressed, used only to compute bundle identity) and stored
// (what actually gets written to the bundle file -- identical to raw
// in uncompressed mode).
type BlockSource interface {
	Block(id string) (raw []byte, stored []byte, err error)
}

// Previous carries the bundle assignment of an earlier manifest, so
// the packer can keep still-referenced blocks pinned to their
// existing bundle.
type Previous struct {
	BlockIndex map[string]string // block id -> bundle id
	Bundles    map[string]Bundle // bundle id -> bundle
}

// Packer groups blocks into bundles capped at MaxBundleSize bytes of
// stored-form content.
type Packer struct {
	MaxBundleSize int64
}

// NewPacker returns a Packer with the given cap, or DefaultMaxBundleSize
// if maxSize <= 0.
func NewPacker(maxSize int64) *Packer {
	if maxSize <= 0 {
		maxSize = DefaultMaxBundleSize
	}
	return &Packer{MaxBundleSize: maxSize}
}

// Result is the outcome of a Pack call.
type Result struct {
	Bundles    map[string]Bundle // bundle id -> bundle, includes reused + new
	BlockIndex map[string]string // block id -> bundle id, covers every block in order plus any sibling reused along with it
	// NewPayloads holds the stored-form bytes for bundles that did not
	// exist in Previous -- only these need to be written to the bundle
	// store; reused bundles are already on disk, byte-for-byte
	// unchanged.
	NewPayloads map[string][]byte
}

// Pack assigns every block id in order (deduplicated, first occurrence
// wins its position) to a bundle. order should list every block
// referenced by the manifest, concatenated across files in the
// manifest's deterministic (sorted-path) order, so that blocks of a
// single file land contiguously in the same bundle unless the cap
// forces a split.
func (p *Packer) Pack(order []string, src BlockSource, prev *Previous) (Result, error) {
	res := Result{
		Bundles:     map[string]Bundle{},
		BlockIndex:  map[string]string{},
		NewPayloads: map[string][]byte{},
	}

	seen := map[string]bool{}
	var pending []string

	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true

		if prev != nil {
			if bid, ok := prev.BlockIndex[id]; ok {
				if oldBundle, ok2 := prev.Bundles[bid]; ok2 {
					if _, already := res.Bundles[bid]; !already {
						res.Bundles[bid] = oldBundle
						for _, be := range oldBundle.Blocks {
							res.BlockIndex[be.BlockID] = bid
						}
					}
					continue
				}
			}
		}
		pending = append(pending, id)
	}

	var curEntries []BlockEntry
	var curRaw, curStored []byte

	flush := func() error {
		if len(curEntries) == 0 {
			return nil
		}
		sum := sha256.Sum256(curRaw)
		id := hex.EncodeToString(sum[:])
		res.Bundles[id] = Bundle{ID: id, Blocks: curEntries}
		res.NewPayloads[id] = curStored
		for _, be := range curEntries {
			res.BlockIndex[be.BlockID] = id
		}
		curEntries = nil
		curRaw = nil
		curStored = nil
		return nil
	}

	for _, id := range pending {
		raw, stored, err := src.Block(id)
		if err != nil {
			return Result{}, errors.Wrapf(err, "load block %s", id)
		}
		if len(curEntries) > 0 && int64(len(curStored))+int64(len(stored)) > p.MaxBundleSize {
			if err := flush(); err != nil {
				return Result{}, err
			}
		}
		entry := BlockEntry{
			BlockID: id,
			Offset:  uint64(len(curStored)),
			Length:  uint32(len(stored)),
		}
		curEntries = append(curEntries, entry)
		curRaw = append(curRaw, raw...)
		curStored = append(curStored, stored...)
	}
	if err := flush(); err != nil {
		return Result{}, err
	}

	return res, nil
}
