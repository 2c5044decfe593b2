// Package dict trains a Zstandard dictionary from a sample of blocks
// and exposes a compress/decompress codec keyed by dictionary id.
//
// klauspost/compress/zstd does not implement the COVER/ZDICT training
// algorithm the original tool's zstandard.train_dictionary uses; it
// does support RFC 8478 raw-content dictionaries (zstd.WithEncoderDictRaw
// / zstd.WithDecoderDictRaw), which is what Train builds here: a capped
// uniform sample of block bytes concatenated up to the target size.
package dict

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/gluu-patch/gluu/gluuerr"
)

// Defaults mirror the original tool's sampling policy.
const (
	DefaultTargetSize  = 110 * 1024        // 110 KiB
	DefaultSampleCap   = 2000              // blocks
	DefaultSampleBytes = 100 * 1024 * 1024 // 100 MiB
)

// Dictionary is a trained (or, here, raw-content) Zstd dictionary.
type Dictionary struct {
	ID    string // hex SHA-256 of Bytes
	Bytes []byte
}

// Train samples blocks uniformly at random, up to DefaultSampleCap
// blocks or DefaultSampleBytes of content (whichever is smaller), and
// concatenates them into a raw-content dictionary truncated to
// targetSize. If blocks is empty, Train returns an empty Dictionary
// and the caller (the manifest builder) must fall back to an
// uncompressed manifest, per spec: "Training failure (insufficient
// samples) yields an empty dictionary, and the manifest is marked
// uncompressed."
func Train(blocks [][]byte, targetSize int) (Dictionary, error) {
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	if len(blocks) == 0 {
		return Dictionary{}, nil
	}

	order := rand.Perm(len(blocks))
	var sample []byte
	sampled := 0
	for _, idx := range order {
		if sampled >= DefaultSampleCap || len(sample) >= DefaultSampleBytes {
			break
		}
		sample = append(sample, blocks[idx]...)
		sampled++
	}
	if len(sample) > targetSize {
		sample = sample[:targetSize]
	}
	if len(sample) == 0 {
		return Dictionary{}, nil
	}

	sum := sha256.Sum256(sample)
	return Dictionary{ID: hex.EncodeToString(sum[:]), Bytes: sample}, nil
}

// Codec compresses and decompresses blocks against one fixed
// dictionary and compression level. A manifest is either fully
// compressed or fully uncompressed -- there is exactly one Codec per
// manifest, never a mix of dictionaries.
type Codec struct {
	dict    Dictionary
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	level   int
	noop    bool // true when dict is empty: codec passes bytes through unchanged
}

// NewCodec builds a Codec for the given dictionary and compression
// level (default 5, per spec). An empty Dictionary yields a no-op
// codec so callers in uncompressed mode can share the same interface.
func NewCodec(d Dictionary, level int) (*Codec, error) {
	if level <= 0 {
		level = 5
	}
	if len(d.Bytes) == 0 {
		return &Codec{dict: d, level: level, noop: true}, nil
	}

	encLevel := zstd.EncoderLevelFromZstd(level)
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderDictRaw(0, d.Bytes),
		zstd.WithEncoderLevel(encLevel),
	)
	if err != nil {
		return nil, errors.Wrap(err, "build zstd encoder")
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderDictRaw(0, d.Bytes))
	if err != nil {
		enc.Close()
		return nil, errors.Wrap(err, "build zstd decoder")
	}
	return &Codec{dict: d, enc: enc, dec: dec, level: level}, nil
}

// Dictionary returns the dictionary this codec was built with.
func (c *Codec) Dictionary() Dictionary { return c.dict }

// Compress returns the Zstd frame for buf, or buf unchanged in
// no-op (uncompressed) mode.
func (c *Codec) Compress(buf []byte) []byte {
	if c.noop {
		return buf
	}
	return c.enc.EncodeAll(buf, nil)
}

// Decompress reverses Compress. dictionaryID must match the id this
// Codec was constructed with -- a mismatch means the frame was
// produced with a different dictionary than the manifest references,
// which is always a fatal integrity error, never silently accepted.
func (c *Codec) Decompress(dictionaryID string, buf []byte) ([]byte, error) {
	if c.noop {
		return buf, nil
	}
	if dictionaryID != c.dict.ID {
		return nil, &gluuerr.IntegrityError{
			Err: errors.Errorf("block encoded with dictionary %q, codec has %q", dictionaryID, c.dict.ID),
		}
	}
	out, err := c.dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, &gluuerr.IntegrityError{Err: errors.Wrap(err, "zstd decode")}
	}
	return out, nil
}

// Close releases the underlying encoder/decoder goroutines.
func (c *Codec) Close() {
	if c.noop {
		return
	}
	c.enc.Close()
	c.dec.Close()
}
