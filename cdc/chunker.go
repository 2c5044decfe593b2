// Package cdc implements content-defined chunking: splitting a byte
// stream into variable-length blocks at boundaries determined by the
// stream's own content, so an edit near one point in a file only
// perturbs the chunks nearest the edit.
//
// The corpus carries no FastCDC implementation, so this package builds
// on restic/chunker's Rabin-fingerprint rolling hash -- the same
// content-defined chunking family, with boundary ratios configured to
// match FastCDC's (min = avg/4, max = avg*4). Block identity (the
// SHA-256 of the chunk bytes) is independent of which algorithm finds
// the cut points.
package cdc

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/bits"

	resticchunker "github.com/restic/chunker"
)

// DefaultAvgSize is used when a caller doesn't specify one.
const DefaultAvgSize = 64 * 1024

// DefaultPolynomial is the Rabin irreducible polynomial used whenever
// a caller doesn't supply one. restic/chunker normally recommends a
// fresh random polynomial per repository, to keep two independently
// chunked stores from lining up in a way that leaks content structure
// across trust boundaries. That property is actively wrong here:
// spec invariant 1 requires that chunking the same bytes with the
// same avg always yields the same block ids, on the create side and
// again during the Apply Engine's local rescan (§4.7 step 1) -- so
// every caller that doesn't explicitly pin a polynomial must land on
// this same fixed one, never a random one.
const DefaultPolynomial resticchunker.Pol = 0x3DA3358B4DC173

// Chunk describes one content-defined block within a stream.
type Chunk struct {
	Offset uint64
	Length uint32
	Hash   string // lowercase hex SHA-256 of the chunk bytes
	Data   []byte
}

// Boundaries returns FastCDC-ratio min/max sizes for a given average.
func Boundaries(avg uint) (min, max uint) {
	min = avg / 4
	max = avg * 4
	if min < 1 {
		min = 1
	}
	return
}

// Chunker splits a single io.Reader into content-defined chunks in one
// forward pass. It is not safe for concurrent use by multiple
// goroutines, but a new Chunker may be created per file so that many
// files can be chunked concurrently by independent workers.
type Chunker struct {
	avg  uint
	min  uint
	max  uint
	poly resticchunker.Pol
	c    *resticchunker.Chunker
	buf  []byte
}

// New constructs a Chunker for the given average block size. poly may
// be zero, in which case DefaultPolynomial is used -- the fixed value
// every call site in this module relies on for cross-run determinism.
// Callers that pass a non-zero poly are opting into a different,
// still-deterministic chunking domain (e.g. tests isolating their own
// fixtures from the package default).
func New(avg uint, poly resticchunker.Pol) (*Chunker, error) {
	if avg == 0 {
		avg = DefaultAvgSize
	}
	min, max := Boundaries(avg)
	if poly == 0 {
		poly = DefaultPolynomial
	}
	return &Chunker{
		avg:  avg,
		min:  min,
		max:  max,
		poly: poly,
		buf:  make([]byte, max+1),
	}, nil
}

// Start begins chunking rd. Start may be called repeatedly on the
// same Chunker to reuse its buffer across files.
func (c *Chunker) Start(rd io.Reader) {
	c.c = resticchunker.NewWithBoundaries(rd, c.poly, c.min, c.max)
	// restic/chunker defaults to a 1 MiB average; cut at roughly avg instead.
	c.c.SetAverageBits(bits.Len(c.avg) - 1)
}

// Next returns the next chunk, or io.EOF once the stream is
// exhausted. The returned Chunk.Data is only valid until the next
// call to Next.
func (c *Chunker) Next() (Chunk, error) {
	rc, err := c.c.Next(c.buf)
	if err != nil {
		return Chunk{}, err
	}
	sum := sha256.Sum256(rc.Data)
	return Chunk{
		Offset: uint64(rc.Start),
		Length: uint32(rc.Length),
		Hash:   hex.EncodeToString(sum[:]),
		Data:   rc.Data,
	}, nil
}

// All chunks a full reader and returns every chunk, in stream order.
// It is a convenience for callers (tests, small files) that don't need
// to stream chunk-by-chunk.
func All(rd io.Reader, avg uint, poly resticchunker.Pol) ([]Chunk, error) {
	c, err := New(avg, poly)
	if err != nil {
		return nil, err
	}
	c.Start(rd)
	var chunks []Chunk
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		// Data aliases c.buf; copy it out since it's reused on Next().
		data := make([]byte, len(chunk.Data))
		copy(data, chunk.Data)
		chunk.Data = data
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
