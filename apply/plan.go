// Package apply reconstructs an installation directory from a
// changelog: scanning what's already there, planning where each
// block comes from, fetching what's missing, and writing the result
// atomically.
package apply

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/gluu-patch/gluu/cdc"
	"github.com/gluu-patch/gluu/dict"
	"github.com/gluu-patch/gluu/gluuerr"
	"github.com/gluu-patch/gluu/manifest"
	"github.com/gluu-patch/gluu/objstore"
	"github.com/gluu-patch/gluu/store"
)

// SourceKind says where a block's bytes come from during Materialise.
type SourceKind int

const (
	// SourceLocal reuses bytes already present in an existing file in
	// the install directory.
	SourceLocal SourceKind = iota
	// SourceBlockStore reads the block from the local content-addressed
	// block store.
	SourceBlockStore
	// SourceRemoteBundle fetches the block's stored-form bytes out of
	// a bundle on the object store.
	SourceRemoteBundle
)

// LocalRange is where a block's bytes live inside an existing local
// file, discovered during Scan.
type LocalRange struct {
	Path   string
	Offset int64
	Length int64
}

// BlockSource describes where one block's bytes will come from.
type BlockSource struct {
	Kind     SourceKind
	BlockID  string
	Local    LocalRange
	BundleID string
	Offset   uint64
	Length   uint32
}

// FilePlan is the ordered list of block sources needed to materialise
// one file.
type FilePlan struct {
	Path   string
	Clean  bool // already matches the manifest; Materialise can skip it
	Blocks []BlockSource
}

// ScanResult is what Scan discovers about the current state of the
// install directory.
type ScanResult struct {
	// LocalBlocks maps a block id to where its bytes were found among
	// existing files, first occurrence wins.
	LocalBlocks map[string]LocalRange
	// CleanFiles holds paths whose on-disk block sequence already
	// matches the manifest exactly.
	CleanFiles map[string]bool
}

// Engine drives the five-step apply algorithm (spec §4.7) against one
// installation directory.
type Engine struct {
	Dir        string
	Changelog  *manifest.Changelog
	Store      *store.Store
	Objects    objstore.Store // may be nil if everything resolves locally
	Codec      *dict.Codec    // nil in uncompressed mode
	Concurrency int
	MaxRetries int
}

// NewEngine builds an Engine with the defaults from spec §5 (16
// in-flight requests, 3 retries).
func NewEngine(dir string, c *manifest.Changelog, st *store.Store, objects objstore.Store, codec *dict.Codec) *Engine {
	return &Engine{
		Dir:         dir,
		Changelog:   c,
		Store:       st,
		Objects:     objects,
		Codec:       codec,
		Concurrency: 16,
		MaxRetries:  3,
	}
}

// Scan walks Dir, content-defined-chunking every existing regular
// file with the manifest's block size, and records which blocks are
// already available locally. A file whose block sequence exactly
// matches its manifest entry is marked clean so Materialise can leave
// it untouched (spec §4.7 step 1).
//
// A file whose size and mtime match the previous Scan's cache entry
// is trusted without rereading its bytes -- the cache only decides
// whether to bother rechunking, it never substitutes its own record
// for a fresh chunk+hash when the stat disagrees (SPEC_FULL.md §4.7).
func (e *Engine) Scan(ctx context.Context) (*ScanResult, error) {
	res := &ScanResult{
		LocalBlocks: map[string]LocalRange{},
		CleanFiles:  map[string]bool{},
	}
	cache := loadScanCache(e.Dir)
	newCache := scanCache{}

	err := filepath.Walk(e.Dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(e.Dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if isDenylisted(rel) {
			return nil
		}

		var blocks []string
		var offsets []offsetLen
		if hit, ok := cache[rel]; ok && hit.Size == info.Size() && hit.ModTime == info.ModTime().UnixNano() {
			blocks = hit.Blocks
			offsets = make([]offsetLen, len(hit.Offsets))
			for i, s := range hit.Offsets {
				offsets[i] = offsetLen{start: s.Start, length: s.Length}
			}
		} else {
			blocks, offsets, err = chunkWithOffsets(p, e.Changelog.BlockSize)
			if err != nil {
				log.Warnf("scan: skipping unreadable file %s: %v", rel, err)
				return nil
			}
		}

		spans := make([]cacheSpan, len(offsets))
		for i, id := range blocks {
			spans[i] = cacheSpan{Start: offsets[i].start, Length: offsets[i].length}
			if _, have := res.LocalBlocks[id]; !have {
				res.LocalBlocks[id] = LocalRange{Path: p, Offset: offsets[i].start, Length: offsets[i].length}
			}
		}
		newCache[rel] = cacheEntry{Size: info.Size(), ModTime: info.ModTime().UnixNano(), Blocks: blocks, Offsets: spans}

		if want, ok := e.Changelog.Files[rel]; ok && sameBlocks(want, blocks) {
			res.CleanFiles[rel] = true
		}
		return nil
	})
	if err != nil {
		return nil, &gluuerr.InputError{Path: e.Dir, Err: err}
	}
	newCache.save(e.Dir)
	return res, nil
}

type offsetLen struct {
	start  int64
	length int64
}

func chunkWithOffsets(path string, avg uint) (ids []string, offsets []offsetLen, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	c, err := cdc.New(avg, 0)
	if err != nil {
		return nil, nil, err
	}
	c.Start(f)
	for {
		chunk, nerr := c.Next()
		if nerr == io.EOF {
			break
		}
		if nerr != nil {
			return nil, nil, nerr
		}
		ids = append(ids, chunk.Hash)
		offsets = append(offsets, offsetLen{start: int64(chunk.Offset), length: int64(chunk.Length)})
	}
	return ids, offsets, nil
}

func sameBlocks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var denylist = map[string]bool{".DS_Store": true, cacheFileName: true}

func isDenylisted(relPath string) bool {
	return denylist[filepath.Base(relPath)]
}

// Plan builds, for every file in the manifest, the ordered list of
// block sources needed to materialise it: local reuse first, then the
// local block store, then the remote bundle (spec §4.7 step 2).
func (e *Engine) Plan(scan *ScanResult) map[string]FilePlan {
	plans := make(map[string]FilePlan, len(e.Changelog.Files))
	for path, blockIDs := range e.Changelog.Files {
		if scan.CleanFiles[path] {
			plans[path] = FilePlan{Path: path, Clean: true}
			continue
		}
		fp := FilePlan{Path: path, Blocks: make([]BlockSource, 0, len(blockIDs))}
		for _, id := range blockIDs {
			fp.Blocks = append(fp.Blocks, e.sourceFor(scan, id))
		}
		plans[path] = fp
	}
	return plans
}

func (e *Engine) sourceFor(scan *ScanResult, id string) BlockSource {
	if lr, ok := scan.LocalBlocks[id]; ok {
		return BlockSource{Kind: SourceLocal, BlockID: id, Local: lr}
	}
	if e.Store != nil && e.Store.Has(id) {
		return BlockSource{Kind: SourceBlockStore, BlockID: id}
	}
	bundleID := e.Changelog.BlockIndex[id]
	for _, be := range e.Changelog.Bundles[bundleID] {
		if be.BlockID == id {
			return BlockSource{
				Kind:     SourceRemoteBundle,
				BlockID:  id,
				BundleID: bundleID,
				Offset:   be.Offset,
				Length:   be.Length,
			}
		}
	}
	return BlockSource{Kind: SourceRemoteBundle, BlockID: id, BundleID: bundleID}
}

// neededFraction returns, for each bundle referenced by plans, the
// fraction of its member blocks that are actually needed (not already
// satisfied locally). Grounded on the original's
// patch_data.py._analyze_bundles.
func neededFraction(c *manifest.Changelog, plans map[string]FilePlan) map[string]float64 {
	needed := map[string]map[string]bool{}
	for _, fp := range plans {
		for _, b := range fp.Blocks {
			if b.Kind != SourceRemoteBundle {
				continue
			}
			if needed[b.BundleID] == nil {
				needed[b.BundleID] = map[string]bool{}
			}
			needed[b.BundleID][b.BlockID] = true
		}
	}
	frac := make(map[string]float64, len(needed))
	for bundleID, set := range needed {
		total := len(c.Bundles[bundleID])
		if total == 0 {
			frac[bundleID] = 1
			continue
		}
		frac[bundleID] = float64(len(set)) / float64(total)
	}
	return frac
}

func sortedBundleIDs(frac map[string]float64) []string {
	ids := make([]string, 0, len(frac))
	for id := range frac {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
