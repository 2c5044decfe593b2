package manifest

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/gluu-patch/gluu/bundle"
	"github.com/gluu-patch/gluu/cdc"
	"github.com/gluu-patch/gluu/dict"
	"github.com/gluu-patch/gluu/gluuerr"
)

// BuildOptions configures a Build call.
type BuildOptions struct {
	BlockSize        uint   // average block size; defaults to cdc.DefaultAvgSize
	Compress         bool
	CompressionLevel int
	RegenDict        bool
	PrevDictBytes    []byte // previous manifest's dictionary, if any and not regenerating
	Previous         *Changelog
	BundleMaxSize    int64
	Version          string
	CreatedAt        string
}

// BuildResult is everything Build produces: the changelog itself, the
// raw (uncompressed) block bytes keyed by id (needed by the caller to
// write the block store and train/verify the dictionary), the trained
// dictionary (empty if uncompressed), and the new bundle payloads that
// still need to be written to the bundle store.
type BuildResult struct {
	Changelog       *Changelog
	RawBlocks       map[string][]byte
	Dictionary      dict.Dictionary
	NewBundlePayloads map[string][]byte
}

type fileResult struct {
	path   string
	blocks []string
	err    error
}

// Build walks root in sorted order, content-defined-chunks every
// regular file, and produces a complete changelog (including bundle
// assignments). Symlinks, devices, and sockets are skipped with a
// warning and excluded from the manifest, per spec §4.5/§9.
func Build(root string, opts BuildOptions) (*BuildResult, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = cdc.DefaultAvgSize
	}

	paths, err := walkSorted(root)
	if err != nil {
		return nil, err
	}

	raw := map[string][]byte{}
	var rawMu sync.Mutex
	files := map[string][]string{}
	var filesMu sync.Mutex

	jobs := make(chan string)
	results := make(chan fileResult)
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	if workers > 2*runtime.NumCPU() {
		workers = 2 * runtime.NumCPU()
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for relPath := range jobs {
				blocks, err := chunkFile(filepath.Join(root, relPath), opts.BlockSize, &rawMu, raw)
				results <- fileResult{path: relPath, blocks: blocks, err: err}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	go func() {
		for _, p := range paths {
			jobs <- p
		}
		close(jobs)
	}()

	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		filesMu.Lock()
		files[r.path] = r.blocks
		filesMu.Unlock()
	}
	if firstErr != nil {
		return nil, firstErr
	}

	// Deterministic order for bundling: sorted paths, each file's
	// blocks in file order.
	sortedPaths := make([]string, 0, len(files))
	for p := range files {
		sortedPaths = append(sortedPaths, p)
	}
	sort.Strings(sortedPaths)

	var order []string
	for _, p := range sortedPaths {
		order = append(order, files[p]...)
	}

	d, codec, compressed, err := resolveCompression(opts, raw)
	if err != nil {
		return nil, err
	}
	defer codec.Close()

	src := &blockSource{raw: raw, codec: codec}

	var prevForPacker *bundle.Previous
	if opts.Previous != nil {
		prevForPacker = &bundle.Previous{
			BlockIndex: opts.Previous.BlockIndex,
			Bundles:    toBundleMap(opts.Previous.Bundles),
		}
	}

	packer := bundle.NewPacker(opts.BundleMaxSize)
	packResult, err := packer.Pack(order, src, prevForPacker)
	if err != nil {
		return nil, errors.Wrap(err, "pack bundles")
	}

	var totalBytes int64
	for _, p := range sortedPaths {
		for _, id := range files[p] {
			totalBytes += int64(len(raw[id]))
		}
	}

	var dictID *string
	if compressed {
		id := d.ID
		dictID = &id
	}

	c := &Changelog{
		Version:                opts.Version,
		CreatedAt:              opts.CreatedAt,
		BlockSize:              opts.BlockSize,
		Compressed:             compressed,
		DictionaryID:           dictID,
		Files:                  files,
		Bundles:                fromBundleMap(packResult.Bundles),
		BlockIndex:             packResult.BlockIndex,
		TotalUncompressedBytes: totalBytes,
	}

	return &BuildResult{
		Changelog:         c,
		RawBlocks:         raw,
		Dictionary:        d,
		NewBundlePayloads: packResult.NewPayloads,
	}, nil
}

func chunkFile(path string, avg uint, mu *sync.Mutex, raw map[string][]byte) (blocks []string, err error) {
	defer Return(&err)

	info, err := os.Lstat(path)
	Ck(err)
	if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
		log.Warnf("skipping non-regular file %s (mode %v)", path, info.Mode())
		return nil, nil
	}

	f, err := os.Open(path)
	Ck(err)
	defer f.Close()

	c, err := cdc.New(avg, 0)
	Ck(err)
	c.Start(f)

	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		Ck(err)
		data := make([]byte, len(chunk.Data))
		copy(data, chunk.Data)

		mu.Lock()
		if _, ok := raw[chunk.Hash]; !ok {
			raw[chunk.Hash] = data
		}
		mu.Unlock()

		blocks = append(blocks, chunk.Hash)
	}
	return
}

func walkSorted(root string) ([]string, error) {
	var paths []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !info.Mode().IsRegular() {
			log.Warnf("skipping non-regular file %s", rel)
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, &gluuerr.InputError{Path: root, Err: err}
	}
	sort.Strings(paths)
	return paths, nil
}

func resolveCompression(opts BuildOptions, raw map[string][]byte) (dict.Dictionary, *dict.Codec, bool, error) {
	if !opts.Compress {
		codec, err := dict.NewCodec(dict.Dictionary{}, opts.CompressionLevel)
		return dict.Dictionary{}, codec, false, err
	}

	needRegen := opts.RegenDict || opts.Previous == nil || opts.Previous.DictionaryID == nil
	var d dict.Dictionary
	var err error
	if !needRegen && len(opts.PrevDictBytes) > 0 {
		d = dict.Dictionary{ID: *opts.Previous.DictionaryID, Bytes: opts.PrevDictBytes}
	} else {
		samples := make([][]byte, 0, len(raw))
		for _, b := range raw {
			samples = append(samples, b)
		}
		d, err = dict.Train(samples, dict.DefaultTargetSize)
		if err != nil {
			return dict.Dictionary{}, nil, false, errors.Wrap(err, "train dictionary")
		}
	}

	if len(d.Bytes) == 0 {
		log.Warnf("dictionary training produced no samples; falling back to uncompressed manifest")
		codec, err := dict.NewCodec(dict.Dictionary{}, opts.CompressionLevel)
		return dict.Dictionary{}, codec, false, err
	}

	codec, err := dict.NewCodec(d, opts.CompressionLevel)
	if err != nil {
		return dict.Dictionary{}, nil, false, errors.Wrap(err, "build codec")
	}
	return d, codec, true, nil
}

type blockSource struct {
	raw   map[string][]byte
	codec *dict.Codec
}

func (s *blockSource) Block(id string) ([]byte, []byte, error) {
	b, ok := s.raw[id]
	if !ok {
		return nil, nil, &gluuerr.IntegrityError{BlockID: id, Err: errf("block not found among chunked data")}
	}
	return b, s.codec.Compress(b), nil
}

func toBundleMap(in map[string][]bundle.BlockEntry) map[string]bundle.Bundle {
	out := make(map[string]bundle.Bundle, len(in))
	for id, blocks := range in {
		out[id] = bundle.Bundle{ID: id, Blocks: blocks}
	}
	return out
}

func fromBundleMap(in map[string]bundle.Bundle) map[string][]bundle.BlockEntry {
	out := make(map[string][]bundle.BlockEntry, len(in))
	for id, b := range in {
		out[id] = b.Blocks
	}
	return out
}
