package apply

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"

	"github.com/gluu-patch/gluu/gluuerr"
)

// Materialise writes every non-clean file in plans to its final path,
// concatenating block bytes in manifest order into a temp file beside
// the destination, then fsyncing and renaming over it (spec §4.7 step
// 4). No target file is ever observable partially written.
func (e *Engine) Materialise(ctx context.Context, plans map[string]FilePlan, fetched map[string][]byte) error {
	paths := make([]string, 0, len(plans))
	for p := range plans {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, relPath := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fp := plans[relPath]
		if fp.Clean {
			continue
		}
		if err := e.materialiseFile(fp, fetched); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) materialiseFile(fp FilePlan, fetched map[string][]byte) error {
	finalPath := filepath.Join(e.Dir, filepath.FromSlash(fp.Path))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return &gluuerr.StorageError{Path: finalPath, Err: err}
	}

	t, err := renameio.TempFile(filepath.Dir(finalPath), finalPath)
	if err != nil {
		return &gluuerr.StorageError{Path: finalPath, Err: err}
	}
	defer t.Cleanup()

	for _, b := range fp.Blocks {
		data, err := e.resolveBlockBytes(b, fetched)
		if err != nil {
			return err
		}
		if _, err := t.Write(data); err != nil {
			return &gluuerr.StorageError{Path: finalPath, Err: err}
		}
	}

	if err := t.CloseAtomicallyReplace(); err != nil {
		return &gluuerr.StorageError{Path: finalPath, Err: err}
	}
	log.Debugf("materialised %s (%d blocks)", fp.Path, len(fp.Blocks))
	return nil
}

func (e *Engine) resolveBlockBytes(b BlockSource, fetched map[string][]byte) ([]byte, error) {
	if b.Kind == SourceLocal {
		f, err := os.Open(b.Local.Path)
		if err != nil {
			return nil, &gluuerr.StorageError{Path: b.Local.Path, Err: err}
		}
		defer f.Close()
		buf := make([]byte, b.Local.Length)
		if _, err := f.ReadAt(buf, b.Local.Offset); err != nil && err != io.EOF {
			return nil, &gluuerr.StorageError{Path: b.Local.Path, Err: err}
		}
		return buf, nil
	}
	data, ok := fetched[b.BlockID]
	if !ok {
		return nil, &gluuerr.IntegrityError{BlockID: b.BlockID, Err: errNotFetched}
	}
	return data, nil
}

var errNotFetched = &notFetchedError{}

type notFetchedError struct{}

func (*notFetchedError) Error() string { return "block was planned but never fetched" }
