package apply

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/gluu-patch/gluu/manifest"
	"github.com/gluu-patch/gluu/objstore"
	"github.com/gluu-patch/gluu/store"
)

type memObjStore struct {
	objects map[string][]byte
}

func newMemObjStore() *memObjStore { return &memObjStore{objects: map[string][]byte{}} }

func (m *memObjStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = buf
	return nil
}

func (m *memObjStore) Get(ctx context.Context, key string, byteRange *objstore.Range) (io.ReadCloser, error) {
	buf, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object %s", key)
	}
	if byteRange == nil {
		return ioutil.NopCloser(bytes.NewReader(buf)), nil
	}
	end := byteRange.Offset + byteRange.Length
	if end > int64(len(buf)) {
		return nil, fmt.Errorf("range out of bounds")
	}
	return ioutil.NopCloser(bytes.NewReader(buf[byteRange.Offset:end])), nil
}

func (m *memObjStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memObjStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memObjStore) PurgeCache(ctx context.Context, key string) error { return nil }

func writeSourceTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		buf, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(buf)
		return nil
	})
	return out
}

func TestApplyRoundTripFromBlockStore(t *testing.T) {
	files := map[string]string{
		"a.txt":     "hello world, this is a test file used for round trip apply",
		"sub/b.txt": "another file with rather different content from the first one",
	}
	srcRoot := writeSourceTree(t, files)

	res, err := manifest.Build(srcRoot, manifest.BuildOptions{BlockSize: 16, Version: "v1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	blockStoreDir := t.TempDir()
	st, err := store.Open(blockStoreDir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	for id, raw := range res.RawBlocks {
		if err := st.PutBytes(id, raw); err != nil {
			t.Fatalf("PutBytes: %v", err)
		}
	}

	installDir := t.TempDir()
	eng := NewEngine(installDir, res.Changelog, st, nil, nil)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := readTree(t, installDir)
	for path, want := range files {
		if got[path] != want {
			t.Fatalf("file %s mismatch: got %q want %q", path, got[path], want)
		}
	}
	if len(got) != len(files) {
		t.Fatalf("expected %d files, got %d: %v", len(files), len(got), got)
	}

	ok, err := Validate(installDir, res.Changelog)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatalf("expected validation to pass")
	}
}

func TestApplyIdempotentSecondRun(t *testing.T) {
	files := map[string]string{"a.txt": "stable content for idempotent apply test"}
	srcRoot := writeSourceTree(t, files)

	res, err := manifest.Build(srcRoot, manifest.BuildOptions{BlockSize: 16, Version: "v1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	for id, raw := range res.RawBlocks {
		if err := st.PutBytes(id, raw); err != nil {
			t.Fatalf("PutBytes: %v", err)
		}
	}

	installDir := t.TempDir()
	eng := NewEngine(installDir, res.Changelog, st, nil, nil)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run 1: %v", err)
	}

	scan, err := eng.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !scan.CleanFiles["a.txt"] {
		t.Fatalf("expected a.txt to be clean on second scan")
	}

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run 2: %v", err)
	}
}

func TestApplyPrunesOrphanFiles(t *testing.T) {
	files := map[string]string{"keep.txt": "keep this file around please"}
	srcRoot := writeSourceTree(t, files)
	res, err := manifest.Build(srcRoot, manifest.BuildOptions{BlockSize: 16, Version: "v1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	for id, raw := range res.RawBlocks {
		st.PutBytes(id, raw)
	}

	installDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(installDir, "orphan.txt"), []byte("should be removed"), 0644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(installDir, "emptydir"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	eng := NewEngine(installDir, res.Changelog, st, nil, nil)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(installDir, "orphan.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected orphan.txt to be pruned")
	}
	if _, err := os.Stat(filepath.Join(installDir, "emptydir")); !os.IsNotExist(err) {
		t.Fatalf("expected emptydir to be pruned")
	}
}

func TestApplyFetchesFromRemoteBundles(t *testing.T) {
	files := map[string]string{
		"x.txt": "remote fetch content that lives only on the object store",
	}
	srcRoot := writeSourceTree(t, files)
	res, err := manifest.Build(srcRoot, manifest.BuildOptions{BlockSize: 16, Version: "v1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	objects := newMemObjStore()
	for bundleID, payload := range res.NewBundlePayloads {
		objects.objects["bundles/"+bundleID] = payload
	}

	emptyStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	installDir := t.TempDir()
	eng := NewEngine(installDir, res.Changelog, emptyStore, objects, nil)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := readTree(t, installDir)
	if got["x.txt"] != files["x.txt"] {
		t.Fatalf("file mismatch: got %q want %q", got["x.txt"], files["x.txt"])
	}
}
