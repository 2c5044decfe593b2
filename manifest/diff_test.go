package manifest

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/gluu-patch/gluu/bundle"
)

func mkChangelog(files map[string][]string, blockIndex map[string]string, bundles map[string][]bundle.BlockEntry) *Changelog {
	return &Changelog{
		Files:      files,
		BlockIndex: blockIndex,
		Bundles:    bundles,
	}
}

func TestCompareFromScratch(t *testing.T) {
	newC := mkChangelog(
		map[string][]string{"a.txt": {"b1", "b2"}},
		map[string]string{"b1": "bundle1", "b2": "bundle1"},
		map[string][]bundle.BlockEntry{"bundle1": {{BlockID: "b1"}, {BlockID: "b2"}}},
	)
	d := Compare(nil, newC)
	sort.Strings(d.NewBlocks)
	if !reflect.DeepEqual(d.NewBlocks, []string{"b1", "b2"}) {
		t.Fatalf("expected both blocks to be new, got %v", d.NewBlocks)
	}
	if len(d.ObsoleteBlocks) != 0 {
		t.Fatalf("expected no obsolete blocks, got %v", d.ObsoleteBlocks)
	}
	if len(d.NewBundles) != 1 || d.NewBundles[0] != "bundle1" {
		t.Fatalf("expected bundle1 to be new, got %v", d.NewBundles)
	}
	if len(d.ChangedFiles) != 1 || d.ChangedFiles[0] != "a.txt" {
		t.Fatalf("expected a.txt to be reported changed, got %v", d.ChangedFiles)
	}
}

func TestCompareNoChange(t *testing.T) {
	c := mkChangelog(
		map[string][]string{"a.txt": {"b1"}},
		map[string]string{"b1": "bundle1"},
		map[string][]bundle.BlockEntry{"bundle1": {{BlockID: "b1"}}},
	)
	d := Compare(c, c)
	if len(d.NewBlocks) != 0 || len(d.ObsoleteBlocks) != 0 {
		t.Fatalf("expected no block changes, got new=%v obsolete=%v", d.NewBlocks, d.ObsoleteBlocks)
	}
	if len(d.NewBundles) != 0 || len(d.ObsoleteBundles) != 0 {
		t.Fatalf("expected no bundle changes")
	}
	if len(d.ChangedFiles) != 0 {
		t.Fatalf("expected no changed files, got %v", d.ChangedFiles)
	}
}

func TestCompareDetectsObsoleteAndChangedFile(t *testing.T) {
	oldC := mkChangelog(
		map[string][]string{"a.txt": {"b1"}, "removed.txt": {"b2"}},
		map[string]string{"b1": "bundle1", "b2": "bundle2"},
		map[string][]bundle.BlockEntry{
			"bundle1": {{BlockID: "b1"}},
			"bundle2": {{BlockID: "b2"}},
		},
	)
	newC := mkChangelog(
		map[string][]string{"a.txt": {"b3"}},
		map[string]string{"b3": "bundle3"},
		map[string][]bundle.BlockEntry{"bundle3": {{BlockID: "b3"}}},
	)

	d := Compare(oldC, newC)
	if len(d.NewBlocks) != 1 || d.NewBlocks[0] != "b3" {
		t.Fatalf("expected b3 new, got %v", d.NewBlocks)
	}
	sort.Strings(d.ObsoleteBlocks)
	if !reflect.DeepEqual(d.ObsoleteBlocks, []string{"b1", "b2"}) {
		t.Fatalf("expected b1,b2 obsolete, got %v", d.ObsoleteBlocks)
	}
	sort.Strings(d.ChangedFiles)
	if !reflect.DeepEqual(d.ChangedFiles, []string{"a.txt", "removed.txt"}) {
		t.Fatalf("expected a.txt and removed.txt changed, got %v", d.ChangedFiles)
	}
}

// TestBuildIncrementalMinimalityOnMiddleEdit covers invariant #4: an
// edit of K bytes in the middle of a large file should only perturb
// the chunks straddling the edit, not the whole file -- the number of
// new blocks should stay roughly O(K/avg + 2), not scale with file
// size.
func TestBuildIncrementalMinimalityOnMiddleEdit(t *testing.T) {
	const size = 256 * 1024
	const avg = 4096

	src := make([]byte, size)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(src)

	root1 := writeTree(t, map[string]string{"big.bin": string(src)})
	res1, err := Build(root1, BuildOptions{BlockSize: avg, Version: "v1"})
	if err != nil {
		t.Fatalf("Build v1: %v", err)
	}

	edited := make([]byte, size)
	copy(edited, src)
	mid := size / 2
	copy(edited[mid:], []byte("THIS IS A SMALL EDIT DROPPED IN THE MIDDLE OF THE FILE"))

	root2 := writeTree(t, map[string]string{"big.bin": string(edited)})
	res2, err := Build(root2, BuildOptions{BlockSize: avg, Version: "v2", Previous: res1.Changelog})
	if err != nil {
		t.Fatalf("Build v2: %v", err)
	}

	d := Compare(res1.Changelog, res2.Changelog)

	totalBlocks := len(res1.Changelog.Files["big.bin"])
	if totalBlocks < 20 {
		t.Fatalf("test fixture too small to be meaningful: only %d blocks", totalBlocks)
	}

	maxExpectedNew := totalBlocks / 4
	if maxExpectedNew < 4 {
		maxExpectedNew = 4
	}
	if len(d.NewBlocks) == 0 {
		t.Fatalf("expected at least one new block from the edit")
	}
	if len(d.NewBlocks) > maxExpectedNew {
		t.Fatalf("edit perturbed %d of %d blocks, expected at most %d (incremental minimality violated)", len(d.NewBlocks), totalBlocks, maxExpectedNew)
	}
}
