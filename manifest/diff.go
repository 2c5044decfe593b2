package manifest

// Diff describes the set of blocks and bundles that changed between
// two changelogs: what a client must fetch (new) and what a server or
// post-apply prune may discard (obsolete).
type Diff struct {
	NewBlocks      []string
	ObsoleteBlocks []string
	NewBundles     []string
	ObsoleteBundles []string
	ChangedFiles   []string // paths present in both with a different FileHash, plus added/removed paths
}

// Compare computes a Diff between an old and new changelog. Either may
// be nil (an empty changelog), which models a from-scratch install or
// a full uninstall.
func Compare(oldC, newC *Changelog) Diff {
	oldBlocks := blockSet(oldC)
	newBlocks := blockSet(newC)
	oldBundles := bundleSet(oldC)
	newBundles := bundleSet(newC)

	var d Diff
	for id := range newBlocks {
		if !oldBlocks[id] {
			d.NewBlocks = append(d.NewBlocks, id)
		}
	}
	for id := range oldBlocks {
		if !newBlocks[id] {
			d.ObsoleteBlocks = append(d.ObsoleteBlocks, id)
		}
	}
	for id := range newBundles {
		if !oldBundles[id] {
			d.NewBundles = append(d.NewBundles, id)
		}
	}
	for id := range oldBundles {
		if !newBundles[id] {
			d.ObsoleteBundles = append(d.ObsoleteBundles, id)
		}
	}
	d.ChangedFiles = changedFiles(oldC, newC)
	return d
}

func blockSet(c *Changelog) map[string]bool {
	out := map[string]bool{}
	if c == nil {
		return out
	}
	for id := range c.BlockIndex {
		out[id] = true
	}
	return out
}

func bundleSet(c *Changelog) map[string]bool {
	out := map[string]bool{}
	if c == nil {
		return out
	}
	for id := range c.Bundles {
		out[id] = true
	}
	return out
}

// changedFiles reports every path whose FileHash differs (or that was
// added or removed) between oldC and newC. Grounded on the original
// tool's PatchData.get_files_to_patch, which compares a cached
// per-file hash against the new manifest to decide what needs
// patching, rather than re-chunking every file on every run.
func changedFiles(oldC, newC *Changelog) []string {
	oldFiles := map[string][]string{}
	if oldC != nil {
		oldFiles = oldC.Files
	}
	newFiles := map[string][]string{}
	if newC != nil {
		newFiles = newC.Files
	}

	var changed []string
	for path, blocks := range newFiles {
		oldBlocks, ok := oldFiles[path]
		if !ok || FileHash(oldBlocks) != FileHash(blocks) {
			changed = append(changed, path)
		}
	}
	for path := range oldFiles {
		if _, ok := newFiles[path]; !ok {
			changed = append(changed, path)
		}
	}
	return changed
}
