package apply

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/gluu-patch/gluu/manifest"
)

// Validate confirms dir matches c exactly: every manifest file exists
// at the expected length with the expected block sequence, and no
// extra files exist outside the manifest (spec §4.8). It never
// mutates dir.
func Validate(dir string, c *manifest.Changelog) (bool, error) {
	ok := true

	for relPath, want := range c.Files {
		full := filepath.Join(dir, filepath.FromSlash(relPath))
		blocks, _, err := chunkWithOffsets(full, c.BlockSize)
		if err != nil {
			log.Warnf("validate: %s: %v", relPath, err)
			ok = false
			continue
		}
		if !sameBlocks(want, blocks) {
			log.Warnf("validate: %s: block sequence mismatch", relPath)
			ok = false
		}
	}

	extra, err := listExtraFiles(dir, c)
	if err != nil {
		return false, err
	}
	for _, p := range extra {
		log.Warnf("validate: unexpected file %s not in manifest", p)
		ok = false
	}

	return ok, nil
}

func listExtraFiles(dir string, c *manifest.Changelog) ([]string, error) {
	var extra []string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if isDenylisted(rel) {
			return nil
		}
		if _, ok := c.Files[rel]; !ok {
			extra = append(extra, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return extra, nil
}
