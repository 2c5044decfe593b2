package apply

import (
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/gluu-patch/gluu/gluuerr"
)

// Prune deletes every file under Dir not present in the manifest, then
// removes directories left empty by that deletion (spec §4.7 step 5).
// It must run strictly after every file has been materialised
// successfully.
func (e *Engine) Prune() error {
	var toRemove []string
	err := filepath.Walk(e.Dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
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
		if _, ok := e.Changelog.Files[rel]; !ok {
			toRemove = append(toRemove, p)
		}
		return nil
	})
	if err != nil {
		return &gluuerr.InputError{Path: e.Dir, Err: err}
	}

	for _, p := range toRemove {
		log.Debugf("pruning orphan file %s", p)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return &gluuerr.StorageError{Path: p, Err: err}
		}
	}

	return e.pruneEmptyDirs()
}

// pruneEmptyDirs removes directories left empty after file pruning,
// deepest first so a chain of now-empty parents collapses in one
// pass.
func (e *Engine) pruneEmptyDirs() error {
	var dirs []string
	err := filepath.Walk(e.Dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && p != e.Dir {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return &gluuerr.InputError{Path: e.Dir, Err: err}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil {
			return &gluuerr.StorageError{Path: d, Err: err}
		}
		if len(entries) == 0 {
			log.Debugf("removing empty directory %s", d)
			if err := os.Remove(d); err != nil {
				return &gluuerr.StorageError{Path: d, Err: err}
			}
		}
	}
	return nil
}
