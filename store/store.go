// Package store implements the on-disk, content-addressed block
// store: raw or compressed blocks named by their hash, sharded by the
// first two hex characters of the id to keep any one directory small.
package store

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/gluu-patch/gluu/gluuerr"
)

// Store is a sharded, content-addressed repository of blocks. Dir is
// the base directory; blocks live at Dir/<hh>/<id> where <hh> is the
// first two hex characters of the block id.
type Store struct {
	Dir string
}

// Open returns a Store rooted at dir, creating dir if it doesn't
// exist yet. Create and Open are the same operation here: the store
// has no config file of its own, unlike the teacher's Db, since a
// block store's only state is its contents.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &gluuerr.StorageError{Path: dir, Err: err}
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) shard(id string) string {
	if len(id) < 2 {
		return id
	}
	return id[:2]
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Dir, s.shard(id), id)
}

// Has reports whether a block with the given id is already stored.
func (s *Store) Has(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Put stores buf under id, atomically: write to a temp file in the
// shard directory, fsync, rename into place. Put is idempotent --
// since id is the hash of the uncompressed form of whatever the
// caller wrote, a second Put of the same id is a no-op write of
// identical bytes (enforced by the caller, not re-verified here: the
// store trusts its own id->bytes contract the same way the teacher's
// WORM File does).
func (s *Store) Put(id string, r io.Reader) (err error) {
	defer Return(&err)

	shardDir := filepath.Join(s.Dir, s.shard(id))
	Ck(os.MkdirAll(shardDir, 0755))

	tmp, err := ioutil.TempFile(shardDir, "."+id+".*")
	Ck(err)
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return errors.Wrap(err, "write block")
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "fsync block")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "close block")
	}
	final := s.path(id)
	if err = os.Rename(tmpPath, final); err != nil {
		return &gluuerr.StorageError{Path: final, Err: err}
	}
	tmp = nil
	return nil
}

// PutBytes is a convenience wrapper around Put for callers that
// already have the block in memory.
func (s *Store) PutBytes(id string, buf []byte) error {
	return s.Put(id, bytes.NewReader(buf))
}

// Get reads the raw (possibly compressed) bytes stored for id. If the
// store holds compressed blocks, the caller is responsible for
// decompression -- the store itself never knows or cares whether its
// bytes are compressed.
func (s *Store) Get(id string) ([]byte, error) {
	buf, err := ioutil.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &gluuerr.IntegrityError{BlockID: id, Err: fmt.Errorf("block not found locally")}
		}
		return nil, &gluuerr.StorageError{Path: s.path(id), Err: err}
	}
	return buf, nil
}

// Iter enumerates every block id currently in the store, sorted for
// determinism. Used for garbage-collection planning and upload
// planning (out of scope here, but the enumeration itself is core).
func (s *Store) Iter() ([]string, error) {
	var ids []string
	entries, err := ioutil.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &gluuerr.StorageError{Path: s.Dir, Err: err}
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.Dir, shard.Name())
		files, err := ioutil.ReadDir(shardPath)
		if err != nil {
			return nil, &gluuerr.StorageError{Path: shardPath, Err: err}
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			ids = append(ids, f.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Audit reports which of the given block ids are missing from the
// store. It never fails the caller's run -- the original's block
// builder only warns on shortfall ("Missing N generated blocks"), it
// doesn't abort, so callers decide what to do with a non-empty
// result.
func (s *Store) Audit(ids []string) (missing []string) {
	for _, id := range ids {
		if !s.Has(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		log.Warnf("store audit: missing %d of %d expected blocks", len(missing), len(ids))
	}
	return
}
