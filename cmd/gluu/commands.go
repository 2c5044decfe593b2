package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gluu-patch/gluu/apply"
	"github.com/gluu-patch/gluu/dict"
	"github.com/gluu-patch/gluu/gluuerr"
	"github.com/gluu-patch/gluu/manifest"
	"github.com/gluu-patch/gluu/objstore"
	"github.com/gluu-patch/gluu/store"
)

// configFromEnv reads the object store's connection parameters from
// the environment. No package below cmd/ reads the environment
// directly (SPEC_FULL.md §2, Design Note "Global configuration").
func configFromEnv() objstore.Config {
	return objstore.Config{
		Endpoint:        os.Getenv("GLUU_S3_ENDPOINT"),
		Bucket:          os.Getenv("GLUU_S3_BUCKET"),
		AccessKeyID:     os.Getenv("GLUU_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("GLUU_S3_SECRET_ACCESS_KEY"),
		CDNID:           os.Getenv("GLUU_CDN_ID"),
	}
}

// isURL sniffs whether loc names a remote patch-data source rather
// than a local path, grounded on util.py.isURL.
func isURL(loc string) bool {
	return strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://")
}

func runCreate(opts Opts) error {
	outDir := opts.Output
	if outDir == "" {
		outDir = "./patchdata"
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return &gluuerr.StorageError{Path: outDir, Err: err}
	}

	var prev *manifest.Changelog
	var prevDictBytes []byte
	if existing, err := ioutil.ReadFile(filepath.Join(outDir, "changelog.json")); err == nil {
		prev, err = manifest.Unmarshal(existing)
		if err != nil {
			return err
		}
		if prev.DictionaryID != nil {
			prevDictBytes, _ = ioutil.ReadFile(filepath.Join(outDir, "dictionary"))
		}
	}
	if opts.DictPath != "" {
		b, err := ioutil.ReadFile(opts.DictPath)
		if err != nil {
			return &gluuerr.InputError{Path: opts.DictPath, Err: err}
		}
		prevDictBytes = b
	}

	res, err := manifest.Build(opts.Dir, manifest.BuildOptions{
		BlockSize:        uint(atoiOr(opts.BlockSize, 65536)),
		Compress:         opts.Compress,
		CompressionLevel: atoiOr(opts.CompressionLevel, 5),
		RegenDict:        opts.RegenDict,
		PrevDictBytes:    prevDictBytes,
		Previous:         prev,
		Version:          nextVersion(prev),
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	if err := writePatchData(outDir, res); err != nil {
		return err
	}
	log.Infof("created patch data: %d files, %d blocks, %d bundles", len(res.Changelog.Files), len(res.RawBlocks), len(res.Changelog.Bundles))
	return nil
}

func nextVersion(prev *manifest.Changelog) string {
	if prev == nil {
		return "1"
	}
	n := atoiOr(prev.Version, 0)
	return fmt.Sprintf("%d", n+1)
}

func writePatchData(outDir string, res *manifest.BuildResult) error {
	blockDir := filepath.Join(outDir, "blocks")
	bundleDir := filepath.Join(outDir, "bundles")
	if err := os.MkdirAll(blockDir, 0755); err != nil {
		return &gluuerr.StorageError{Path: blockDir, Err: err}
	}
	if err := os.MkdirAll(bundleDir, 0755); err != nil {
		return &gluuerr.StorageError{Path: bundleDir, Err: err}
	}

	st, err := store.Open(blockDir)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(res.RawBlocks))
	codec, err := dict.NewCodec(res.Dictionary, 5)
	if err != nil {
		return err
	}
	defer codec.Close()
	for id, raw := range res.RawBlocks {
		if err := st.PutBytes(id, codec.Compress(raw)); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	st.Audit(ids)

	for bundleID, payload := range res.NewBundlePayloads {
		if err := ioutil.WriteFile(filepath.Join(bundleDir, bundleID), payload, 0644); err != nil {
			return &gluuerr.StorageError{Path: bundleID, Err: err}
		}
	}

	if len(res.Dictionary.Bytes) > 0 {
		if err := ioutil.WriteFile(filepath.Join(outDir, "dictionary"), res.Dictionary.Bytes, 0644); err != nil {
			return &gluuerr.StorageError{Path: "dictionary", Err: err}
		}
	}

	raw, err := res.Changelog.Marshal()
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(filepath.Join(outDir, "changelog.json"), raw, 0644); err != nil {
		return &gluuerr.StorageError{Path: "changelog.json", Err: err}
	}
	return nil
}

func runUpload(opts Opts, cfg objstore.Config) error {
	if !cfg.HasCredentials() {
		log.Warnf("no object store credentials configured (GLUU_S3_*); skipping upload")
		return nil
	}
	s3, err := objstore.NewS3Store(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()

	walkErr := filepath.Walk(opts.PatchDataDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(opts.PatchDataDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if key == "changelog.json" {
			return nil // uploaded last, since every other object is content-addressed and immutable
		}
		if !opts.All && s3ObjectExists(ctx, s3, key) {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return &gluuerr.StorageError{Path: p, Err: err}
		}
		defer f.Close()
		log.Debugf("uploading %s", key)
		return s3.Put(ctx, key, f, info.Size())
	})
	if walkErr != nil {
		return walkErr
	}

	f, err := os.Open(filepath.Join(opts.PatchDataDir, "changelog.json"))
	if err != nil {
		return &gluuerr.StorageError{Path: "changelog.json", Err: err}
	}
	defer f.Close()
	if err := s3.Put(ctx, "changelog.json", f, 0); err != nil {
		return err
	}
	return s3.PurgeCache(ctx, "changelog.json")
}

func s3ObjectExists(ctx context.Context, s3 *objstore.S3Store, key string) bool {
	existing, err := s3.List(ctx, key)
	return err == nil && len(existing) > 0
}

func runApply(opts Opts, cfg objstore.Config) error {
	loc := opts.PatchData
	if loc == "" {
		loc = "./patchdata"
	}

	var changelogBytes []byte
	var objects objstore.Store
	var err error

	if isURL(loc) {
		http := objstore.NewHTTPStore(loc)
		rc, gerr := http.Get(context.Background(), "changelog.json", nil)
		if gerr != nil {
			return gerr
		}
		defer rc.Close()
		changelogBytes, err = ioutil.ReadAll(rc)
		if err != nil {
			return &gluuerr.InputError{Path: loc, Err: err}
		}
		objects = http
	} else {
		changelogBytes, err = ioutil.ReadFile(filepath.Join(loc, "changelog.json"))
		if err != nil {
			return &gluuerr.InputError{Path: loc, Err: err}
		}
		if cfg.HasCredentials() {
			objects, err = objstore.NewS3Store(cfg)
			if err != nil {
				return err
			}
		}
	}

	c, err := manifest.Unmarshal(changelogBytes)
	if err != nil {
		return err
	}

	var codec *dict.Codec
	compressed := c.Compressed && !opts.NoCompression
	if compressed {
		dictBytes, derr := readDictionary(loc, objects)
		if derr != nil {
			return derr
		}
		d := dict.Dictionary{ID: safeDictID(c), Bytes: dictBytes}
		codec, err = dict.NewCodec(d, atoiOr(opts.CompressionLevel, 5))
		if err != nil {
			return err
		}
		defer codec.Close()
	}

	blockDir := filepath.Join(loc, "blocks")
	if isURL(loc) {
		blockDir = filepath.Join(os.TempDir(), "gluu-blocks")
	}
	st, err := store.Open(blockDir)
	if err != nil {
		return err
	}

	eng := apply.NewEngine(opts.InstallDir, c, st, objects, codec)
	return eng.Run(context.Background())
}

func safeDictID(c *manifest.Changelog) string {
	if c.DictionaryID == nil {
		return ""
	}
	return *c.DictionaryID
}

func readDictionary(loc string, objects objstore.Store) ([]byte, error) {
	if isURL(loc) {
		rc, err := objects.Get(context.Background(), "dictionary", nil)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return ioutil.ReadAll(rc)
	}
	buf, err := ioutil.ReadFile(filepath.Join(loc, "dictionary"))
	if err != nil {
		return nil, &gluuerr.InputError{Path: loc, Err: err}
	}
	return buf, nil
}

// runValidate checks install_dir against the changelog in the local
// patch-data directory opts.PatchData; it keeps no record of which
// directory an install was applied from. Spec §6's CLI table
// gives `validate` no `--patch-data` flag, so it defaults to the same
// "./patchdata" location `create`/`apply` default to.
func runValidate(opts Opts) (bool, error) {
	loc := opts.PatchData
	if loc == "" {
		loc = "./patchdata"
	}
	raw, err := ioutil.ReadFile(filepath.Join(loc, "changelog.json"))
	if err != nil {
		return false, &gluuerr.InputError{Path: loc, Err: err}
	}
	c, err := manifest.Unmarshal(raw)
	if err != nil {
		return false, err
	}
	return apply.Validate(opts.InstallDir, c)
}
