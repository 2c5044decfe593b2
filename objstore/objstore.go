// Package objstore abstracts the remote object store patch data is
// uploaded to and fetched from: an S3-compatible bucket, or a plain
// HTTP(S) endpoint when no credentials are configured.
package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/gluu-patch/gluu/gluuerr"
)

// Range is an inclusive byte range for a partial Get, mirroring the
// Apply Engine's REMOTE_BUNDLE(bundle_id, offset, length) source kind
// (spec §4.7 step 2). A nil *Range means "the whole object".
type Range struct {
	Offset int64
	Length int64
}

// HTTPHeader renders the range as an RFC 7233 Range header value.
func (r *Range) HTTPHeader() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
}

// Config holds the object store's connection parameters, populated
// only by the CLI layer from environment variables
// (GLUU_S3_ENDPOINT, GLUU_S3_BUCKET, GLUU_S3_ACCESS_KEY_ID,
// GLUU_S3_SECRET_ACCESS_KEY, GLUU_CDN_ID) and passed down explicitly,
// never read from package-level state.
type Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	CDNID           string
}

// HasCredentials reports whether enough configuration is present to
// attempt an upload. Missing credentials disable upload but never
// local create/apply/validate operations (spec §6).
func (c Config) HasCredentials() bool {
	return c.Endpoint != "" && c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Store is the object-store collaborator the Apply Engine and the
// upload command depend on.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string, byteRange *Range) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	PurgeCache(ctx context.Context, key string) error
}

func notFoundErr(key string) error {
	return &gluuerr.NetworkError{URL: key, Err: fmt.Errorf("object not found")}
}
