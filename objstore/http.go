package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gluu-patch/gluu/gluuerr"
)

// DefaultRequestTimeout is the per-request HTTP timeout (spec §5).
const DefaultRequestTimeout = 30 * time.Second

// HTTPStore is a read-only object store over a plain HTTP(S) base URL,
// used whenever --patch-data is an http(s):// URL, whether or not S3
// credentials are configured. Grounded on the original's downloader.py range-fetch
// logic, simplified to one Range header per request -- the Apply
// Engine already fans out one request per needed bundle across N
// workers, so the original's single-request multipart/byteranges
// trick (needed only because its event loop issues one request at a
// time) buys nothing here.
type HTTPStore struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPStore returns a store rooted at baseURL (e.g.
// "https://cdn.example.com/patchdata"), with DefaultRequestTimeout.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: DefaultRequestTimeout},
	}
}

func (s *HTTPStore) url(key string) string {
	return s.BaseURL + "/" + strings.TrimLeft(key, "/")
}

func (s *HTTPStore) Get(ctx context.Context, key string, byteRange *Range) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(key), nil)
	if err != nil {
		return nil, &gluuerr.NetworkError{URL: key, Err: err}
	}
	if byteRange != nil {
		req.Header.Set("Range", byteRange.HTTPHeader())
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &gluuerr.NetworkError{URL: key, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, notFoundErr(key)
	default:
		resp.Body.Close()
		return nil, &gluuerr.NetworkError{URL: key, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

// Put, List, Delete, and PurgeCache are unsupported: an HTTPStore
// fronts a read-only CDN-served patch data directory, never an
// upload destination.
func (s *HTTPStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return &gluuerr.ConfigError{Msg: "HTTPStore is read-only, cannot Put " + key}
}

func (s *HTTPStore) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, &gluuerr.ConfigError{Msg: "HTTPStore does not support List"}
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	return &gluuerr.ConfigError{Msg: "HTTPStore is read-only, cannot Delete " + key}
}

func (s *HTTPStore) PurgeCache(ctx context.Context, key string) error {
	return nil
}
