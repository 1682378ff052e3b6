// Package cache implements the two-namespace content-addressed local disk
// store: a process-wide lookup over
// <root>/obj/md5/<hh>/<rest> and <root>/obj/etag/<hh>/<rest>. A hit requires
// both that the file exists and that its byte length matches the expected
// size — this is what keeps etag/md5 collisions across partial writes from
// poisoning the cache.
package cache

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/trackrun/trackcore/iox"
)

// Cache is the process-wide content-addressed store. Constructed once at
// the composition root and injected everywhere else; tests construct one
// over a temp directory.
type Cache struct {
	root string
}

// New returns a Cache rooted at root. The directory is created lazily on
// first write, matching the source's "created lazily" lifecycle.
func New(root string) *Cache {
	return &Cache{root: root}
}

// Root returns the cache's root directory.
func (c *Cache) Root() string {
	return c.root
}

// LookupMD5 decodes a base64 MD5 digest to hex and resolves the cache path
// for it. Returns hit=true iff the file exists and its size matches.
func (c *Cache) LookupMD5(b64MD5 string, size int64) (path string, hit bool, err error) {
	raw, err := base64.StdEncoding.DecodeString(b64MD5)
	if err != nil {
		return "", false, fmt.Errorf("cache: invalid base64 md5 %q: %w", b64MD5, err)
	}
	return c.lookup("md5", hex.EncodeToString(raw), size)
}

// LookupETag resolves the cache path for an (already-unquoted) ETag.
// Returns hit=true iff the file exists and its size matches.
func (c *Cache) LookupETag(etag string, size int64) (path string, hit bool, err error) {
	return c.lookup("etag", etag, size)
}

// lookup splits key as hh/rest under <root>/obj/<namespace>/, and reports
// a hit iff the file exists and its size equals the expected size. On a
// miss it ensures the parent directory exists so a subsequent write can
// land directly.
func (c *Cache) lookup(namespace, key string, size int64) (string, bool, error) {
	if len(key) < 2 {
		return "", false, fmt.Errorf("cache: key %q too short to split", key)
	}
	hh, rest := key[:2], key[2:]
	path := filepath.Join(c.root, "obj", namespace, hh, rest)

	info, err := os.Stat(path)
	switch {
	case err == nil:
		return path, info.Size() == size, nil
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return "", false, mkErr
		}
		return path, false, nil
	default:
		return "", false, err
	}
}

// WriteMD5 atomically writes r's content into the md5 namespace at the
// path LookupMD5 would resolve to.
func (c *Cache) WriteMD5(b64MD5 string, r io.Reader) (string, error) {
	path, _, err := c.LookupMD5(b64MD5, -1)
	if err != nil {
		return "", err
	}
	if _, err := iox.WriteAtomic(path, r); err != nil {
		return "", err
	}
	return path, nil
}

// WriteETag atomically writes r's content into the etag namespace at the
// path LookupETag would resolve to.
func (c *Cache) WriteETag(etag string, r io.Reader) (string, error) {
	path, _, err := c.LookupETag(etag, -1)
	if err != nil {
		return "", err
	}
	if _, err := iox.WriteAtomic(path, r); err != nil {
		return "", err
	}
	return path, nil
}
