package storage

import (
	"context"
	"crypto/md5" //nolint:gosec // content digest, not a security boundary
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/trackrun/trackcore/cache"
	"github.com/trackrun/trackcore/types"
)

// LocalHandler implements the file:// scheme.
type LocalHandler struct {
	cache *cache.Cache
}

// NewLocalHandler returns a handler backed by c for cache-miss verification
// on load.
func NewLocalHandler(c *cache.Cache) *LocalHandler {
	return &LocalHandler{cache: c}
}

func (h *LocalHandler) Scheme() string { return "file" }

// StorePath parses uri as a filesystem path (netloc+path). A single file
// becomes one entry; a directory is walked recursively (following
// symlinks), one entry per file, keyed by the full slash-joined relative
// path rather than basename alone, so entries from nested directories
// never collide.
func (h *LocalHandler) StorePath(_ context.Context, uri string, opts StoreOptions) ([]*types.ManifestEntry, error) {
	path, err := localPathOf(uri)
	if err != nil {
		return nil, err
	}

	maxObjects := opts.MaxObjects
	if maxObjects == 0 {
		maxObjects = DefaultMaxObjects
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, wrapErr("store", path, ErrFileMissing, err)
	}

	if !info.IsDir() {
		entry, err := h.entryForFile(path, uri, nameOrDefault(opts.Name, filepath.Base(path)))
		if err != nil {
			return nil, err
		}
		return []*types.ManifestEntry{entry}, nil
	}

	var entries []*types.ManifestEntry
	err = walkFollowingSymlinks(path, func(subPath string, subInfo os.FileInfo) error {
		if subInfo.IsDir() {
			return nil
		}
		if len(entries) >= maxObjects {
			return wrapErr("store", path, ErrMaxObjectsExceeded,
				fmt.Errorf("exceeded %d objects tracked", maxObjects))
		}
		rel, err := filepath.Rel(path, subPath)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if opts.Name != "" {
			name = opts.Name + "/" + name
		}
		// Fully qualified path, not just basename — see doc comment above.
		entry, err := h.entryForFile(subPath, "file://"+subPath, name)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// walkFollowingSymlinks walks root like filepath.Walk, except a symlink to
// a directory is descended into rather than reported as a leaf — plain
// filepath.Walk stops at the symlink itself. Each real directory is
// visited at most once (by resolved path), so a symlink cycle terminates
// instead of looping forever.
func walkFollowingSymlinks(root string, fn func(path string, info os.FileInfo) error) error {
	visited := map[string]bool{}
	return walkDir(root, visited, fn)
}

func walkDir(path string, visited map[string]bool, fn func(string, os.FileInfo) error) error {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return err
	}
	if visited[real] {
		return nil
	}
	visited[real] = true

	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, de := range entries {
		sub := filepath.Join(path, de.Name())
		info, err := os.Stat(sub) // follows symlinks
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := walkDir(sub, visited, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(sub, info); err != nil {
			return err
		}
	}
	return nil
}

func (h *LocalHandler) entryForFile(path, uri, name string) (*types.ManifestEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, wrapErr("store", path, ErrFileMissing, err)
	}
	digest, err := md5File(path)
	if err != nil {
		return nil, wrapErr("store", path, ErrFileMissing, err)
	}
	size := info.Size()
	return &types.ManifestEntry{
		Path:      name,
		Digest:    digest,
		Ref:       uri,
		Size:      &size,
		LocalPath: path,
	}, nil
}

// LoadPath checks the MD5 cache first; on a miss it recomputes the MD5 of
// the referenced path and verifies it matches entry.Digest before copying
// into the cache.
func (h *LocalHandler) LoadPath(_ context.Context, entry *types.ManifestEntry, local bool) (string, error) {
	path, err := localPathOf(entry.Ref)
	if err != nil {
		return "", err
	}

	var size int64
	if entry.Size != nil {
		size = *entry.Size
	}
	if cached, hit, err := h.cache.LookupMD5(entry.Digest, size); err == nil && hit {
		if !local {
			return entry.Ref, nil
		}
		return cached, nil
	}

	if !local {
		return entry.Ref, nil
	}

	digest, err := md5File(path)
	if err != nil {
		return "", wrapErr("load", path, ErrFileMissing, err)
	}
	if digest != entry.Digest {
		return "", wrapErr("load", path, ErrDigestMismatch, nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", wrapErr("load", path, ErrFileMissing, err)
	}
	defer f.Close()

	return h.cache.WriteMD5(entry.Digest, f)
}

func localPathOf(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid file uri %q: %w", uri, err)
	}
	if u.Host != "" {
		return filepath.Join(u.Host, u.Path), nil
	}
	return u.Path, nil
}

func nameOrDefault(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // content digest, not a security boundary
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
