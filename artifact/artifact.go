// Package artifact implements the artifact builder: staging local
// files and references into a manifest, then finalizing into content-
// addressed storage URLs.
package artifact

import (
	"context"
	"crypto/md5" //nolint:gosec // content digest, not a security boundary
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/trackrun/trackcore/storage"
	"github.com/trackrun/trackcore/storagepolicy"
	"github.com/trackrun/trackcore/types"
)

// hashWorkers bounds concurrent file hashing during AddDir, grounded on the
// teacher's fan-out worker-pool shape (runtime/fanout.go's Operator).
const hashWorkers = 8

// Artifact accumulates manifest entries for one artifact version before
// Finalize uploads new content and remaps entries to storage URLs.
type Artifact struct {
	Name    string
	Type    string
	Entity  string

	mu       sync.Mutex
	manifest *types.Manifest
	handlers *storage.MultiHandler
	policy   *storagepolicy.Policy

	// stageDir backs NewFile-staged content; created lazily, owned by
	// the artifact, removed once Finalize has copied its contents into
	// the cache.
	stageDir string
	addedNew bool

	// finalizeMu serializes Finalize so it can call AddDir (which takes
	// mu itself) without deadlocking on mu.
	finalizeMu sync.Mutex
	finalized  bool
	birthID    string
}

// New starts a new artifact build. storagePolicy and config mirror
// Manifest's persisted storagePolicy/storagePolicyConfig fields.
func New(name, artifactType, entity string, handlers *storage.MultiHandler, policy *storagepolicy.Policy, storagePolicy string, policyConfig map[string]any) *Artifact {
	return &Artifact{
		Name:     name,
		Type:     artifactType,
		Entity:   entity,
		manifest: types.NewManifest(storagePolicy, policyConfig),
		handlers: handlers,
		policy:   policy,
	}
}

// NewFile stages a single local file under logicalPath inside the
// artifact's own staging directory (created lazily on first use).
// Returns a writer; the caller writes content then closes it. Unlike a
// plain temp file, the staged content is NOT removed on Close — it
// survives until Finalize's add_dir(stage) walks it into the manifest
// and the staging directory is cleaned up.
func (a *Artifact) NewFile(logicalPath string) (io.WriteCloser, error) {
	stageDir, err := a.ensureStageDir()
	if err != nil {
		return nil, fmt.Errorf("artifact: new_file: %w", err)
	}

	full := filepath.Join(stageDir, filepath.FromSlash(logicalPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("artifact: new_file: %w", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("artifact: new_file: %q already staged", logicalPath)
		}
		return nil, fmt.Errorf("artifact: new_file: %w", err)
	}

	a.mu.Lock()
	a.addedNew = true
	a.mu.Unlock()

	return &stagedFile{file: f}, nil
}

// ensureStageDir creates the artifact's staging directory on first use.
func (a *Artifact) ensureStageDir() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stageDir == "" {
		dir, err := os.MkdirTemp("", "trackcore-artifact-stage-*")
		if err != nil {
			return "", err
		}
		a.stageDir = dir
	}
	return a.stageDir, nil
}

type stagedFile struct {
	file *os.File
}

func (s *stagedFile) Write(p []byte) (int, error) { return s.file.Write(p) }

func (s *stagedFile) Close() error { return s.file.Close() }

// AddFile adds a single local file at localPath under logicalPath,
// computing its digest synchronously.
func (a *Artifact) AddFile(logicalPath, localPath string) error {
	entry, err := entryForFile(localPath, logicalPath)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.manifest.AddEntry(logicalPath, entry)
	return nil
}

// AddDir walks localDir and adds every regular file under it, prefixed by
// namePrefix (empty means files are keyed by their path relative to
// localDir). Hashing runs across a bounded worker pool; manifest writes are
// serialized under a.mu.
func (a *Artifact) AddDir(localDir, namePrefix string) error {
	type job struct {
		localPath   string
		logicalPath string
	}

	var jobs []job
	err := filepath.Walk(localDir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		logical := filepath.ToSlash(rel)
		if namePrefix != "" {
			logical = namePrefix + "/" + logical
		}
		jobs = append(jobs, job{localPath: p, logicalPath: logical})
		return nil
	})
	if err != nil {
		return fmt.Errorf("artifact: add_dir: %w", err)
	}

	jobCh := make(chan job)
	errCh := make(chan error, hashWorkers)
	var wg sync.WaitGroup

	for range hashWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				entry, err := entryForFile(j.localPath, j.logicalPath)
				if err != nil {
					errCh <- err
					continue
				}
				a.mu.Lock()
				a.manifest.AddEntry(j.logicalPath, entry)
				a.mu.Unlock()
			}
		}()
	}

	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// AddReference adds a non-local reference URI under logicalPath, delegating
// digest/size discovery to the handler registry.
func (a *Artifact) AddReference(ctx context.Context, uri, namePrefix string) error {
	if !storage.HasScheme(uri) {
		return fmt.Errorf("artifact: add_reference: %w", storage.ErrReferenceRequired)
	}
	entries, err := a.handlers.StorePath(ctx, uri, storage.StoreOptions{Name: namePrefix})
	if err != nil {
		return fmt.Errorf("artifact: add_reference: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, entry := range entries {
		a.manifest.AddEntry(entry.Path, entry)
	}
	return nil
}

// Manifest returns the manifest accumulated so far.
func (a *Artifact) Manifest() *types.Manifest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manifest
}

// Finalize uploads any staged local entries not already present in
// storage, remaps their refs to storage URLs, and marks the artifact
// finalized. Finalize is idempotent: calling it again after success is
// a no-op. The finalized mark only affects Finalize itself: AddFile,
// AddDir, AddReference and NewFile do not check it and still modify the
// artifact after Finalize.
//
// Per §4.4(d): on first call, if any files were staged via NewFile,
// add_dir(stage) walks them into the manifest; then for each entry whose
// local_path lies inside the staging directory, Finalize copies the file
// into the MD5 cache (via StoreFile's write-through) and retargets
// local_path to the cache location, so later loads/uploads still find
// the content after the staging directory is removed.
func (a *Artifact) Finalize(ctx context.Context, birthArtifactID string) error {
	a.finalizeMu.Lock()
	defer a.finalizeMu.Unlock()

	if a.finalized {
		return nil
	}
	a.birthID = birthArtifactID

	if a.addedNew {
		if err := a.AddDir(a.stageDir, ""); err != nil {
			return fmt.Errorf("artifact: finalize: %w", err)
		}
	}

	for _, entry := range a.manifest.Entries() {
		if entry.LocalPath == "" {
			continue // reference entry, already resolved at add_reference time
		}

		url, err := a.policy.ArtifactURL(ctx, a.Entity, birthArtifactID, hexOfBase64(entry.Digest))
		if err != nil {
			return fmt.Errorf("artifact: finalize: %w", err)
		}

		f, err := os.Open(entry.LocalPath)
		if err != nil {
			return fmt.Errorf("artifact: finalize: reopen staged file: %w", err)
		}
		_, err = a.policy.StoreFile(ctx, entry, f, noopPreparer{uploadURL: url, birthArtifactID: birthArtifactID}, nil)
		f.Close()
		if err != nil {
			return fmt.Errorf("artifact: finalize: store %s: %w", entry.Path, err)
		}
		entry.Ref = url

		if a.stageDir != "" && underDir(entry.LocalPath, a.stageDir) {
			var size int64
			if entry.Size != nil {
				size = *entry.Size
			}
			cachePath, _, err := a.policy.Cache().LookupMD5(entry.Digest, size)
			if err != nil {
				return fmt.Errorf("artifact: finalize: cache remap %s: %w", entry.Path, err)
			}
			entry.LocalPath = cachePath
		}
	}

	if a.stageDir != "" {
		os.RemoveAll(a.stageDir)
	}

	a.finalized = true
	return nil
}

// underDir reports whether path lies inside dir.
func underDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type noopPreparer struct {
	uploadURL       string
	birthArtifactID string
}

func (p noopPreparer) Prepare(context.Context, *types.ManifestEntry) (storagepolicy.PrepareResult, error) {
	return storagepolicy.PrepareResult{BirthArtifactID: p.birthArtifactID, UploadURL: p.uploadURL}, nil
}

func entryForFile(localPath, logicalPath string) (*types.ManifestEntry, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}

	h := md5.New() //nolint:gosec // content digest, not a security boundary
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))
	size := info.Size()

	return &types.ManifestEntry{
		Path:      logicalPath,
		Digest:    digest,
		Size:      &size,
		LocalPath: localPath,
	}, nil
}

func hexOfBase64(b64 string) string {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return b64
	}
	return hex.EncodeToString(raw)
}
