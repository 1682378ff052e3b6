// Package storagepolicy implements the default storage policy: the
// write-through cache path files/references go through before landing in
// handler-managed storage, plus the retrying HTTP client every upload/
// download rides on.
package storagepolicy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/trackrun/trackcore/cache"
	"github.com/trackrun/trackcore/region"
	"github.com/trackrun/trackcore/storage"
	"github.com/trackrun/trackcore/types"
)

// retryableStatuses are the HTTP statuses the upload/download client retries
// on, per its declarative retry policy.
var retryableStatuses = map[int]bool{
	308: true, 408: true, 409: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// RetryConfig tunes the backing *http.Client's retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig is 16 total attempts with linear backoff factor 1.0.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 16, BackoffBase: 500 * time.Millisecond, BackoffFactor: 1.0}
}

// PrepareResult is the backend's response to an upload-prepare request:
// the server-assigned birth artifact id (§4.3 step (c)) plus the upload
// URL/headers StoreFile PUTs the file body to. An empty UploadURL means
// the backend already has this content.
type PrepareResult struct {
	BirthArtifactID string
	UploadURL       string
	UploadHeaders   map[string]string
}

// UploadPreparer prepares an upload URL/headers for a manifest entry before
// StoreFile PUTs to it; the transport layer
// implements this against the tracking backend.
type UploadPreparer interface {
	Prepare(ctx context.Context, entry *types.ManifestEntry) (PrepareResult, error)
}

// Policy is the default storage policy: cache + MultiHandler + a retrying
// HTTP client for direct-to-blob-store traffic, with a region selector for
// the V2 URL layout.
type Policy struct {
	cache    *cache.Cache
	handlers *storage.MultiHandler
	client   *http.Client
	retry    RetryConfig
	regions  *region.Selector
	baseURL  string
}

// New builds a Policy. baseURL is the tracking backend root used for both
// V1 and V2 artifact URL layouts.
func New(c *cache.Cache, handlers *storage.MultiHandler, regions *region.Selector, baseURL string, retry RetryConfig) *Policy {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 64,
		MaxConnsPerHost:     64,
	}
	return &Policy{
		cache:    c,
		handlers: handlers,
		client:   &http.Client{Transport: transport, Timeout: 5 * time.Minute},
		retry:    retry,
		regions:  regions,
		baseURL:  baseURL,
	}
}

// Cache returns the policy's backing content-addressed cache. Callers
// that staged a file through StoreFile can use it to resolve the cache
// path a digest landed at, once write-through has run.
func (p *Policy) Cache() *cache.Cache {
	return p.cache
}

// StoreFile writes a local file's content into the cache and, when the
// prepare response carries a non-empty upload URL, streams it to storage
// via a PUT carrying the prepare response's headers. entry.BirthArtifactID is set from the prepare
// response (§4.3 step (c)). Returns existed=true when the backend already
// had this content (prep returned no upload URL) and StoreFile only
// populated the cache.
func (p *Policy) StoreFile(ctx context.Context, entry *types.ManifestEntry, body io.Reader, prep UploadPreparer, onProgress func(written int64)) (existed bool, err error) {
	path, err := p.cache.WriteMD5(entry.Digest, body)
	if err != nil {
		return false, fmt.Errorf("storagepolicy: cache write: %w", err)
	}

	result, err := prep.Prepare(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("storagepolicy: prepare upload: %w", err)
	}
	if result.BirthArtifactID != "" {
		entry.BirthArtifactID = result.BirthArtifactID
	}
	if result.UploadURL == "" {
		return true, nil
	}

	if err := p.retryingPut(ctx, result.UploadURL, result.UploadHeaders, path, onProgress); err != nil {
		return false, err
	}
	return false, nil
}

// LoadFile streams cached or remote content for entry into w in 16KiB
// chunks, using the handler registered for entry.Ref's scheme when the
// cache misses.
func (p *Policy) LoadFile(ctx context.Context, entry *types.ManifestEntry, w io.Writer) error {
	var size int64
	if entry.Size != nil {
		size = *entry.Size
	}
	if cached, hit, err := p.cache.LookupMD5(entry.Digest, size); err == nil && hit {
		f, err := openForRead(cached)
		if err != nil {
			return err
		}
		defer f.Close()
		return copyChunked(w, f)
	}

	localPath, err := p.handlers.LoadPath(ctx, entry, true)
	if err != nil {
		return fmt.Errorf("storagepolicy: load: %w", err)
	}
	f, err := openForRead(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return copyChunked(w, f)
}

// StoreReference delegates to the handler registered for uri's scheme,
// bypassing the cache entirely.
func (p *Policy) StoreReference(ctx context.Context, uri string, opts storage.StoreOptions) ([]*types.ManifestEntry, error) {
	return p.handlers.StorePath(ctx, uri, opts)
}

// LoadReference resolves entry back to a path or a bare reference URI.
func (p *Policy) LoadReference(ctx context.Context, entry *types.ManifestEntry, local bool) (string, error) {
	return p.handlers.LoadPath(ctx, entry, local)
}

// ArtifactURL builds the storage URL for an entry's digest, using the V2
// region-scoped layout when a region pool is configured, else the legacy V1
// layout.
func (p *Policy) ArtifactURL(ctx context.Context, entity, birthArtifactID, md5Hex string) (string, error) {
	if p.regions == nil {
		return fmt.Sprintf("%s/artifacts/%s/%s", p.baseURL, entity, md5Hex), nil
	}
	region, err := p.regions.Select(regionSelectReq(entity, birthArtifactID))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/artifactsV2/%s/%s/%s/%s",
		p.baseURL, region, entity, url.PathEscape(birthArtifactID), md5Hex), nil
}

func (p *Policy) retryingPut(ctx context.Context, uploadURL string, headers map[string]string, bodyPath string, onProgress func(int64)) error {
	var lastErr error
	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		f, err := openForRead(bodyPath)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
		if err != nil {
			f.Close()
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			if !p.sleepBackoff(ctx, attempt) {
				break
			}
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 300 {
			if onProgress != nil {
				onProgress(resp.ContentLength)
			}
			return nil
		}
		if !retryableStatuses[resp.StatusCode] {
			return fmt.Errorf("storagepolicy: upload failed with status %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("storagepolicy: upload status %d", resp.StatusCode)
		if !p.sleepBackoff(ctx, attempt) {
			break
		}
	}
	return fmt.Errorf("storagepolicy: upload exhausted retries: %w", lastErr)
}

func (p *Policy) sleepBackoff(ctx context.Context, attempt int) bool {
	wait := p.retry.BackoffBase + time.Duration(float64(attempt)*p.retry.BackoffFactor*float64(p.retry.BackoffBase))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

func regionSelectReq(entity, birthArtifactID string) region.SelectRequest {
	return region.SelectRequest{Pool: "artifacts", Artifact: birthArtifactID, Entity: entity, Commit: true}
}

func copyChunked(w io.Writer, r io.Reader) error {
	buf := make([]byte, 16*1024)
	_, err := io.CopyBuffer(w, r, buf)
	return err
}

func openForRead(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storagepolicy: open %s: %w", path, err)
	}
	return f, nil
}
