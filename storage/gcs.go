package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/trackrun/trackcore/cache"
	"github.com/trackrun/trackcore/types"
)

// GCSHandler implements the gs:// scheme against the GCS JSON API
// directly over net/http, in the same request/response shape as the
// plain HTTP(S) handler in this package.
type GCSHandler struct {
	client  *http.Client
	cache   *cache.Cache
	baseURL string // override for tests; defaults to storage.googleapis.com
}

const gcsDefaultBaseURL = "https://storage.googleapis.com/storage/v1"

// NewGCSHandler returns a handler backed by client (nil selects
// http.DefaultClient) and c.
func NewGCSHandler(client *http.Client, c *cache.Cache) *GCSHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &GCSHandler{client: client, cache: c, baseURL: gcsDefaultBaseURL}
}

func (h *GCSHandler) Scheme() string { return "gs" }

type gcsObject struct {
	Name        string `json:"name"`
	Size        string `json:"size"`
	MD5Hash     string `json:"md5Hash"`
	ETag        string `json:"etag"`
	Generation  string `json:"generation"`
	ContentType string `json:"contentType"`
}

type gcsObjectList struct {
	Items         []gcsObject `json:"items"`
	NextPageToken string      `json:"nextPageToken"`
}

func (h *GCSHandler) getJSON(ctx context.Context, u string, out any) (status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

// StorePath mirrors S3Handler's two-mode store: attempt a single-object
// metadata fetch first, fall back to a prefix listing.
func (h *GCSHandler) StorePath(ctx context.Context, uri string, opts StoreOptions) ([]*types.ManifestEntry, error) {
	bucket, key, err := splitBucketKey(uri)
	if err != nil {
		return nil, err
	}

	maxObjects := opts.MaxObjects
	if maxObjects == 0 {
		maxObjects = DefaultMaxObjects
	}

	var obj gcsObject
	objURL := fmt.Sprintf("%s/b/%s/o/%s", h.baseURL, bucket, url.PathEscape(key))
	status, err := h.getJSON(ctx, objURL, &obj)
	if err != nil {
		return nil, wrapErr("store", uri, ErrFileMissing, err)
	}
	if status < 400 {
		name := nameOrDefault(opts.Name, path.Base(key))
		size, _ := strconv.ParseInt(obj.Size, 10, 64)
		entry := &types.ManifestEntry{
			Path:   name,
			Digest: obj.MD5Hash,
			Ref:    uri,
			Size:   &size,
			Extra:  map[string]string{"etag": unquoteETag(obj.ETag)},
		}
		if obj.Generation != "" {
			entry.Extra["versionID"] = obj.Generation
		}
		return []*types.ManifestEntry{entry}, nil
	}
	if status != 404 {
		return nil, wrapErr("store", uri, ErrFileMissing, fmt.Errorf("gcs status %d", status))
	}

	var list gcsObjectList
	listURL := fmt.Sprintf("%s/b/%s/o?prefix=%s&maxResults=%d", h.baseURL, bucket, url.QueryEscape(key), maxObjects)
	if _, err := h.getJSON(ctx, listURL, &list); err != nil {
		return nil, wrapErr("store", uri, ErrFileMissing, err)
	}

	if len(list.Items) >= maxObjects {
		return nil, wrapErr("store", uri, ErrMaxObjectsExceeded,
			fmt.Errorf("exceeded %d objects tracked", maxObjects))
	}

	entries := make([]*types.ManifestEntry, 0, len(list.Items))
	for _, o := range list.Items {
		size, _ := strconv.ParseInt(o.Size, 10, 64)
		if size <= 0 {
			continue
		}
		rel := strings.TrimPrefix(o.Name, key)
		rel = strings.TrimPrefix(rel, "/")
		name := rel
		if opts.Name != "" {
			name = opts.Name + "/" + rel
		}
		entry := &types.ManifestEntry{
			Path:   name,
			Digest: o.MD5Hash,
			Ref:    fmt.Sprintf("gs://%s/%s", bucket, o.Name),
			Size:   &size,
			Extra:  map[string]string{"etag": unquoteETag(o.ETag)},
		}
		if o.Generation != "" {
			entry.Extra["versionID"] = o.Generation
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LoadPath mirrors S3Handler.LoadPath but keys the cache on md5Hash and
// falls back to bucket-versioning-aware generation listing on mismatch.
func (h *GCSHandler) LoadPath(ctx context.Context, entry *types.ManifestEntry, local bool) (string, error) {
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

	bucket, key, err := splitBucketKey(entry.Ref)
	if err != nil {
		return "", err
	}

	downloadURL := fmt.Sprintf("%s/b/%s/o/%s?alt=media", h.baseURL, bucket, url.PathEscape(key))
	if v, ok := entry.Extra["versionID"]; ok && v != "" {
		downloadURL += "&generation=" + v
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", wrapErr("load", entry.Ref, ErrFileMissing, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", wrapErr("load", entry.Ref, ErrFileMissing, fmt.Errorf("gcs status %d", resp.StatusCode))
	}

	etag := unquoteETag(resp.Header.Get("ETag"))
	if strings.Contains(downloadURL, "generation=") || etag == entry.Extra["etag"] {
		return h.cache.WriteMD5(entry.Digest, resp.Body)
	}

	// Fall back to scanning object generations for one whose etag matches.
	var list gcsObjectList
	listURL := fmt.Sprintf("%s/b/%s/o?prefix=%s&versions=true", h.baseURL, bucket, url.QueryEscape(key))
	if _, err := h.getJSON(ctx, listURL, &list); err != nil {
		return "", wrapErr("load", entry.Ref, ErrDigestMismatch, err)
	}
	for _, o := range list.Items {
		if unquoteETag(o.ETag) == entry.Extra["etag"] {
			genURL := fmt.Sprintf("%s/b/%s/o/%s?alt=media&generation=%s", h.baseURL, bucket, url.PathEscape(key), o.Generation)
			greq, err := http.NewRequestWithContext(ctx, http.MethodGet, genURL, nil)
			if err != nil {
				return "", err
			}
			gresp, err := h.client.Do(greq)
			if err != nil {
				return "", wrapErr("load", entry.Ref, ErrFileMissing, err)
			}
			defer gresp.Body.Close()
			return h.cache.WriteMD5(entry.Digest, gresp.Body)
		}
	}
	return "", wrapErr("load", entry.Ref, ErrDigestMismatch, nil)
}
