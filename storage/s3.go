package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/trackrun/trackcore/cache"
	tctypes "github.com/trackrun/trackcore/types"
)

// s3API is the subset of the AWS SDK v2 S3 client S3Handler depends on,
// narrowed for test doubles.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListObjectVersions(ctx context.Context, in *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	GetBucketVersioning(ctx context.Context, in *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
}

// S3Handler implements the s3:// scheme.
type S3Handler struct {
	client s3API
	cache  *cache.Cache
}

// NewS3Handler loads the default AWS credential chain and returns a
// handler backed by it, the same credential-chain wiring lode/client_s3.go
// uses for its dataset store factory.
func NewS3Handler(ctx context.Context, c *cache.Cache, optFns ...func(*awsconfig.LoadOptions) error) (*S3Handler, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	return &S3Handler{client: s3.NewFromConfig(cfg), cache: c}, nil
}

// NewS3HandlerWithClient injects an s3API implementation directly, for
// tests against a fake S3 backend.
func NewS3HandlerWithClient(client s3API, c *cache.Cache) *S3Handler {
	return &S3Handler{client: client, cache: c}
}

func (h *S3Handler) Scheme() string { return "s3" }

// StorePath implements a two-mode store: a HEAD probe decides single- vs
// multi-object mode; multi-object mode lists under the key as a prefix
// and fails once max_objects is reached.
func (h *S3Handler) StorePath(ctx context.Context, uri string, opts StoreOptions) ([]*tctypes.ManifestEntry, error) {
	bucket, key, err := splitBucketKey(uri)
	if err != nil {
		return nil, err
	}

	maxObjects := opts.MaxObjects
	if maxObjects == 0 {
		maxObjects = DefaultMaxObjects
	}

	head, err := h.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		name := nameOrDefault(opts.Name, path.Base(key))
		var size int64
		if head.ContentLength != nil {
			size = *head.ContentLength
		}
		entry := &tctypes.ManifestEntry{
			Path:   name,
			Digest: unquoteETag(aws.ToString(head.ETag)),
			Ref:    uri,
			Size:   &size,
			Extra:  map[string]string{"etag": unquoteETag(aws.ToString(head.ETag))},
		}
		if head.VersionId != nil && *head.VersionId != "null" {
			entry.Extra["versionID"] = *head.VersionId
		}
		return []*tctypes.ManifestEntry{entry}, nil
	}
	if !isNotFound(err) {
		return nil, wrapErr("store", uri, ErrFileMissing, err)
	}

	// Single-object HEAD returned 404: switch to multi-object listing.
	out, err := h.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(int32(maxObjects)), //nolint:gosec // bounded by DefaultMaxObjects
	})
	if err != nil {
		return nil, wrapErr("store", uri, ErrFileMissing, err)
	}

	if len(out.Contents) >= maxObjects {
		return nil, wrapErr("store", uri, ErrMaxObjectsExceeded,
			fmt.Errorf("exceeded %d objects tracked", maxObjects))
	}

	entries := make([]*tctypes.ManifestEntry, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Size == nil || *obj.Size <= 0 {
			continue
		}
		rel := strings.TrimPrefix(aws.ToString(obj.Key), key)
		rel = strings.TrimPrefix(rel, "/")
		name := rel
		if opts.Name != "" {
			name = opts.Name + "/" + rel
		}
		size := *obj.Size
		etag := unquoteETag(aws.ToString(obj.ETag))
		entries = append(entries, &tctypes.ManifestEntry{
			Path:   name,
			Digest: etag,
			Ref:    fmt.Sprintf("s3://%s/%s", bucket, aws.ToString(obj.Key)),
			Size:   &size,
			Extra:  map[string]string{"etag": etag},
		})
	}
	return entries, nil
}

// LoadPath resolves an S3 reference. An etag-cache hit short-circuits;
// otherwise it fetches the entry's explicit versionID when present, else
// the latest object, falling back to a version-listing scan keyed by
// entry.Digest when the bucket is versioned and the latest object's etag
// doesn't match.
func (h *S3Handler) LoadPath(ctx context.Context, entry *tctypes.ManifestEntry, local bool) (string, error) {
	var size int64
	if entry.Size != nil {
		size = *entry.Size
	}
	if cached, hit, err := h.cache.LookupETag(entry.Digest, size); err == nil && hit {
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

	getIn := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if v, ok := entry.Extra["versionID"]; ok && v != "" {
		getIn.VersionId = aws.String(v)
	}
	out, err := h.client.GetObject(ctx, getIn)
	if err != nil {
		return "", wrapErr("load", entry.Ref, ErrFileMissing, err)
	}
	defer out.Body.Close()

	etag := unquoteETag(aws.ToString(out.ETag))
	if getIn.VersionId != nil || etag == entry.Digest {
		return h.cache.WriteETag(entry.Digest, out.Body)
	}

	// Latest object doesn't match; fall back to scanning versions when the
	// bucket has versioning enabled.
	_ = out.Body.Close()
	versioned, err := h.bucketIsVersioned(ctx, bucket)
	if err != nil {
		return "", err
	}
	if !versioned {
		return "", wrapErr("load", entry.Ref, ErrDigestMismatch,
			fmt.Errorf("bucket %s is not versioned", bucket))
	}

	versions, err := h.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return "", wrapErr("load", entry.Ref, ErrDigestMismatch, err)
	}
	for _, v := range versions.Versions {
		if unquoteETag(aws.ToString(v.ETag)) == entry.Digest {
			vOut, err := h.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket:    aws.String(bucket),
				Key:       aws.String(key),
				VersionId: v.VersionId,
			})
			if err != nil {
				return "", wrapErr("load", entry.Ref, ErrFileMissing, err)
			}
			defer vOut.Body.Close()
			return h.cache.WriteETag(entry.Digest, vOut.Body)
		}
	}
	return "", wrapErr("load", entry.Ref, ErrDigestMismatch, nil)
}

func (h *S3Handler) bucketIsVersioned(ctx context.Context, bucket string) (bool, error) {
	out, err := h.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(bucket)})
	if err != nil {
		return false, err
	}
	return out.Status == s3types.BucketVersioningStatusEnabled, nil
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}
