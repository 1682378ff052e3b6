// Package storage implements the pluggable per-scheme storage handlers:
// local filesystem, S3, GCS, HTTP(S), and a tracking fallback, dispatched
// through a MultiHandler registry keyed by URI scheme.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for handler failure classification: typed sentinels
// plus a wrapper that preserves the underlying error for errors.Is/As.
var (
	// ErrDigestMismatch is returned when a handler's recomputed digest does
	// not match the entry's declared digest and no versioned fallback
	// resolves the conflict.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrMaxObjectsExceeded is returned when a directory/bucket walk hits
	// the configured object cap.
	ErrMaxObjectsExceeded = errors.New("exceeded max objects tracked")
	// ErrSchemeUnsupported is returned by MultiHandler when no handler (and
	// no default handler) is registered for a URI's scheme.
	ErrSchemeUnsupported = errors.New("unsupported scheme")
	// ErrReferenceRequired is returned when AddReference is given a path
	// without a URI scheme.
	ErrReferenceRequired = errors.New("reference requires a URI scheme")
	// ErrFileMissing is returned when a local reference points at a
	// non-existent path.
	ErrFileMissing = errors.New("referenced file does not exist")
	// ErrNameRequired is returned by TrackingHandler.StorePath when no name
	// was supplied.
	ErrNameRequired = errors.New("name is required for this reference")
)

// HandlerError wraps an underlying error with the handler operation and
// path that failed, preserving the chain for errors.Is/As.
type HandlerError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *HandlerError) Error() string {
	if e.Err != nil && e.Err != e.Kind {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool { return errors.Is(e.Kind, target) }

func wrapErr(op, path string, kind, err error) error {
	if err == nil {
		err = kind
	}
	return &HandlerError{Op: op, Path: path, Kind: kind, Err: err}
}

// unquoteETag strips surrounding double quotes an HTTP ETag header (or an
// S3/GCS SDK field) may carry.
func unquoteETag(etag string) string {
	return strings.Trim(etag, `"`)
}
