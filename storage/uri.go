package storage

import (
	"net/url"
	"strings"
)

// schemeOf returns the URI scheme of s, or "" if s carries none. "https"
// and "http" are distinct handler registrations, so no normalization
// happens here beyond what net/url already performs.
func schemeOf(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return u.Scheme
}

// HasScheme reports whether s parses as a URI with a non-empty scheme.
// AddReference requires this and returns ErrReferenceRequired otherwise.
func HasScheme(s string) bool {
	return schemeOf(s) != ""
}

// splitBucketKey parses an s3:// or gs:// URI's host+path into
// (bucket, key), stripping the leading slash from the key.
func splitBucketKey(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", err
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
