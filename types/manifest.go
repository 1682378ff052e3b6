//nolint:revive // types is a common Go package naming convention
package types

import (
	"crypto/md5" //nolint:gosec // content digest, not a security boundary
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// NamePattern is the allowed character set for artifact names.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ErrInvalidName describes a name that fails NamePattern. No function of
// this module checks artifact or entry names against NamePattern, so none
// returns it.
var ErrInvalidName = fmt.Errorf("invalid name: must match %s", NamePattern.String())

// ManifestEntry is an immutable record of one logical file in an artifact.
//
// Invariant: LocalPath set => Size set.
type ManifestEntry struct {
	// Path is the POSIX-relative path within the artifact.
	Path string `json:"-"`
	// Digest is the content digest: base64 MD5 for embedded files, or the
	// backend's ETag/md5_hash for references.
	Digest string `json:"digest"`
	// Ref is the source URI for reference entries. Empty for embedded files.
	Ref string `json:"ref,omitempty"`
	// Size is the entry size in bytes, when known.
	Size *int64 `json:"size,omitempty"`
	// Extra holds free-form backend metadata (notable keys: etag, versionID).
	Extra map[string]string `json:"extra,omitempty"`
	// BirthArtifactID is set once the entry has been uploaded to the server.
	BirthArtifactID string `json:"birthArtifactID,omitempty"`
	// LocalPath is the on-disk path backing this entry. Transient: never
	// serialized, valid only while the artifact/cache file still exists.
	LocalPath string `json:"-"`
}

// manifestEntryJSON mirrors ManifestEntry for serialization, enforcing
// that LocalPath never leaks into persisted form.
type manifestEntryJSON struct {
	Digest          string            `json:"digest"`
	Ref             string            `json:"ref,omitempty"`
	Size            *int64            `json:"size,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
	BirthArtifactID string            `json:"birthArtifactID,omitempty"`
}

// Manifest is the ordered mapping path -> ManifestEntry plus the storage
// policy that produced it.
type Manifest struct {
	Version             int                    `json:"-"`
	StoragePolicy        string                 `json:"-"`
	StoragePolicyConfig  map[string]any         `json:"-"`
	entries              map[string]*ManifestEntry
}

// NewManifest creates an empty manifest bound to a storage policy name.
func NewManifest(storagePolicy string, config map[string]any) *Manifest {
	return &Manifest{
		Version:             ManifestVersion,
		StoragePolicy:        storagePolicy,
		StoragePolicyConfig:  config,
		entries:              make(map[string]*ManifestEntry),
	}
}

// AddEntry inserts or replaces the entry at path. Safe to call concurrently
// only through the caller-provided lock (manifests are not internally
// synchronized; callers performing concurrent AddDir-style hashing must
// serialize writes themselves, see artifact.Artifact.AddDir).
func (m *Manifest) AddEntry(path string, entry *ManifestEntry) {
	entry.Path = path
	m.entries[path] = entry
}

// GetEntry returns the entry at path, or nil if absent.
func (m *Manifest) GetEntry(path string) *ManifestEntry {
	return m.entries[path]
}

// Entries returns all entries sorted by ascending ASCII path order.
// The manifest digest and JSON serialization both depend on this order.
func (m *Manifest) Entries() []*ManifestEntry {
	paths := make([]string, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]*ManifestEntry, 0, len(paths))
	for _, p := range paths {
		out = append(out, m.entries[p])
	}
	return out
}

// manifestDigestPrefix is the fixed header hashed before any entry.
const manifestDigestPrefix = "wandb-artifact-manifest-v1\n"

// Digest computes the manifest's content digest: MD5 hex of the
// concatenation of manifestDigestPrefix followed by "{path}:{digest}\n"
// for each entry in ascending ASCII path order. Deterministic regardless
// of insertion order.
func (m *Manifest) Digest() string {
	h := md5.New() //nolint:gosec // content digest, not a security boundary
	h.Write([]byte(manifestDigestPrefix))
	for _, e := range m.Entries() {
		fmt.Fprintf(h, "%s:%s\n", e.Path, e.Digest)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// manifestJSON is the top-level persisted manifest document.
type manifestJSON struct {
	Version             int                           `json:"version"`
	StoragePolicy       string                         `json:"storagePolicy"`
	StoragePolicyConfig map[string]any                 `json:"storagePolicyConfig,omitempty"`
	Contents            map[string]manifestEntryJSON   `json:"contents"`
}

// MarshalJSON serializes the manifest in its JSON (v1) shape.
// Entries are sorted by path; LocalPath never appears in persisted form.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	contents := make(map[string]manifestEntryJSON, len(m.entries))
	for _, e := range m.Entries() {
		contents[e.Path] = manifestEntryJSON{
			Digest:          e.Digest,
			Ref:             e.Ref,
			Size:            e.Size,
			Extra:           e.Extra,
			BirthArtifactID: e.BirthArtifactID,
		}
	}
	return json.Marshal(manifestJSON{
		Version:             ManifestVersion,
		StoragePolicy:       m.StoragePolicy,
		StoragePolicyConfig: m.StoragePolicyConfig,
		Contents:            contents,
	})
}

// UnmarshalJSON parses a persisted manifest document.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var doc manifestJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	m.Version = doc.Version
	m.StoragePolicy = doc.StoragePolicy
	m.StoragePolicyConfig = doc.StoragePolicyConfig
	m.entries = make(map[string]*ManifestEntry, len(doc.Contents))
	for path, ej := range doc.Contents {
		m.entries[path] = &ManifestEntry{
			Path:            path,
			Digest:          ej.Digest,
			Ref:             ej.Ref,
			Size:            ej.Size,
			Extra:           ej.Extra,
			BirthArtifactID: ej.BirthArtifactID,
		}
	}
	return nil
}
