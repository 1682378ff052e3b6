package types //nolint:revive // types is a common Go package naming convention

// Version is the canonical module version. IPC framing, the manifest
// format, and the sweep command protocol share this version per the
// lockstep versioning policy.
const Version = "0.6.1"

// ContractVersion is the wire-format version stamped on manifests and
// IPC command envelopes.
const ContractVersion = Version

// ManifestVersion is the integer version field in the persisted manifest
// JSON document.
const ManifestVersion = 1
