package storage

import (
	"context"

	"github.com/trackrun/trackcore/types"
)

// DefaultMaxObjects is the default cap on objects tracked by a single
// store_path call (directory walk or bucket listing).
const DefaultMaxObjects = 10_000

// StoreOptions configures a single StorePath invocation.
type StoreOptions struct {
	// Name overrides the derived entry name(s). Empty means "derive from
	// the basename/relative path", per handler-specific rules.
	Name string
	// Checksum is carried for callers; the handlers in this package do not
	// read it and compute or fetch digests the same way whatever its value.
	Checksum bool
	// MaxObjects caps the number of entries a single call may produce.
	// Zero means DefaultMaxObjects.
	MaxObjects int
}

// Handler is the capability interface a storage backend exposes: a URI
// scheme, and the ability to materialize entries for a reference
// (StorePath) and to resolve an entry back to bytes (LoadPath). Backends
// register into a registry indexed by scheme string.
type Handler interface {
	// Scheme returns the URI scheme this handler handles (e.g. "s3").
	Scheme() string

	// StorePath builds one or more manifest entries for uri.
	StorePath(ctx context.Context, uri string, opts StoreOptions) ([]*types.ManifestEntry, error)

	// LoadPath resolves entry to a local file path (local=true) or to a
	// remote reference (local=false, returns entry.Ref unchanged when the
	// handler supports remote resolution without downloading).
	LoadPath(ctx context.Context, entry *types.ManifestEntry, local bool) (string, error)
}

// MultiHandler dispatches StorePath/LoadPath to the handler registered for
// a URI's scheme, falling back to a default handler for unrecognised
// schemes. The fallback decision checks whether a default handler is
// configured, not whether the registry itself is non-nil.
type MultiHandler struct {
	handlers       map[string]Handler
	defaultHandler Handler
}

// NewMultiHandler builds a registry from handlers, keyed by each handler's
// own Scheme(). defaultHandler is used for schemes with no registered
// handler; pass nil to have unresolved schemes fail with
// ErrSchemeUnsupported.
func NewMultiHandler(defaultHandler Handler, handlers ...Handler) *MultiHandler {
	m := &MultiHandler{
		handlers:       make(map[string]Handler, len(handlers)),
		defaultHandler: defaultHandler,
	}
	for _, h := range handlers {
		m.handlers[h.Scheme()] = h
	}
	return m
}

// resolve picks the handler for uri's scheme: an exact registry match, or
// the default handler when one is configured.
func (m *MultiHandler) resolve(scheme string) (Handler, error) {
	if h, ok := m.handlers[scheme]; ok {
		return h, nil
	}
	// The intended check is "is a default handler configured", not
	// "is the handler map non-nil" — the map is always non-nil here.
	if m.defaultHandler != nil {
		return m.defaultHandler, nil
	}
	return nil, wrapErr("store", scheme, ErrSchemeUnsupported, nil)
}

// StorePath dispatches to the handler registered for uri's scheme.
func (m *MultiHandler) StorePath(ctx context.Context, uri string, opts StoreOptions) ([]*types.ManifestEntry, error) {
	scheme := schemeOf(uri)
	h, err := m.resolve(scheme)
	if err != nil {
		return nil, err
	}
	return h.StorePath(ctx, uri, opts)
}

// LoadPath dispatches to the handler registered for entry.Ref's scheme.
func (m *MultiHandler) LoadPath(ctx context.Context, entry *types.ManifestEntry, local bool) (string, error) {
	scheme := schemeOf(entry.Ref)
	h, err := m.resolve(scheme)
	if err != nil {
		return "", err
	}
	return h.LoadPath(ctx, entry, local)
}
