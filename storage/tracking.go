package storage

import (
	"context"

	"github.com/trackrun/trackcore/types"
)

// TrackingHandler is the default fallback handler: it never reads
// or checksums referenced content. StorePath requires an explicit name;
// LoadPath only resolves remote references (local=false).
type TrackingHandler struct{}

// NewTrackingHandler returns the stateless tracking fallback handler.
func NewTrackingHandler() *TrackingHandler { return &TrackingHandler{} }

func (h *TrackingHandler) Scheme() string { return "" } // used only as MultiHandler's default

func (h *TrackingHandler) StorePath(_ context.Context, uri string, opts StoreOptions) ([]*types.ManifestEntry, error) {
	if opts.Name == "" {
		return nil, wrapErr("store", uri, ErrNameRequired, nil)
	}
	return []*types.ManifestEntry{{
		Path:   opts.Name,
		Digest: uri,
		Ref:    uri,
	}}, nil
}

func (h *TrackingHandler) LoadPath(_ context.Context, entry *types.ManifestEntry, local bool) (string, error) {
	if local {
		return "", wrapErr("load", entry.Ref, ErrFileMissing,
			nil)
	}
	return entry.Path, nil
}
