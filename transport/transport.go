// Package transport defines the metadata-plane and event-plane boundary
// between the sweep agent / event consumer and the backend: fetching
// sweep configuration, sending heartbeats, and publishing history rows
// and finalized artifacts.
package transport

import (
	"context"

	"github.com/trackrun/trackcore/events"
	"github.com/trackrun/trackcore/storagepolicy"
	"github.com/trackrun/trackcore/types"
)

// RemoteAPI is the sweep agent's metadata-plane collaborator:
// fetch the sweep's configuration once, register for an agent id, and
// heartbeat liveness in exchange for server-pushed commands.
//
// Agent.RemoteAPI and CommandQueue narrow this to the subset the main
// loop actually calls; RemoteAPI is the full surface a transport
// implementation provides.
type RemoteAPI interface {
	RegisterAgent(ctx context.Context, sweepID string) (agentID string, err error)
	SweepConfig(ctx context.Context, sweepID string) (*types.SweepConfig, error)
	Heartbeat(ctx context.Context, status types.HeartbeatStatus) ([]*types.AgentCommand, error)

	// Prepare satisfies storagepolicy.UploadPreparer: it asks the
	// backend for a pre-signed upload URL (and any headers it must
	// carry) for a manifest entry's storage URL.
	storagepolicy.UploadPreparer
}

// Publisher is the event-plane collaborator: history rows stream to it
// as the event consumer drains the priority queue, and it
// implements events.Publisher directly.
type Publisher interface {
	events.Publisher
}
