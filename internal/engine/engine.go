// Package engine is the weaver dataplane boundary. The daemon drives an
// Engine from control-plane events; implementations reconcile the host's
// tunnel state to match.
package engine

import (
	"context"

	"weavectl/internal/peer"
	"weavectl/internal/wgkey"
)

// Engine applies peer changes to a tunnel dataplane.
type Engine interface {
	// AddPeer installs a peer. A peer with the same key must be removed
	// first; duplicates are an error.
	AddPeer(ctx context.Context, cfg peer.Config) error
	// RemovePeer uninstalls a peer.
	RemovePeer(ctx context.Context, key wgkey.Public) error
	// Peers returns the installed peers with their latest observed state.
	Peers() []peer.State
	// Close tears the dataplane down.
	Close(ctx context.Context) error
}
