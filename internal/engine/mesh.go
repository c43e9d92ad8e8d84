package engine

import (
	"context"

	"go.uber.org/zap"

	"weavectl/internal/peer"
	"weavectl/internal/wgkey"
)

// Mesh is an in-process Engine over a peer table only. It installs
// nothing on the host; relay-only deployments and tests run on it.
type Mesh struct {
	peers *peer.Manager
	log   *zap.Logger
}

// NewMesh returns an empty in-process engine.
func NewMesh(log *zap.Logger) *Mesh {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mesh{peers: peer.NewManager(), log: log}
}

func (m *Mesh) AddPeer(_ context.Context, cfg peer.Config) error {
	if err := m.peers.Add(cfg); err != nil {
		return err
	}
	m.log.Debug("peer added", zap.String("public_key", cfg.PublicKey.String()))
	return nil
}

func (m *Mesh) RemovePeer(_ context.Context, key wgkey.Public) error {
	if err := m.peers.Remove(key); err != nil {
		return err
	}
	m.log.Debug("peer removed", zap.String("public_key", key.String()))
	return nil
}

func (m *Mesh) Peers() []peer.State { return m.peers.List() }

func (m *Mesh) Close(context.Context) error { return nil }
