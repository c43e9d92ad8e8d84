// Package daemon is the weaver's reconciliation loop: it registers with
// the session server, consumes peer events over the control WebSocket,
// and drives the dataplane engine to match.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"weavectl/internal/api"
	"weavectl/internal/config"
	"weavectl/internal/engine"
	"weavectl/internal/peer"
	"weavectl/internal/stunutil"
	"weavectl/internal/wgkey"
)

// EventSource yields peer events from the control connection.
type EventSource interface {
	Next(ctx context.Context) (api.PeerEvent, error)
	Close() error
}

// Control is the daemon's view of the session server.
type Control interface {
	RegisterWeaver(ctx context.Context, req api.RegisterWeaverRequest) (api.RegisterWeaverResponse, error)
	UnregisterWeaver(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string, req api.HeartbeatRequest) error
	ListWeaverSessions(ctx context.Context, id string) ([]api.Session, error)
	Events(ctx context.Context, id string) (EventSource, error)
}

// apiControl adapts *api.Client to Control.
type apiControl struct {
	c *api.Client
}

func (a apiControl) RegisterWeaver(ctx context.Context, req api.RegisterWeaverRequest) (api.RegisterWeaverResponse, error) {
	return a.c.RegisterWeaver(ctx, req)
}

func (a apiControl) UnregisterWeaver(ctx context.Context, id string) error {
	return a.c.UnregisterWeaver(ctx, id)
}

func (a apiControl) Heartbeat(ctx context.Context, id string, req api.HeartbeatRequest) error {
	return a.c.Heartbeat(ctx, id, req)
}

func (a apiControl) ListWeaverSessions(ctx context.Context, id string) ([]api.Session, error) {
	return a.c.ListWeaverSessions(ctx, id)
}

func (a apiControl) Events(ctx context.Context, id string) (EventSource, error) {
	return a.c.Events(ctx, id)
}

// EngineFactory builds the dataplane once the daemon knows its identity
// and assigned mesh address.
type EngineFactory func(ctx context.Context, kp wgkey.KeyPair, meshIP netip.Addr) (engine.Engine, error)

// Daemon is the long-running weaver process.
type Daemon struct {
	cfg       config.WeaverConfig
	newEngine EngineFactory
	log       *zap.Logger

	// newControl is a hook for tests; the default dials the real server.
	newControl func(token string) (Control, error)
}

// New builds a daemon. newEngine may be nil; the in-process engine is
// used then.
func New(cfg config.WeaverConfig, newEngine EngineFactory, log *zap.Logger) *Daemon {
	if log == nil {
		log = zap.NewNop()
	}
	if newEngine == nil {
		newEngine = func(context.Context, wgkey.KeyPair, netip.Addr) (engine.Engine, error) {
			return engine.NewMesh(log), nil
		}
	}
	d := &Daemon{cfg: cfg, newEngine: newEngine, log: log}
	d.newControl = func(token string) (Control, error) {
		client, err := api.NewClient(cfg.ServerURL, token, api.Options{Insecure: cfg.AllowInsecure})
		if err != nil {
			return nil, err
		}
		return apiControl{c: client}, nil
	}
	return d
}

// Run executes the reconciliation loop until ctx is canceled or the
// control connection is lost. Loss of the connection is an error return;
// the supervisor restarts the process rather than the daemon reconnecting.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.Enabled != nil && !*d.cfg.Enabled {
		d.log.Info("weaver disabled by config, exiting")
		return nil
	}

	token, err := loadToken(d.cfg.SVIDPath)
	if err != nil {
		return err
	}
	control, err := d.newControl(token)
	if err != nil {
		return err
	}

	kp, err := wgkey.NewKeyPair()
	if err != nil {
		return err
	}

	endpoint := d.discoverEndpoint(ctx)

	reg, err := control.RegisterWeaver(ctx, api.RegisterWeaverRequest{
		Name:           d.cfg.Name,
		PublicKey:      kp.Public.String(),
		Endpoint:       endpoint,
		DerpHomeRegion: d.cfg.DerpHomeRegion,
	})
	if err != nil {
		return fmt.Errorf("daemon: register: %w", err)
	}
	meshIP, err := netip.ParseAddr(reg.IP)
	if err != nil {
		return fmt.Errorf("daemon: server assigned bad address %q: %w", reg.IP, err)
	}
	d.log.Info("registered",
		zap.String("weaver_id", reg.WeaverID),
		zap.String("mesh_ip", reg.IP),
		zap.String("endpoint", endpoint))
	defer d.unregister(control, reg.WeaverID)

	eng, err := d.newEngine(ctx, kp, meshIP)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			d.log.Warn("engine shutdown failed", zap.Error(err))
		}
	}()

	stream, err := control.Events(ctx, reg.WeaverID)
	if err != nil {
		return fmt.Errorf("daemon: open event stream: %w", err)
	}
	defer stream.Close()

	events := make(chan api.PeerEvent)
	streamErr := make(chan error, 1)
	go func() {
		for {
			ev, err := stream.Next(ctx)
			if err != nil {
				streamErr <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	hbInterval := time.Duration(d.cfg.HeartbeatIntervalSec) * time.Second
	if hbInterval <= 0 {
		hbInterval = config.DefaultHeartbeatIntervalSec * time.Second
	}
	heartbeat := time.NewTicker(hbInterval)
	defer heartbeat.Stop()

	// Resync is optional drift correction; zero disables it.
	var resyncC <-chan time.Time
	if d.cfg.ResyncIntervalSec > 0 {
		resync := time.NewTicker(time.Duration(d.cfg.ResyncIntervalSec) * time.Second)
		defer resync.Stop()
		resyncC = resync.C
	}

	for {
		// Shutdown wins over any pending event or tick.
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			d.handleEvent(ctx, eng, ev)
		case err := <-streamErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("daemon: event stream lost: %w", err)
		case <-heartbeat.C:
			if err := control.Heartbeat(ctx, reg.WeaverID, api.HeartbeatRequest{Endpoint: endpoint}); err != nil {
				d.log.Warn("heartbeat failed", zap.Error(err))
			}
		case <-resyncC:
			d.resync(ctx, control, eng, reg.WeaverID)
		}
	}
}

// handleEvent applies one peer event. Failures are logged and swallowed:
// one bad event must not take the daemon down.
func (d *Daemon) handleEvent(ctx context.Context, eng engine.Engine, ev api.PeerEvent) {
	log := d.log.With(
		zap.String("event", ev.Type),
		zap.String("session_id", ev.SessionID),
		zap.String("public_key", ev.PublicKey))

	key, err := wgkey.ParsePublic(ev.PublicKey)
	if err != nil {
		log.Warn("event with bad public key", zap.Error(err))
		return
	}

	switch ev.Type {
	case api.EventPeerAdded:
		prefix, err := netip.ParsePrefix(ev.AllowedIP)
		if err != nil {
			log.Warn("event with bad allowed ip", zap.Error(err))
			return
		}
		err = eng.AddPeer(ctx, peer.Config{
			PublicKey:           key,
			AllowedIPs:          []netip.Prefix{prefix},
			DerpRegion:          d.cfg.DerpHomeRegion,
			PersistentKeepalive: config.DefaultKeepaliveSec * time.Second,
		})
		if err != nil {
			log.Warn("add peer failed", zap.Error(err))
			return
		}
		log.Info("peer added")
	case api.EventPeerRemoved:
		if err := eng.RemovePeer(ctx, key); err != nil {
			log.Warn("remove peer failed", zap.Error(err))
			return
		}
		log.Info("peer removed")
	default:
		log.Warn("unknown event type")
	}
}

// resync drops peers whose session no longer exists on the server. Lost
// PeerAdded events cannot be replayed here (sessions do not carry the
// device key), so additions wait for the device to retry.
func (d *Daemon) resync(ctx context.Context, control Control, eng engine.Engine, weaverID string) {
	sessions, err := control.ListWeaverSessions(ctx, weaverID)
	if err != nil {
		d.log.Warn("resync list failed", zap.Error(err))
		return
	}
	live := make(map[netip.Addr]bool, len(sessions))
	for _, s := range sessions {
		if ip, err := netip.ParseAddr(s.ClientIP); err == nil {
			live[ip] = true
		}
	}

	removed := 0
	for _, st := range eng.Peers() {
		stale := true
		for _, p := range st.AllowedIPs {
			if live[p.Addr()] {
				stale = false
				break
			}
		}
		if !stale {
			continue
		}
		if err := eng.RemovePeer(ctx, st.PublicKey); err != nil {
			d.log.Warn("resync remove failed",
				zap.String("public_key", st.PublicKey.String()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		d.log.Info("resync removed stale peers", zap.Int("removed", removed))
	}
}

// unregister is best-effort teardown on a fresh context; Run's ctx is
// already canceled by the time it runs.
func (d *Daemon) unregister(control Control, weaverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := control.UnregisterWeaver(ctx, weaverID); err != nil {
		d.log.Warn("unregister failed", zap.Error(err))
	}
}

// discoverEndpoint learns this node's public UDP mapping via STUN.
// Best-effort: behind a broken NAT the weaver still serves relayed
// traffic.
func (d *Daemon) discoverEndpoint(ctx context.Context) string {
	if len(d.cfg.STUNServers) == 0 {
		return ""
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		d.log.Warn("stun socket failed", zap.Error(err))
		return ""
	}
	defer conn.Close()

	addr, err := stunutil.DiscoverEndpoint(ctx, conn, d.cfg.STUNServers, stunutil.DefaultTimeout)
	if err != nil {
		d.log.Warn("stun discovery failed", zap.Error(err))
		return ""
	}
	return addr.String()
}

func loadToken(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("daemon: svid_path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("daemon: read svid: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("daemon: svid file %s is empty", path)
	}
	return token, nil
}
