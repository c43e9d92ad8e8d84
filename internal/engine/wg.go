package engine

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"weavectl/internal/execx"
	"weavectl/internal/peer"
	"weavectl/internal/wgkey"
)

// WGConfig describes the kernel WireGuard interface the engine owns.
type WGConfig struct {
	Interface  string
	Address    netip.Addr // this node's mesh address
	PrefixBits int        // on-link prefix length for Address
	PrivateKey wgkey.Private
	ListenPort int
	MTU        int
}

// WG drives a kernel WireGuard interface through ip/wg commands. A mirror
// peer table tracks what has been installed so Peers never shells out.
type WG struct {
	cfg    WGConfig
	runner execx.Runner
	mirror *peer.Manager
	log    *zap.Logger
}

// NewWG builds the engine; call Up before adding peers.
func NewWG(cfg WGConfig, runner execx.Runner, log *zap.Logger) (*WG, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("engine: interface name is required")
	}
	if !cfg.Address.IsValid() {
		return nil, fmt.Errorf("engine: mesh address is required")
	}
	if cfg.PrefixBits <= 0 || cfg.PrefixBits > cfg.Address.BitLen() {
		return nil, fmt.Errorf("engine: prefix length %d is invalid for %s", cfg.PrefixBits, cfg.Address)
	}
	if runner == nil {
		runner = execx.NewOSRunner(nil, nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WG{cfg: cfg, runner: runner, mirror: peer.NewManager(), log: log}, nil
}

// Up creates the interface, keys it, and brings it up. Idempotent.
func (e *WG) Up(ctx context.Context) error {
	if err := e.ensureInterface(ctx); err != nil {
		return err
	}
	if err := e.loadPrivateKey(ctx); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s/%d", e.cfg.Address, e.cfg.PrefixBits)
	if err := e.runner.Run(ctx, "ip", "address", "replace", addr, "dev", e.cfg.Interface); err != nil {
		return err
	}
	if e.cfg.MTU > 0 {
		if err := e.runner.Run(ctx, "ip", "link", "set", "dev", e.cfg.Interface, "mtu", strconv.Itoa(e.cfg.MTU)); err != nil {
			return err
		}
	}
	if err := e.runner.Run(ctx, "ip", "link", "set", "dev", e.cfg.Interface, "up"); err != nil {
		return err
	}
	e.log.Info("tunnel interface up",
		zap.String("interface", e.cfg.Interface),
		zap.String("address", addr))
	return nil
}

func (e *WG) AddPeer(ctx context.Context, cfg peer.Config) error {
	if err := e.mirror.Add(cfg); err != nil {
		return err
	}
	args := []string{"set", e.cfg.Interface, "peer", cfg.PublicKey.String(),
		"allowed-ips", joinPrefixes(cfg.AllowedIPs)}
	if cfg.Endpoint.IsValid() {
		args = append(args, "endpoint", cfg.Endpoint.String())
	}
	if cfg.PersistentKeepalive > 0 {
		args = append(args, "persistent-keepalive",
			strconv.Itoa(int(cfg.PersistentKeepalive/time.Second)))
	}
	if err := e.runner.Run(ctx, "wg", args...); err != nil {
		_ = e.mirror.Remove(cfg.PublicKey)
		return err
	}
	for _, p := range cfg.AllowedIPs {
		if err := e.runner.Run(ctx, "ip", "route", "replace", p.String(), "dev", e.cfg.Interface); err != nil {
			e.log.Warn("route install failed",
				zap.String("prefix", p.String()), zap.Error(err))
		}
	}
	return nil
}

func (e *WG) RemovePeer(ctx context.Context, key wgkey.Public) error {
	if err := e.mirror.Remove(key); err != nil {
		return err
	}
	return e.runner.Run(ctx, "wg", "set", e.cfg.Interface, "peer", key.String(), "remove")
}

func (e *WG) Peers() []peer.State { return e.mirror.List() }

// Close removes the interface. A missing device is not an error.
func (e *WG) Close(ctx context.Context) error {
	err := e.runner.Run(ctx, "ip", "link", "del", "dev", e.cfg.Interface)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "Cannot find device") || strings.Contains(err.Error(), "does not exist") {
		return nil
	}
	return err
}

// SyncStats folds `wg show <iface> dump` counters into the peer table.
func (e *WG) SyncStats(ctx context.Context) error {
	out, err := e.runner.Output(ctx, "wg", "show", e.cfg.Interface, "dump")
	if err != nil {
		return err
	}
	for _, st := range parseDump(out) {
		e.mirror.SetHandshake(st.key, st.handshake)
		e.mirror.UpdateTraffic(st.key, st.rx, st.tx)
	}
	return nil
}

func (e *WG) ensureInterface(ctx context.Context) error {
	if _, err := e.runner.Output(ctx, "ip", "link", "show", "dev", e.cfg.Interface); err == nil {
		return nil
	}
	err := e.runner.Run(ctx, "ip", "link", "add", "dev", e.cfg.Interface, "type", "wireguard")
	if err == nil || strings.Contains(err.Error(), "File exists") {
		return nil
	}
	return err
}

// loadPrivateKey feeds the key to wg through a 0600 temp file; it never
// appears on a command line.
func (e *WG) loadPrivateKey(ctx context.Context) error {
	tmp, err := os.CreateTemp("", "weavectl-wg-*.key")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(e.cfg.PrivateKey.String() + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	args := []string{"set", e.cfg.Interface, "private-key", tmp.Name()}
	if e.cfg.ListenPort > 0 {
		args = append(args, "listen-port", strconv.Itoa(e.cfg.ListenPort))
	}
	return e.runner.Run(ctx, "wg", args...)
}

type dumpStat struct {
	key       wgkey.Public
	handshake time.Time
	rx, tx    int64
}

// parseDump reads the tab-separated peer lines of `wg show <iface> dump`.
// The first line describes the interface and is skipped; malformed lines
// are ignored.
func parseDump(dump string) []dumpStat {
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	if len(lines) < 2 {
		return nil
	}
	out := make([]dumpStat, 0, len(lines)-1)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		key, err := wgkey.ParsePublic(fields[0])
		if err != nil {
			continue
		}
		st := dumpStat{key: key}
		if epoch, err := strconv.ParseInt(fields[4], 10, 64); err == nil && epoch > 0 {
			st.handshake = time.Unix(epoch, 0)
		}
		st.rx, _ = strconv.ParseInt(fields[5], 10, 64)
		st.tx, _ = strconv.ParseInt(fields[6], 10, 64)
		out = append(out, st)
	}
	return out
}

func joinPrefixes(prefixes []netip.Prefix) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
