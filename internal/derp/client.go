package derp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"weavectl/internal/derpmap"
	"weavectl/internal/wgkey"
)

// Typed, fatal-for-this-attempt connection errors. Protocol errors
// (unexpected frame, oversized frame) trigger a full reconnect by the
// caller, never partial recovery.
var (
	ErrConnect      = errors.New("derp: tcp connect failed")
	ErrTLS          = errors.New("derp: tls handshake failed")
	ErrHandshake    = errors.New("derp: http upgrade failed")
	ErrNotConnected = errors.New("derp: client not connected")
)

const (
	// dialTimeout bounds DNS + TCP + TLS + upgrade for one attempt.
	dialTimeout = 10 * time.Second
	// readTimeout is reset before every inbound frame; the server sends
	// keep-alives well inside it.
	readTimeout = 120 * time.Second

	protocolVersion = 2
)

// Options tune a Client.
type Options struct {
	// TLSConfig overrides the default TLS client config (used by tests
	// with self-signed servers).
	TLSConfig *tls.Config
	// Plaintext skips TLS entirely, for relays reachable only on port 80.
	Plaintext bool
	// DialTimeout overrides the default 10s connect budget.
	DialTimeout time.Duration
}

// Client is a DERP relay client. It is safe for one reader goroutine
// (Recv) and concurrent writers (Send and the control operations).
type Client struct {
	addr       string // host:port of the relay
	serverName string // TLS SNI / certificate name
	keypair    wgkey.KeyPair
	opts       Options
	log        *zap.Logger

	writeMu sync.Mutex // serializes frame writes
	mu      sync.Mutex // guards conn/state below
	conn    net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer

	serverKey wgkey.Public
}

type clientInfo struct {
	Version int `json:"version"`
}

type serverInfo struct {
	Version int `json:"version"`
}

// Message is an inbound event decoded by Recv.
type Message interface{ msg() }

// ReceivedPacket is a relayed packet from a peer.
type ReceivedPacket struct {
	Source wgkey.Public
	Data   []byte
}

// PeerGone signals a watched peer disconnected from the relay.
type PeerGone struct{ Peer wgkey.Public }

// PeerPresent signals a watched peer connected to the relay.
type PeerPresent struct{ Peer wgkey.Public }

func (ReceivedPacket) msg() {}
func (PeerGone) msg()       {}
func (PeerPresent) msg()    {}

// NewClient returns a disconnected client for the relay at addr.
// serverName is used for TLS verification; if empty, the host part of addr
// is used.
func NewClient(keypair wgkey.KeyPair, addr, serverName string, opts Options, log *zap.Logger) *Client {
	if serverName == "" {
		serverName, _, _ = net.SplitHostPort(addr)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		addr:       addr,
		serverName: serverName,
		keypair:    keypair,
		opts:       opts,
		log:        log,
	}
}

// RegionAddr picks the relay endpoint for a region: the first node that is
// not STUN-only. It returns the dial address and the TLS server name.
func RegionAddr(region *derpmap.Region) (addr, serverName string, err error) {
	if region == nil {
		return "", "", errors.New("derp: nil region")
	}
	for _, node := range region.Nodes {
		if node == nil || node.STUNOnly {
			continue
		}
		port := node.DERPPort
		if port == 0 {
			port = 443
		}
		host := node.HostName
		if node.IPv4 != "" {
			host = node.IPv4
		}
		return net.JoinHostPort(host, fmt.Sprint(port)), node.HostName, nil
	}
	return "", "", fmt.Errorf("derp: region %d has no relay nodes", region.RegionID)
}

// Connect runs the connection state machine: TCP connect, TLS handshake,
// HTTP upgrade, server key, server info, client info. Any failure is fatal
// for this attempt and leaves the client disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	timeout := c.opts.DialTimeout
	if timeout <= 0 {
		timeout = dialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &net.Dialer{}
	tcpConn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	conn := tcpConn
	if !c.opts.Plaintext {
		tlsCfg := c.opts.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: c.serverName}
		}
		tlsConn := tls.Client(tcpConn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			tcpConn.Close()
			return fmt.Errorf("%w: %v", ErrTLS, err)
		}
		conn = tlsConn
	}

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := c.upgrade(conn, br, bw); err != nil {
		conn.Close()
		return err
	}
	if err := c.exchangeInfo(br, bw); err != nil {
		conn.Close()
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	c.conn = conn
	c.br = br
	c.bw = bw
	c.log.Debug("derp connection established",
		zap.String("relay", c.addr),
		zap.String("server_key", c.serverKey.String()))
	return nil
}

func (c *Client) upgrade(conn net.Conn, br *bufio.Reader, bw *bufio.Writer) error {
	req, err := http.NewRequest(http.MethodGet, "/derp", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	req.Host = c.serverName
	req.Header.Set("Upgrade", "DERP")
	req.Header.Set("Connection", "Upgrade")
	if err := req.Write(bw); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	res, err := http.ReadResponse(br, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: status %s", ErrHandshake, res.Status)
	}
	return nil
}

func (c *Client) exchangeInfo(br *bufio.Reader, bw *bufio.Writer) error {
	keyPayload, err := expectFrame(br, FrameServerKey)
	if err != nil {
		return err
	}
	if len(keyPayload) != wgkey.Size {
		return fmt.Errorf("derp: server key frame is %d bytes, want %d", len(keyPayload), wgkey.Size)
	}
	copy(c.serverKey[:], keyPayload)

	infoPayload, err := expectFrame(br, FrameServerInfo)
	if err != nil {
		return err
	}
	var info serverInfo
	if err := json.Unmarshal(infoPayload, &info); err != nil {
		return fmt.Errorf("derp: decode server info: %w", err)
	}

	ci, err := json.Marshal(clientInfo{Version: protocolVersion})
	if err != nil {
		return err
	}
	payload := make([]byte, 0, wgkey.Size+len(ci))
	payload = append(payload, c.keypair.Public[:]...)
	payload = append(payload, ci...)
	if err := WriteFrame(bw, FrameClientInfo, payload); err != nil {
		return err
	}
	return bw.Flush()
}

// ServerPublicKey returns the relay's key learned during Connect.
func (c *Client) ServerPublicKey() wgkey.Public {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverKey
}

// Send relays data to the peer addressed by dst.
func (c *Client) Send(dst wgkey.Public, data []byte) error {
	return c.writeFrame(FrameSendPacket, EncodeSendPacket(dst, data))
}

// SendKeepalive writes an empty keep-alive frame.
func (c *Client) SendKeepalive() error {
	return c.writeFrame(FrameKeepAlive, nil)
}

// NotePreferred tells the relay whether it is this client's home region.
func (c *Client) NotePreferred(preferred bool) error {
	return c.writeFrame(FrameNotePreferred, boolPayload(preferred))
}

// WatchConns subscribes to PeerPresent/PeerGone notifications.
func (c *Client) WatchConns() error {
	return c.writeFrame(FrameWatchConns, nil)
}

// ClosePeer asks the relay to drop its connection to the given peer.
func (c *Client) ClosePeer(peer wgkey.Public) error {
	return c.writeFrame(FrameClosePeer, peer[:])
}

func (c *Client) writeFrame(t FrameType, payload []byte) error {
	c.mu.Lock()
	bw := c.bw
	c.mu.Unlock()
	if bw == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(bw, t, payload); err != nil {
		return err
	}
	return bw.Flush()
}

// Recv blocks for the next inbound message. Keep-alives are consumed
// internally and pings are answered with pongs; everything else surfaces as
// a typed Message. Any error is fatal for this connection.
func (c *Client) Recv() (Message, error) {
	c.mu.Lock()
	conn, br := c.conn, c.br
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		t, payload, err := ReadFrame(br)
		if err != nil {
			return nil, err
		}
		switch t {
		case FrameKeepAlive:
			continue
		case FramePing:
			if err := c.writeFrame(FramePong, payload); err != nil {
				return nil, err
			}
			continue
		case FrameRecvPacket:
			src, data, err := DecodeSendPacket(payload)
			if err != nil {
				return nil, err
			}
			return ReceivedPacket{Source: src, Data: data}, nil
		case FramePeerGone:
			key, err := keyPayload(payload)
			if err != nil {
				return nil, err
			}
			return PeerGone{Peer: key}, nil
		case FramePeerPresent:
			key, err := keyPayload(payload)
			if err != nil {
				return nil, err
			}
			return PeerPresent{Peer: key}, nil
		default:
			return nil, fmt.Errorf("derp: unknown inbound frame type 0x%02x", byte(t))
		}
	}
}

func keyPayload(payload []byte) (wgkey.Public, error) {
	var key wgkey.Public
	if len(payload) < wgkey.Size {
		return key, fmt.Errorf("derp: key frame too short: %d bytes", len(payload))
	}
	copy(key[:], payload[:wgkey.Size])
	return key, nil
}

// Close tears down the connection. The client may be re-connected later.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.br = nil
	c.bw = nil
	return err
}
