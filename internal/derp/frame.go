// Package derp implements the client side of the DERP relay protocol:
// length-prefixed binary frames spoken over a TLS stream after an HTTP/1.1
// "Upgrade: DERP" handshake.
//
// A single stream multiplexes all logical peer flows; packets are addressed
// purely by the curve25519 key fields inside frames, never by per-peer
// sockets.
package derp

import (
	"errors"
	"fmt"
	"io"

	"weavectl/internal/wgkey"
)

// FrameType is the one-byte tag leading every frame.
type FrameType byte

// Frame types. Client→server: ClientInfo, SendPacket, KeepAlive,
// NotePreferred, WatchConns, ClosePeer, Pong. Server→client: ServerKey,
// ServerInfo, RecvPacket, KeepAlive, PeerGone, PeerPresent, Ping.
const (
	FrameServerKey     = FrameType(0x01)
	FrameClientInfo    = FrameType(0x02)
	FrameServerInfo    = FrameType(0x03)
	FrameSendPacket    = FrameType(0x04)
	FrameRecvPacket    = FrameType(0x05)
	FrameKeepAlive     = FrameType(0x06)
	FrameNotePreferred = FrameType(0x07)
	FramePeerGone      = FrameType(0x08)
	FramePeerPresent   = FrameType(0x09)
	FrameWatchConns    = FrameType(0x10)
	FrameClosePeer     = FrameType(0x11)
	FramePing          = FrameType(0x12)
	FramePong          = FrameType(0x13)
)

// MaxFrameSize caps a frame's payload. The length field is validated
// against it before the payload buffer is allocated.
const MaxFrameSize = 1 << 20

// headerLen is 1 byte type + 3 bytes big-endian payload length.
const headerLen = 4

// ErrFrameTooLarge is returned for frames whose declared length exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("derp: frame exceeds maximum size")

// UnexpectedFrameError reports a frame of the wrong type during the
// connection handshake.
type UnexpectedFrameError struct {
	Want, Got FrameType
}

func (e *UnexpectedFrameError) Error() string {
	return fmt.Sprintf("derp: unexpected frame type 0x%02x, want 0x%02x", byte(e.Got), byte(e.Want))
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [headerLen]byte
	hdr[0] = byte(t)
	hdr[1] = byte(len(payload) >> 16)
	hdr[2] = byte(len(payload) >> 8)
	hdr[3] = byte(len(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("derp: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("derp: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r, validating the length against
// MaxFrameSize before allocating the payload buffer.
func ReadFrame(r io.Reader) (FrameType, []byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	t := FrameType(hdr[0])
	length := int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	if length == 0 {
		return t, nil, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("derp: read frame payload: %w", err)
	}
	return t, payload, nil
}

// expectFrame reads one frame and requires it to be of type want.
func expectFrame(r io.Reader, want FrameType) ([]byte, error) {
	t, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, &UnexpectedFrameError{Want: want, Got: t}
	}
	return payload, nil
}

// EncodeSendPacket builds a SendPacket payload: 32-byte destination key
// followed by the packet bytes.
func EncodeSendPacket(dst wgkey.Public, data []byte) []byte {
	out := make([]byte, 0, wgkey.Size+len(data))
	out = append(out, dst[:]...)
	return append(out, data...)
}

// DecodeSendPacket splits a SendPacket payload back into key and packet.
// The returned slice aliases payload.
func DecodeSendPacket(payload []byte) (dst wgkey.Public, data []byte, err error) {
	if len(payload) < wgkey.Size {
		return dst, nil, fmt.Errorf("derp: send packet frame too short: %d bytes", len(payload))
	}
	copy(dst[:], payload[:wgkey.Size])
	return dst, payload[wgkey.Size:], nil
}

func boolPayload(v bool) []byte {
	if v {
		return []byte{0x01}
	}
	return []byte{0x00}
}
