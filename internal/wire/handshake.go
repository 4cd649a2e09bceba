// Package wire implements the BitTorrent peer-wire codec: the 68-byte
// handshake and the length-prefixed message framing that follows it.
//
// Everything here is pure encode/decode with no I/O, mirroring the
// teacher's Handshake struct in p2p.go but split from the socket-reading
// code so it can be unit-tested without a network.
package wire

import (
	"bytes"
	"fmt"
)

const (
	protocolName   = "BitTorrent protocol"
	// HandshakeLen is the fixed size of a handshake frame.
	HandshakeLen = 1 + 19 + 8 + 20 + 20
)

// Handshake is the decoded form of the 68-byte handshake frame.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serialises h into the fixed 68-byte handshake layout: byte 0 is
// the protocol-name length (19), bytes 1-19 are the protocol name, bytes
// 20-27 are the zeroed reserved/extension bytes, bytes 28-47 are the
// infohash and bytes 48-67 are the peer-id.
func Encode(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	// bytes 20-27 stay zero: no extensions.
	copy(buf[28:48], infoHash[:])
	copy(buf[48:68], peerID[:])
	return buf
}

// Decode parses a 68-byte handshake frame and verifies it carries
// expectedInfoHash. It returns the remote peer's id on success.
func Decode(buf []byte, expectedInfoHash [20]byte) ([20]byte, error) {
	var peerID [20]byte

	if len(buf) != HandshakeLen {
		return peerID, fmt.Errorf("wire: malformed handshake: want %d bytes, got %d", HandshakeLen, len(buf))
	}

	if buf[0] != byte(len(protocolName)) || string(buf[1:20]) != protocolName {
		return peerID, fmt.Errorf("wire: malformed handshake: unexpected protocol header %q", buf[1:20])
	}

	if !bytes.Equal(buf[28:48], expectedInfoHash[:]) {
		return peerID, fmt.Errorf("wire: handshake infohash mismatch: got %x, want %x", buf[28:48], expectedInfoHash)
	}

	copy(peerID[:], buf[48:68])
	return peerID, nil
}
