package wire

import "testing"

func TestHandshakeRoundTrip(t *testing.T) {
	infoHash := [20]byte{1, 2, 3, 4, 5}
	peerID := [20]byte{9, 9, 9}

	buf := Encode(infoHash, peerID)
	if len(buf) != HandshakeLen {
		t.Fatalf("Encode length = %d, want %d", len(buf), HandshakeLen)
	}

	got, err := Decode(buf, infoHash)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got != peerID {
		t.Fatalf("Decode peerID = %x, want %x", got, peerID)
	}
}

func TestHandshakeDecodeRejectsWrongLength(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}, [20]byte{}); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestHandshakeDecodeRejectsInfoHashMismatch(t *testing.T) {
	buf := Encode([20]byte{1}, [20]byte{2})
	if _, err := Decode(buf, [20]byte{9}); err == nil {
		t.Fatalf("expected error for infohash mismatch")
	}
}

func TestHandshakeDecodeRejectsBadProtocolHeader(t *testing.T) {
	buf := Encode([20]byte{1}, [20]byte{2})
	buf[0] = 3
	if _, err := Decode(buf, [20]byte{1}); err == nil {
		t.Fatalf("expected error for malformed protocol header")
	}
}
