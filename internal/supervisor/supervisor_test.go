package supervisor_test

import (
	"context"
	"crypto/sha1"
	"io"
	"net"
	"testing"
	"time"

	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/piecestore"
	"github.com/lvbealr/leech/internal/session"
	"github.com/lvbealr/leech/internal/supervisor"
	"github.com/lvbealr/leech/internal/tracker"
	"github.com/lvbealr/leech/internal/wire"
)

func startFakePeer(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()

	return ln.Addr().String()
}

func addrToPeer(t *testing.T, addr string) tracker.Peer {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting %q: %v", addr, err)
	}
	var port int
	if _, err := fscanPort(portStr, &port); err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return tracker.Peer{IP: host, Port: uint16(port)}
}

func fscanPort(s string, out *int) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, io.ErrUnexpectedEOF
		}
		n = n*10 + int(c-'0')
	}
	*out = n
	return n, nil
}

type nullSink struct{}

func (nullSink) PieceCompleted(index, total int)                            {}
func (nullSink) SessionOpened(addr string)                                  {}
func (nullSink) SessionFailed(addr string, reason session.FailReason, err error) {}

func goodPeerScript(t *testing.T, infoHash [20]byte, pieceData []byte) func(net.Conn) {
	return func(conn net.Conn) {
		buf := make([]byte, wire.HandshakeLen)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		if _, err := wire.Decode(buf, infoHash); err != nil {
			return
		}
		conn.Write(wire.Encode(infoHash, [20]byte{9}))

		maxFrameLen := wire.DefaultMaxFrameLen(int64(len(pieceData)))
		if _, err := wire.ReadMessage(conn, maxFrameLen); err != nil { // interested
			return
		}

		bits := make([]byte, 1)
		wire.SetPiece(bits, 0)
		conn.Write(wire.NewBitfield(bits).Encode())
		conn.Write(wire.NewUnchoke().Encode())

		req, err := wire.ReadMessage(conn, maxFrameLen)
		if err != nil {
			return
		}
		if _, err := wire.ParseRequest(req); err != nil {
			return
		}

		conn.Write(wire.NewPiece(0, 0, pieceData).Encode())
		time.Sleep(200 * time.Millisecond)
	}
}

func refusingPeerScript() func(net.Conn) {
	return func(conn net.Conn) {
		conn.Close()
	}
}

func testMetainfo(pieceData []byte) *metainfo.Metainfo {
	digest := sha1.Sum(pieceData)
	return &metainfo.Metainfo{
		PieceLength: int64(len(pieceData)),
		PieceHashes: [][20]byte{digest},
		TotalLength: int64(len(pieceData)),
	}
}

func TestRunSucceedsWithOneGoodPeer(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	pieceData := []byte("0123456789abcdef")
	m := testMetainfo(pieceData)

	addr := startFakePeer(t, goodPeerScript(t, infoHash, pieceData))
	peer := addrToPeer(t, addr)

	store, err := piecestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("piecestore.New: %v", err)
	}

	cfg := supervisor.DefaultConfig()
	cfg.BatchSize = 1
	cfg.MaxBatches = 1
	cfg.ProbeWindow = 500 * time.Millisecond

	outDir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = supervisor.Run(ctx, cfg, []tracker.Peer{peer}, infoHash, [20]byte{7}, m, store, outDir, nullSink{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestRunReturnsNoPeersSucceededWhenAllPeersFail(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	m := testMetainfo([]byte("12345678"))

	addrA := startFakePeer(t, refusingPeerScript())
	addrB := startFakePeer(t, refusingPeerScript())

	store, err := piecestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("piecestore.New: %v", err)
	}

	cfg := supervisor.DefaultConfig()
	cfg.BatchSize = 2
	cfg.MaxBatches = 1
	cfg.ProbeWindow = 500 * time.Millisecond

	peers := []tracker.Peer{addrToPeer(t, addrA), addrToPeer(t, addrB)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = supervisor.Run(ctx, cfg, peers, infoHash, [20]byte{7}, m, store, t.TempDir(), nullSink{})
	if err != supervisor.ErrNoPeersSucceeded {
		t.Fatalf("Run error = %v, want ErrNoPeersSucceeded", err)
	}
}

func TestRunSkipsPeersWhenAllPiecesAlreadyOnDisk(t *testing.T) {
	pieceData := []byte("12345678")
	m := testMetainfo(pieceData)

	store, err := piecestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("piecestore.New: %v", err)
	}
	if err := store.Save(0, pieceData); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	cfg := supervisor.DefaultConfig()
	outDir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// No peers at all: if the supervisor tries to dial one, the test would
	// hang or fail; reassembly must happen from the seeded store alone.
	err = supervisor.Run(ctx, cfg, nil, [20]byte{1}, [20]byte{7}, m, store, outDir, nullSink{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
}
