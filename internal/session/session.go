// Package session drives one TCP connection to one peer through the
// handshake and message loop: it parses frames, issues block requests,
// routes received blocks into the shared inventory, and hands completed
// pieces to the verifier and piece store.
//
// Grounded on the teacher's PerformHandshake/DownloadFromPeer in p2p.go,
// split into the explicit state machine spec.md §4.5 names and reworked
// to pipeline across pieces claimed from the shared inventory instead of
// downloading one piece at a time to a private bool slice.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lvbealr/leech/internal/inventory"
	"github.com/lvbealr/leech/internal/logx"
	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/piecestore"
	"github.com/lvbealr/leech/internal/wire"
)

// State is the peer session's current position in the handshake/message
// state machine (spec.md §4.5).
type State int

const (
	Dialing State = iota
	Handshaking
	AwaitingBitfield
	Choked
	Active
	Closing
	Failed
	Done
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case Handshaking:
		return "handshaking"
	case AwaitingBitfield:
		return "awaiting-bitfield"
	case Choked:
		return "choked"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Failed:
		return "failed"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// FailReason classifies why a session retired without completing.
type FailReason int

const (
	NoFailure FailReason = iota
	NetworkError
	HandshakeMismatch
	ProtocolError
)

func (r FailReason) String() string {
	switch r {
	case NetworkError:
		return "network-error"
	case HandshakeMismatch:
		return "handshake-mismatch"
	case ProtocolError:
		return "protocol-error"
	default:
		return "none"
	}
}

// Outcome is the terminal result of Run.
type Outcome struct {
	State      State
	FailReason FailReason
	Err        error
	// PeerID is the remote peer's handshake id, for logging only.
	PeerID [20]byte
}

// Config collects the tunable timeouts and limits of spec.md §4.5/§5, all
// defaulted the way the teacher defaults its own retry/backoff constants
// inline.
type Config struct {
	ConnectTimeout       time.Duration
	HandshakeReadTimeout time.Duration
	ReadIdleTimeout      time.Duration
	KeepAliveInterval    time.Duration
	PipelineDepth        int
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		HandshakeReadTimeout: 10 * time.Second,
		ReadIdleTimeout:      60 * time.Second,
		KeepAliveInterval:    120 * time.Second,
		PipelineDepth:        15,
	}
}

// claim tracks this session's progress through one piece it currently
// owns: the next byte offset to request, and whether that offset's
// REQUEST is outstanding.
type claim struct {
	nextOffset  int
	pieceLen    int64
	outstanding bool
}

// Session is the runtime state of one peer connection.
type Session struct {
	cfg   Config
	m     *metainfo.Metainfo
	inv   *inventory.Inventory
	store *piecestore.Store

	conn         net.Conn
	r            *bufio.Reader
	maxFrameLen  uint32
	peerBitfield []byte
	amInterested bool
	peerChoking  bool
	remotePeerID [20]byte

	claims map[int]*claim
	// pipelineSlots caps how many pieces this session may hold claimed at
	// once to cfg.PipelineDepth, the idiomatic ecosystem equivalent of the
	// plain len(s.claims) bound it replaces.
	pipelineSlots *semaphore.Weighted
}

// New constructs a session bound to the shared inventory and store.
func New(cfg Config, m *metainfo.Metainfo, inv *inventory.Inventory, store *piecestore.Store) *Session {
	return &Session{
		cfg:           cfg,
		m:             m,
		inv:           inv,
		store:         store,
		maxFrameLen:   wire.DefaultMaxFrameLen(m.PieceLength),
		peerChoking:   true,
		claims:        make(map[int]*claim),
		pipelineSlots: semaphore.NewWeighted(int64(cfg.PipelineDepth)),
	}
}

// Run drives the full lifecycle against one peer: dial, handshake,
// message loop, until the peer disconnects, the download target is
// reached, or a fatal error occurs. It never writes to the piece store
// for a piece another session has already committed and always restores
// the inventory's in_flight set before returning. target is the total
// number of pieces the download must reach.
func (s *Session) Run(ctx context.Context, addr string, infoHash, selfPeerID [20]byte, target int) Outcome {
	conn, err := net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout)
	if err != nil {
		logx.Fail("session %s: dial failed: %v", addr, err)
		return Outcome{State: Failed, FailReason: NetworkError, Err: err}
	}
	s.conn = conn
	s.r = bufio.NewReader(conn)

	defer s.closeAndRelease(addr)

	go s.watchCancellation(ctx)

	if err := s.handshake(infoHash, selfPeerID); err != nil {
		logx.Fail("session %s: handshake failed: %v", addr, err)
		reason := NetworkError
		if _, ok := err.(handshakeMismatchError); ok {
			reason = HandshakeMismatch
		}
		return Outcome{State: Failed, FailReason: reason, Err: err}
	}

	logx.Info("session %s: handshake complete, remote peer-id %s", addr, peerIDString(s.remotePeerID))

	if err := s.sendInterested(); err != nil {
		return Outcome{State: Failed, FailReason: NetworkError, Err: err}
	}

	if err := s.awaitBitfield(); err != nil {
		logx.Fail("session %s: %v", addr, err)
		reason := NetworkError
		if _, ok := err.(protocolError); ok {
			reason = ProtocolError
		}
		return Outcome{State: Failed, FailReason: reason, Err: err, PeerID: s.remotePeerID}
	}

	outcome := s.messageLoop(ctx, addr, target)
	outcome.PeerID = s.remotePeerID
	return outcome
}

type handshakeMismatchError struct{ error }
type protocolError struct{ error }

func (s *Session) handshake(infoHash, selfPeerID [20]byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeReadTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(wire.Encode(infoHash, selfPeerID)); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeReadTimeout)); err != nil {
		return err
	}
	buf := make([]byte, wire.HandshakeLen)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}

	remoteID, err := wire.Decode(buf, infoHash)
	if err != nil {
		return handshakeMismatchError{err}
	}

	s.remotePeerID = remoteID
	return nil
}

func (s *Session) sendInterested() error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeReadTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(wire.NewInterested().Encode()); err != nil {
		return fmt.Errorf("sending interested: %w", err)
	}
	s.amInterested = true
	return nil
}

// awaitBitfield expects a BITFIELD as the first typed message. Per
// spec.md §9's resolved open question, the minimal core requires it: any
// other typed message arriving first closes the session with a protocol
// error rather than tolerating a HAVE-only peer.
func (s *Session) awaitBitfield() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout)); err != nil {
		return err
	}

	msg, err := wire.ReadMessage(s.r, s.maxFrameLen)
	if err != nil {
		return fmt.Errorf("reading first message: %w", err)
	}
	if msg == nil {
		// Keep-alive before the bitfield: wait for the real first message.
		return s.awaitBitfield()
	}

	if msg.ID != wire.MsgBitfield {
		return protocolError{fmt.Errorf("expected bitfield as first message, got %s", msg.ID)}
	}

	bits, err := wire.ParseBitfield(msg, s.m.NumPieces())
	if err != nil {
		return protocolError{err}
	}

	s.peerBitfield = bits
	return nil
}

func peerIDString(id [20]byte) string {
	return fmt.Sprintf("%q", id[:])
}
