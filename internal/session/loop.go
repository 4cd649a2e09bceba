package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/lvbealr/leech/internal/inventory"
	"github.com/lvbealr/leech/internal/logx"
	"github.com/lvbealr/leech/internal/verifier"
	"github.com/lvbealr/leech/internal/wire"
)

// CorruptionSuspected, layered onto FailReason, signals the supervisor-
// level fatal condition of spec.md §7: three consecutive hash mismatches
// on the same piece across all sessions.
const CorruptionSuspected FailReason = 100

// StoreError signals a piece-store write failure, fatal for the whole
// download per spec.md §7.
const StoreError FailReason = 101

// connWriter serialises writes to the connection between the message loop
// (handshake, interested, requests) and the keep-alive ticker goroutine.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(b []byte, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := w.conn.Write(b)
	return err
}

// messageLoop is the Active/Choked phase of the state machine: it fills
// the pipeline with claimed pieces, issues REQUESTs, and routes incoming
// messages. It runs until the peer disconnects, a fatal error occurs, or
// the download target is reached.
func (s *Session) messageLoop(ctx context.Context, addr string, target int) Outcome {
	writer := &connWriter{conn: s.conn}

	stopKeepAlive := make(chan struct{})
	defer close(stopKeepAlive)
	go s.keepAliveLoop(writer, stopKeepAlive)

	for {
		if ctx.Err() != nil {
			logx.Info("session %s: cancelled by supervisor", addr)
			return Outcome{State: Closing}
		}

		s.fillPipeline(writer, addr)

		if len(s.claims) == 0 && s.inv.IsDone(target) {
			logx.Info("session %s: download target reached, closing", addr)
			return Outcome{State: Done}
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout)); err != nil {
			return Outcome{State: Failed, FailReason: NetworkError, Err: err}
		}

		msg, err := wire.ReadMessage(s.r, s.maxFrameLen)
		if err != nil {
			if isTimeout(err) {
				// Idle read: not fatal so long as the session may still
				// have useful work elsewhere in the swarm.
				continue
			}
			if ctx.Err() != nil {
				return Outcome{State: Closing}
			}
			if errors.Is(err, wire.ErrFrameTooLarge) {
				return Outcome{State: Failed, FailReason: ProtocolError, Err: err}
			}
			logx.Fail("session %s: connection closed: %v", addr, err)
			return Outcome{State: Failed, FailReason: NetworkError, Err: err}
		}

		if outcome, done := s.handleMessage(writer, addr, msg); done {
			return outcome
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Session) keepAliveLoop(w *connWriter, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := w.write(wire.EncodeKeepAlive(), time.Now().Add(s.cfg.HandshakeReadTimeout)); err != nil {
				return
			}
		}
	}
}

// fillPipeline tops claimed pieces up to the configured pipeline depth
// and issues a REQUEST for any claim without one outstanding.
func (s *Session) fillPipeline(w *connWriter, addr string) {
	hasPiece := func(i int) bool { return wire.HasPiece(s.peerBitfield, i) }
	for s.pipelineSlots.TryAcquire(1) {
		newly := s.inv.ClaimNext(hasPiece, 1)
		if len(newly) == 0 {
			s.pipelineSlots.Release(1)
			break
		}
		idx := newly[0]
		s.claims[idx] = &claim{pieceLen: s.m.PieceLen(idx)}
	}

	if s.peerChoking {
		return
	}

	for idx, c := range s.claims {
		if c.outstanding {
			continue
		}
		s.issueRequest(w, addr, idx, c)
	}
}

func (s *Session) issueRequest(w *connWriter, addr string, pieceIndex int, c *claim) {
	remaining := c.pieceLen - int64(c.nextOffset)
	if remaining <= 0 {
		return
	}

	length := int64(wire.BlockSize)
	if remaining < length {
		length = remaining
	}

	req := wire.NewRequest(pieceIndex, c.nextOffset, int(length))
	if err := w.write(req.Encode(), time.Now().Add(s.cfg.HandshakeReadTimeout)); err != nil {
		logx.Fail("session %s: failed to send request for piece %d: %v", addr, pieceIndex, err)
		return
	}

	s.inv.MarkRequested(pieceIndex, c.nextOffset)
	c.outstanding = true
}

// handleMessage applies one received message to the session's state. It
// returns (outcome, true) when the session must terminate.
func (s *Session) handleMessage(w *connWriter, addr string, msg *wire.Message) (Outcome, bool) {
	if msg == nil {
		// Keep-alive from the peer.
		return Outcome{}, false
	}

	switch msg.ID {
	case wire.MsgChoke:
		s.peerChoking = true
		for idx, c := range s.claims {
			if c.outstanding {
				s.inv.UnmarkRequested(idx, c.nextOffset)
				c.outstanding = false
			}
		}
		logx.Info("session %s: choked", addr)

	case wire.MsgUnchoke:
		s.peerChoking = false
		logx.Info("session %s: unchoked", addr)

	case wire.MsgInterested, wire.MsgNotInterested:
		// Leech-only core never serves data; nothing to do.

	case wire.MsgHave:
		if idx, err := wire.ParseHave(msg); err == nil {
			logx.Info("session %s: have %d (ignored, no rarest-first tracking)", addr, idx)
		}

	case wire.MsgBitfield:
		logx.Info("session %s: unexpected bitfield after handshake, ignoring", addr)

	case wire.MsgRequest, wire.MsgCancel:
		// Leech-only core never serves blocks.

	case wire.MsgPiece:
		return s.handlePiece(w, addr, msg)

	default:
		logx.Info("session %s: skipping unknown message id %d", addr, msg.ID)
	}

	return Outcome{}, false
}

func (s *Session) handlePiece(w *connWriter, addr string, msg *wire.Message) (Outcome, bool) {
	block, err := wire.ParsePiece(msg)
	if err != nil {
		return Outcome{State: Failed, FailReason: ProtocolError, Err: err}, true
	}

	c, owned := s.claims[block.PieceIndex]
	if !owned {
		logx.Info("session %s: dropping block for unclaimed piece %d", addr, block.PieceIndex)
		return Outcome{}, false
	}

	if int64(block.Offset)+int64(len(block.Data)) > c.pieceLen {
		return Outcome{State: Failed, FailReason: ProtocolError,
			Err: errOversizedBlock(block.PieceIndex, block.Offset, len(block.Data), c.pieceLen)}, true
	}

	outcome := s.inv.DepositBlock(block.PieceIndex, block.Offset, block.Data)
	if c.outstanding && block.Offset == c.nextOffset {
		c.outstanding = false
	}

	switch outcome {
	case inventory.Duplicate:
		logx.Info("session %s: duplicate block piece=%d offset=%d", addr, block.PieceIndex, block.Offset)
	case inventory.Stale:
		s.dropClaim(block.PieceIndex)
		return Outcome{}, false
	}

	if !s.inv.IsAssemblyComplete(block.PieceIndex, c.pieceLen) {
		if outcome == inventory.Accepted && block.Offset == c.nextOffset {
			c.nextOffset += len(block.Data)
		}
		return Outcome{}, false
	}

	return s.completeAndVerify(addr, block.PieceIndex, c)
}

// dropClaim removes pieceIndex from the held claims and returns its
// pipeline slot, keeping pipelineSlots exactly mirroring len(s.claims).
func (s *Session) dropClaim(pieceIndex int) {
	if _, ok := s.claims[pieceIndex]; !ok {
		return
	}
	delete(s.claims, pieceIndex)
	s.pipelineSlots.Release(1)
}

func (s *Session) completeAndVerify(addr string, pieceIndex int, c *claim) (Outcome, bool) {
	s.dropClaim(pieceIndex)

	blocks, ok := s.inv.Snapshot(pieceIndex)
	if !ok {
		// Another session already completed or released this piece.
		return Outcome{}, false
	}

	result, assembled, err := verifier.VerifyAndCommit(blocks, s.m.PieceHashes[pieceIndex], c.pieceLen)
	if err != nil {
		return Outcome{State: Failed, FailReason: ProtocolError, Err: err}, true
	}

	switch result {
	case verifier.HashMismatch:
		s.inv.Release(pieceIndex)
		streak := s.inv.RecordHashMismatch(pieceIndex)
		logx.Fail("session %s: hash mismatch on piece %d (streak %d)", addr, pieceIndex, streak)
		if streak >= 3 {
			return Outcome{State: Failed, FailReason: CorruptionSuspected,
				Err: errCorruption(pieceIndex)}, true
		}
		return Outcome{}, false

	case verifier.Incomplete:
		logx.Info("session %s: piece %d reported complete but verifier disagreed, keeping assembly", addr, pieceIndex)
		return Outcome{}, false

	default: // OK
		if err := s.store.Save(pieceIndex, assembled); err != nil {
			return Outcome{State: Failed, FailReason: StoreError, Err: err}, true
		}
		s.inv.CommitComplete(pieceIndex, assembled)
		logx.Info("session %s: piece %d verified and saved", addr, pieceIndex)
		return Outcome{}, false
	}
}

// watchCancellation closes the connection as soon as ctx is cancelled,
// unblocking any pending read so messageLoop can observe the
// cancellation and return within the bounded time spec.md §5 requires.
func (s *Session) watchCancellation(ctx context.Context) {
	<-ctx.Done()
	if s.conn != nil {
		s.conn.Close()
	}
}

// closeAndRelease closes the connection and returns every piece this
// session still holds back to the inventory's unassigned pool.
func (s *Session) closeAndRelease(addr string) {
	if s.conn != nil {
		s.conn.Close()
	}
	held := len(s.claims)
	for idx := range s.claims {
		s.inv.Release(idx)
	}
	logx.Info("session %s: closed, released %d claimed pieces", addr, held)
}
