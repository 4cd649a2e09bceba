// Package supervisor opens peer sessions in parallel batches, retires
// the ones that fail, tries further batches from the peer list, and
// waits for the shared inventory to complete before reassembling the
// output files.
//
// Grounded on the teacher's ConnectToPeers/StartDownload goroutine
// fan-out in p2p.go (semaphore-bounded sync.WaitGroup), reshaped per
// spec.md §4.6 into explicit batches with a probe window instead of
// firing every peer at once.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lvbealr/leech/internal/inventory"
	"github.com/lvbealr/leech/internal/logx"
	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/piecestore"
	"github.com/lvbealr/leech/internal/session"
	"github.com/lvbealr/leech/internal/tracker"
)

// ErrNoPeersSucceeded is returned when every peer across every batch
// retired before any piece completed.
var ErrNoPeersSucceeded = errors.New("supervisor: no peer succeeded")

// ErrIncomplete is returned when all live sessions terminated (peers
// disconnected) before the inventory reached its target.
var ErrIncomplete = errors.New("supervisor: download incomplete, no more peers to try")

// Config collects the batching tunables of spec.md §4.6.
type Config struct {
	BatchSize     int
	MaxBatches    int
	ProbeWindow   time.Duration
	SessionConfig session.Config
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig() Config {
	return Config{
		BatchSize:     3,
		MaxBatches:    3,
		ProbeWindow:   10 * time.Second,
		SessionConfig: session.DefaultConfig(),
	}
}

// ProgressSink receives the structured progress events spec.md §6 names:
// piece-completed, session-opened, session-failed. A nil sink is valid;
// every method is guarded against it.
type ProgressSink interface {
	PieceCompleted(index, total int)
	SessionOpened(addr string)
	SessionFailed(addr string, reason session.FailReason, err error)
}

type event struct {
	addr    string
	outcome session.Outcome
}

func isFatal(o session.Outcome) bool {
	return o.State == session.Failed && (o.FailReason == session.CorruptionSuspected || o.FailReason == session.StoreError)
}

// Run is the supervisor's contract: it seeds the inventory from whatever
// the store already has on disk, fans peers out in batches, and either
// reassembles outputDir on success or returns ErrNoPeersSucceeded /
// ErrIncomplete / a fatal error.
func Run(ctx context.Context, cfg Config, peers []tracker.Peer, infoHash, selfPeerID [20]byte, m *metainfo.Metainfo, store *piecestore.Store, outputDir string, sink ProgressSink) error {
	inv := inventory.New(m.NumPieces())
	target := m.NumPieces()

	onDisk, err := store.InventoryOnDisk(m)
	if err != nil {
		logx.Fail("supervisor: scanning existing pieces: %v", err)
	} else {
		inv.SeedCompleted(onDisk)
		logx.Info("supervisor: seeded %d/%d pieces already on disk", len(onDisk), target)
	}

	inv.OnPieceComplete = func(index int, _ []byte) {
		notifyPieceCompleted(sink, index, target)
	}

	if inv.IsDone(target) {
		logx.Info("supervisor: all pieces already present, skipping peers")
		return store.Reassemble(outputDir, m)
	}

	runID := uuid.New().String()
	logx.Info("supervisor: run %s starting, %d peers known, target %d pieces", runID, len(peers), target)

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	eventCh := make(chan event, cfg.BatchSize*cfg.MaxBatches+1)

	// dialSem bounds how many sessions may be dialing or running at once to
	// cfg.BatchSize, the idiomatic equivalent of the teacher's
	// sem := make(chan struct{}, n) in ConnectToPeers.
	dialSem := semaphore.NewWeighted(int64(cfg.BatchSize))

	totalLaunched := 0
	terminated := 0
	liveFound := false
	var fatalErr error

	launch := func(p tracker.Peer) {
		addr := p.Addr()
		sess := session.New(cfg.SessionConfig, m, inv, store)
		if err := dialSem.Acquire(runCtx, 1); err != nil {
			logx.Info("supervisor: run %s: not launching %s, run already cancelled", runID, addr)
			return
		}
		notifySessionOpened(sink, addr)
		totalLaunched++
		go func() {
			defer dialSem.Release(1)
			outcome := sess.Run(runCtx, addr, infoHash, selfPeerID, target)
			eventCh <- event{addr: addr, outcome: outcome}
		}()
	}

	handle := func(ev event) {
		if isFatal(ev.outcome) {
			fatalErr = ev.outcome.Err
			return
		}
		if ev.outcome.State == session.Done {
			liveFound = true
			return
		}
		if ev.outcome.State == session.Failed {
			notifySessionFailed(sink, ev.addr, ev.outcome.FailReason, ev.outcome.Err)
		}
	}

	peerIdx := 0
batches:
	for batchNum := 0; batchNum < cfg.MaxBatches; batchNum++ {
		if peerIdx >= len(peers) {
			break
		}

		end := peerIdx + cfg.BatchSize
		if end > len(peers) {
			end = len(peers)
		}
		batch := peers[peerIdx:end]
		peerIdx = end

		for _, p := range batch {
			launch(p)
		}

		batchLive := classifyBatch(eventCh, handle, &terminated, len(batch), cfg.ProbeWindow)

		if fatalErr != nil {
			break batches
		}
		if batchLive {
			liveFound = true
			break batches
		}
	}

	if fatalErr == nil && !liveFound {
		drain(eventCh, &terminated, totalLaunched, handle)
		return ErrNoPeersSucceeded
	}

	if fatalErr == nil {
		fatalErr = waitForCompletionOrDrain(runCtx, cancelAll, eventCh, &terminated, totalLaunched, inv, target, handle)
	}

	if fatalErr != nil {
		cancelAll()
		drain(eventCh, &terminated, totalLaunched, handle)
		return fatalErr
	}

	if !inv.IsDone(target) {
		return ErrIncomplete
	}

	logx.Info("supervisor: all %d pieces complete, reassembling", target)
	return store.Reassemble(outputDir, m)
}

// classifyBatch consumes events for one batch until either every session
// in it has terminated or the probe window elapses, per spec.md §4.6:
// a session still running at the deadline counts as live, same as one
// that already completed successfully.
func classifyBatch(eventCh <-chan event, handle func(event), terminated *int, batchSize int, probeWindow time.Duration) (live bool) {
	timer := time.NewTimer(probeWindow)
	defer timer.Stop()

	batchTerminated := 0

	for {
		select {
		case ev := <-eventCh:
			handle(ev)
			*terminated++
			batchTerminated++
			if ev.outcome.State == session.Done {
				live = true
			}
			if isFatal(ev.outcome) {
				return live
			}
			if batchTerminated == batchSize {
				return live
			}
		case <-timer.C:
			if batchTerminated < batchSize {
				live = true
			}
			return live
		}
	}
}

// waitForCompletionOrDrain waits for every launched session to finish,
// cancelling the remainder as soon as the inventory reaches its target
// so peers still connected to uninteresting pieces tear down promptly.
func waitForCompletionOrDrain(ctx context.Context, cancelAll context.CancelFunc, eventCh <-chan event, terminated *int, totalLaunched int, inv *inventory.Inventory, target int, handle func(event)) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for *terminated < totalLaunched {
		if inv.IsDone(target) {
			cancelAll()
		}

		select {
		case ev := <-eventCh:
			handle(ev)
			*terminated++
			if isFatal(ev.outcome) {
				return ev.outcome.Err
			}
		case <-ticker.C:
		}
	}

	return nil
}

func drain(eventCh <-chan event, terminated *int, totalLaunched int, handle func(event)) {
	for *terminated < totalLaunched {
		ev := <-eventCh
		handle(ev)
		*terminated++
	}
}

func notifyPieceCompleted(sink ProgressSink, index, total int) {
	if sink != nil {
		sink.PieceCompleted(index, total)
	}
}

func notifySessionOpened(sink ProgressSink, addr string) {
	if sink != nil {
		sink.SessionOpened(addr)
	}
}

func notifySessionFailed(sink ProgressSink, addr string, reason session.FailReason, err error) {
	if sink != nil {
		sink.SessionFailed(addr, reason, err)
	}
}
