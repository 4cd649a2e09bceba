// Package inventory is the single piece of shared mutable state in this
// client: the set of completed pieces, the set of pieces currently being
// assembled, and each in-flight piece's block map. Every peer session
// reads and mutates it through the serialised operations below; no
// session ever talks to another session directly (spec.md §4.4, §9).
//
// Grounded on the teacher's Torrent.DownloadMutex guarding Torrent.Downloaded
// in p2p.go, generalised from a flat bool slice into the fuller
// claim/assemble/commit lifecycle spec.md §4.4 requires.
package inventory

import "sync"

// Block is one stored (offset, data) pair of an in-flight piece.
type Block struct {
	Offset int
	Data   []byte
}

// Assembly is the per-piece block map of an in-flight piece: which
// byte ranges have arrived, and which offsets are currently requested
// but unfilled.
type Assembly struct {
	blocks    map[int][]byte
	requested map[int]struct{}
}

func newAssembly() *Assembly {
	return &Assembly{
		blocks:    make(map[int][]byte),
		requested: make(map[int]struct{}),
	}
}

// Blocks returns a snapshot of the stored blocks, in no particular order.
func (a *Assembly) Blocks() []Block {
	out := make([]Block, 0, len(a.blocks))
	for offset, data := range a.blocks {
		out = append(out, Block{Offset: offset, Data: data})
	}
	return out
}

// ReceivedLen returns the total number of bytes currently stored.
func (a *Assembly) ReceivedLen() int64 {
	var total int64
	for _, b := range a.blocks {
		total += int64(len(b))
	}
	return total
}

// DepositOutcome is the result of DepositBlock.
type DepositOutcome int

const (
	// Accepted means the block was new and is now recorded.
	Accepted DepositOutcome = iota
	// Duplicate means this offset was already recorded; the new bytes
	// were discarded.
	Duplicate
	// Stale means piece_index is no longer in_flight (already completed
	// by another session); the block was silently dropped.
	Stale
)

// Inventory is the process-wide record described in spec.md §3/§4.4:
// completed pieces, in-flight pieces, and each in-flight piece's block
// map. Every mutating method is serialised by mu.
type Inventory struct {
	mu sync.Mutex

	numPieces  int
	completed  map[int]struct{}
	inFlight   map[int]struct{}
	assemblies map[int]*Assembly

	// mismatchStreak counts consecutive hash mismatches per piece index,
	// across all sessions, for the CorruptionSuspected fatal condition
	// (spec.md §7: three consecutive mismatches on the same piece).
	mismatchStreak map[int]int

	// OnPieceComplete, if set, is invoked synchronously inside
	// CommitComplete with the piece index and its verified bytes, letting
	// callers (the session supervisor's progress sink) observe
	// completions without polling the inventory.
	OnPieceComplete func(index int, data []byte)
}

// New returns an empty inventory sized for numPieces.
func New(numPieces int) *Inventory {
	return &Inventory{
		numPieces:      numPieces,
		completed:      make(map[int]struct{}),
		inFlight:       make(map[int]struct{}),
		assemblies:     make(map[int]*Assembly),
		mismatchStreak: make(map[int]int),
	}
}

// SeedCompleted marks indices as already completed, used by the
// supervisor to seed from pieces already found on disk (spec.md §4.6).
func (inv *Inventory) SeedCompleted(indices map[int]struct{}) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for i := range indices {
		inv.completed[i] = struct{}{}
	}
}

// ClaimNext returns up to maxClaims piece indices, in ascending order,
// for which hasPiece reports true and that are neither completed nor
// already in flight. Each returned index is atomically moved into
// in_flight with a freshly allocated assembly.
func (inv *Inventory) ClaimNext(hasPiece func(index int) bool, maxClaims int) []int {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	var claimed []int
	for i := 0; i < inv.numPieces && len(claimed) < maxClaims; i++ {
		if _, done := inv.completed[i]; done {
			continue
		}
		if _, flight := inv.inFlight[i]; flight {
			continue
		}
		if !hasPiece(i) {
			continue
		}

		inv.inFlight[i] = struct{}{}
		inv.assemblies[i] = newAssembly()
		claimed = append(claimed, i)
	}

	return claimed
}

// DepositBlock records bytes received for (pieceIndex, offset).
func (inv *Inventory) DepositBlock(pieceIndex, offset int, data []byte) DepositOutcome {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	asm, inFlight := inv.assemblies[pieceIndex]
	if !inFlight {
		return Stale
	}

	if _, dup := asm.blocks[offset]; dup {
		return Duplicate
	}

	asm.blocks[offset] = data
	delete(asm.requested, offset)
	return Accepted
}

// Snapshot returns a copy of the blocks stored for pieceIndex, suitable
// for handing to the verifier without holding the inventory lock across
// the SHA-1 computation. ok is false if the piece is not in flight.
func (inv *Inventory) Snapshot(pieceIndex int) (blocks []Block, ok bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	asm, inFlight := inv.assemblies[pieceIndex]
	if !inFlight {
		return nil, false
	}

	return asm.Blocks(), true
}

// IsAssemblyComplete reports whether pieceIndex's assembly forms a
// contiguous, zero-gap cover of at least pieceLength bytes.
func (inv *Inventory) IsAssemblyComplete(pieceIndex int, pieceLength int64) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	asm, ok := inv.assemblies[pieceIndex]
	if !ok {
		return false
	}

	var covered int64
	for covered < pieceLength {
		data, found := asm.blocks[int(covered)]
		if !found || len(data) == 0 {
			return false
		}
		covered += int64(len(data))
	}
	return true
}

// CommitComplete moves pieceIndex from in_flight to completed, frees its
// assembly, and invokes OnPieceComplete if set. pieceBytes is the
// verified content handed to any registered completion observer; the
// inventory itself does not persist it (the piece store does that).
func (inv *Inventory) CommitComplete(pieceIndex int, pieceBytes []byte) {
	inv.mu.Lock()
	delete(inv.inFlight, pieceIndex)
	delete(inv.assemblies, pieceIndex)
	delete(inv.mismatchStreak, pieceIndex)
	inv.completed[pieceIndex] = struct{}{}
	cb := inv.OnPieceComplete
	inv.mu.Unlock()

	if cb != nil {
		cb(pieceIndex, pieceBytes)
	}
}

// Release returns pieceIndex to the unassigned pool: removes it from
// in_flight and drops its assembly. Used when a session owning the
// piece dies, or a hash check fails.
func (inv *Inventory) Release(pieceIndex int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	delete(inv.inFlight, pieceIndex)
	delete(inv.assemblies, pieceIndex)
}

// MarkRequested records that offset of pieceIndex has an outstanding
// REQUEST, to avoid issuing a duplicate one.
func (inv *Inventory) MarkRequested(pieceIndex, offset int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if asm, ok := inv.assemblies[pieceIndex]; ok {
		asm.requested[offset] = struct{}{}
	}
}

// UnmarkRequested clears a previously marked outstanding request.
func (inv *Inventory) UnmarkRequested(pieceIndex, offset int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if asm, ok := inv.assemblies[pieceIndex]; ok {
		delete(asm.requested, offset)
	}
}

// IsRequested reports whether offset of pieceIndex currently has an
// outstanding request.
func (inv *Inventory) IsRequested(pieceIndex, offset int) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	asm, ok := inv.assemblies[pieceIndex]
	if !ok {
		return false
	}
	_, requested := asm.requested[offset]
	return requested
}

// CompletedCount returns the number of pieces currently marked complete.
func (inv *Inventory) CompletedCount() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	return len(inv.completed)
}

// IsDone reports whether the completed set has reached target pieces.
func (inv *Inventory) IsDone(target int) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	return len(inv.completed) >= target
}

// RecordHashMismatch bumps the consecutive-mismatch counter for
// pieceIndex and returns the new streak length, for the supervisor's
// CorruptionSuspected check (three consecutive mismatches on the same
// piece across all sessions, spec.md §7).
func (inv *Inventory) RecordHashMismatch(pieceIndex int) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.mismatchStreak[pieceIndex]++
	return inv.mismatchStreak[pieceIndex]
}
