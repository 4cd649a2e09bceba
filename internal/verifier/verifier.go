// Package verifier assembles a piece from its blocks, checks the blocks
// form a contiguous zero-gap cover, and compares the concatenated bytes'
// SHA-1 against the piece's expected digest.
//
// Grounded on the teacher's inline hash check in DownloadFromPeer
// (p2p.go: `hash := sha1.Sum(data); bytes.Equal(...)`), split out as its
// own component per spec.md §4.3 so it can run against constructed
// fixtures without a network.
package verifier

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sort"

	"github.com/lvbealr/leech/internal/inventory"
)

// Result is the outcome of a verification attempt.
type Result int

const (
	// Incomplete means the assembly does not yet cover the full piece
	// length, or its blocks are not a contiguous, non-overlapping cover.
	Incomplete Result = iota
	// HashMismatch means the assembled bytes' SHA-1 does not match the
	// expected digest.
	HashMismatch
	// OK means verification succeeded; the returned byte slice holds the
	// assembled piece.
	OK
)

// VerifyAndCommit assembles blocks in offset order, checks they form an
// exact zero-gap, zero-overlap cover of pieceLength bytes, and compares
// their SHA-1 against expectedDigest. blocks is typically obtained from
// Inventory.Snapshot.
func VerifyAndCommit(blocks []inventory.Block, expectedDigest [20]byte, pieceLength int64) (Result, []byte, error) {
	var total int64
	for _, b := range blocks {
		total += int64(len(b.Data))
	}
	if total < pieceLength {
		return Incomplete, nil, nil
	}
	if total > pieceLength {
		return Incomplete, nil, fmt.Errorf("verifier: assembly holds %d bytes, exceeds piece length %d", total, pieceLength)
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Offset < blocks[j].Offset })

	assembled := make([]byte, 0, pieceLength)
	for _, b := range blocks {
		if int64(b.Offset) != int64(len(assembled)) {
			return Incomplete, nil, fmt.Errorf("verifier: gap or overlap at offset %d, expected %d", b.Offset, len(assembled))
		}
		assembled = append(assembled, b.Data...)
	}

	digest := sha1.Sum(assembled)
	if !bytes.Equal(digest[:], expectedDigest[:]) {
		return HashMismatch, nil, nil
	}

	return OK, assembled, nil
}
