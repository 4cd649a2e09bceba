// Package peerid mints the client's own 20-byte peer identifier.
//
// The layout follows the Azureus convention the teacher's GeneratePeerID
// already used ("-GT0001-" plus sixteen random characters): an 8-byte
// client/version prefix followed by twelve random hex characters. Rather than
// hand-rolling the random tail from crypto/rand one character at a time,
// the tail is taken from a google/uuid v4, which is already the teacher's
// chosen source of random identifiers elsewhere in the stack.
package peerid

import (
	"fmt"

	"github.com/google/uuid"
)

// Length is the fixed size of a peer-id, per the BitTorrent wire protocol.
const Length = 20

const prefix = "-LC0001-"

// Generate returns a new random self peer-id of exactly Length bytes.
func Generate() ([Length]byte, error) {
	var id [Length]byte

	tail := uuid.New()
	raw := tail.String()

	n := copy(id[:], prefix)
	for i := 0; n < Length; i++ {
		if i >= len(raw) {
			return id, fmt.Errorf("peerid: uuid too short to fill tail")
		}
		c := raw[i]
		if c == '-' {
			continue
		}
		id[n] = c
		n++
	}

	return id, nil
}

// String renders a peer-id for logging, escaping any non-printable bytes
// remote peers are free to send in their own id.
func String(id [Length]byte) string {
	return fmt.Sprintf("%q", id[:])
}
