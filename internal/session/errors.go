package session

import "fmt"

func errOversizedBlock(pieceIndex, offset, length int, pieceLen int64) error {
	return fmt.Errorf("session: block piece=%d offset=%d len=%d exceeds piece length %d", pieceIndex, offset, length, pieceLen)
}

func errCorruption(pieceIndex int) error {
	return fmt.Errorf("session: piece %d failed verification three times in a row", pieceIndex)
}
