// Package metainfo decodes a .torrent file: the bencoded metainfo
// descriptor, per spec.md §6. It is an external collaborator of the
// peer-session engine, not part of the core, but its shape is adapted
// from the teacher's torrent.go/parse.go so the rest of the client can
// consume it directly.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"

	"github.com/lvbealr/leech/internal/logx"
)

// FileEntry describes one file of a multi-file torrent.
type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencoded "info" dictionary fields this client
// understands. Fields present in richer torrents (private, md5sum, v2
// piece layers) are neither required nor consumed.
type rawInfo struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length"`
	Files       []FileEntry `bencode:"files"`
}

type rawTorrentFile struct {
	Announce string  `bencode:"announce"`
	Info     rawInfo `bencode:"info"`
}

// File is one output file with its byte offset within the logical
// concatenation of the torrent's content.
type File struct {
	Path   string
	Length int64
	Offset int64
}

// Metainfo is the parsed, ready-to-use form of a .torrent file.
type Metainfo struct {
	Announce    string
	Name        string
	InfoHash    [20]byte
	PieceLength int64
	PieceHashes [][20]byte
	TotalLength int64
	Files       []File
}

// NumPieces returns the number of pieces implied by the pieces hash table.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the length in bytes of piece index i, accounting for
// the shorter final piece.
func (m *Metainfo) PieceLen(index int) int64 {
	if index == len(m.PieceHashes)-1 {
		last := m.TotalLength - int64(index)*m.PieceLength
		if last > 0 {
			return last
		}
	}
	return m.PieceLength
}

// Load reads and parses a .torrent file at path.
func Load(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var raw rawTorrentFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding %q: %w", path, err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: locating info dict: %w", err)
	}
	infoHash := sha1.Sum(infoBytes)

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(raw.Info.Pieces))
	}

	n := len(raw.Info.Pieces) / 20
	hashes := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	m := &Metainfo{
		Announce:    raw.Announce,
		Name:        raw.Info.Name,
		InfoHash:    infoHash,
		PieceLength: raw.Info.PieceLength,
		PieceHashes: hashes,
	}

	if len(raw.Info.Files) == 0 {
		m.TotalLength = raw.Info.Length
		m.Files = []File{{Path: raw.Info.Name, Length: raw.Info.Length, Offset: 0}}
	} else {
		var offset int64
		for _, fe := range raw.Info.Files {
			path := raw.Info.Name
			for _, seg := range fe.Path {
				path = path + string(os.PathSeparator) + seg
			}
			m.Files = append(m.Files, File{Path: path, Length: fe.Length, Offset: offset})
			offset += fe.Length
		}
		m.TotalLength = offset
	}

	logx.Info("metainfo: parsed %q: infohash=%x pieces=%d total=%d", m.Name, m.InfoHash, n, m.TotalLength)

	return m, nil
}

// extractInfoBytes locates the raw bencoded bytes of the "info"
// dictionary so its SHA-1 can be computed independently of struct
// decoding, exactly as the original bencoded bytes must be hashed rather
// than a re-encoding of the parsed struct.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; {
		case b == 'd' || b == 'l':
			depth++
		case b == 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case b == 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at offset %d", i)
			}
			i = j
		case b >= '0' && b <= '9':
			j := i
			for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
			}
			if j < len(data) && data[j] == ':' {
				length, err := strconv.Atoi(string(data[i:j]))
				if err != nil {
					return nil, fmt.Errorf("invalid string length at offset %d-%d", i, j)
				}
				i = j + length
			}
		}
	}

	return nil, fmt.Errorf("unterminated info dictionary")
}
