package piecestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/lvbealr/leech/internal/metainfo"
)

func newTestMetainfo(pieceLength int64, totalLength int64, files []metainfo.File) *metainfo.Metainfo {
	numPieces := int((totalLength + pieceLength - 1) / pieceLength)
	hashes := make([][20]byte, numPieces)
	return &metainfo.Metainfo{
		PieceLength: pieceLength,
		PieceHashes: hashes,
		TotalLength: totalLength,
		Files:       files,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	data := []byte("hello piece data")
	if err := s.Save(0, data); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, err := s.Load(0, int64(len(data)))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Load = %q, want %q", got, data)
	}
}

func TestLoadRejectsSizeMismatch(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if err := s.Save(0, []byte("short")); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if _, err := s.Load(0, 100); err == nil {
		t.Fatalf("expected error for piece size mismatch")
	}
}

func TestInventoryOnDiskFindsSavedPieces(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	m := newTestMetainfo(4, 8, nil)

	if err := s.Save(0, []byte("aaaa")); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := s.Save(1, []byte("bbbb")); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	onDisk, err := s.InventoryOnDisk(m)
	if err != nil {
		t.Fatalf("InventoryOnDisk error: %v", err)
	}
	if len(onDisk) != 2 {
		t.Fatalf("InventoryOnDisk = %v, want 2 entries", onDisk)
	}
	if _, ok := onDisk[0]; !ok {
		t.Fatalf("expected piece 0 present")
	}
	if _, ok := onDisk[1]; !ok {
		t.Fatalf("expected piece 1 present")
	}
}

func TestInventoryOnDiskIgnoresWrongSizedFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	m := newTestMetainfo(4, 8, nil)

	if err := s.Save(0, []byte("too-long-for-4-bytes")); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	onDisk, err := s.InventoryOnDisk(m)
	if err != nil {
		t.Fatalf("InventoryOnDisk error: %v", err)
	}
	if _, ok := onDisk[0]; ok {
		t.Fatalf("expected piece 0 to be excluded as size mismatch")
	}
}

func TestReassembleSingleFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	content := []byte("0123456789abcdef") // 16 bytes, two 8-byte pieces
	m := newTestMetainfo(8, int64(len(content)), []metainfo.File{
		{Path: "out.bin", Length: int64(len(content)), Offset: 0},
	})

	if err := s.Save(0, content[0:8]); err != nil {
		t.Fatalf("Save piece 0: %v", err)
	}
	if err := s.Save(1, content[8:16]); err != nil {
		t.Fatalf("Save piece 1: %v", err)
	}

	outDir := t.TempDir()
	if err := s.Reassemble(outDir, m); err != nil {
		t.Fatalf("Reassemble error: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(outDir, "out.bin"))
	if err != nil {
		t.Fatalf("reading reassembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("reassembled = %q, want %q", got, content)
	}
}

func TestReassembleMultiFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	content := []byte("AAAABBBBCCCCDDDD") // 16 bytes, two 8-byte pieces
	files := []metainfo.File{
		{Path: "first.bin", Length: 6, Offset: 0},
		{Path: filepath.Join("sub", "second.bin"), Length: 10, Offset: 6},
	}
	m := newTestMetainfo(8, int64(len(content)), files)

	if err := s.Save(0, content[0:8]); err != nil {
		t.Fatalf("Save piece 0: %v", err)
	}
	if err := s.Save(1, content[8:16]); err != nil {
		t.Fatalf("Save piece 1: %v", err)
	}

	outDir := t.TempDir()
	if err := s.Reassemble(outDir, m); err != nil {
		t.Fatalf("Reassemble error: %v", err)
	}

	first, err := os.ReadFile(filepath.Join(outDir, "first.bin"))
	if err != nil {
		t.Fatalf("reading first.bin: %v", err)
	}
	if !bytes.Equal(first, content[0:6]) {
		t.Fatalf("first.bin = %q, want %q", first, content[0:6])
	}

	second, err := os.ReadFile(filepath.Join(outDir, "sub", "second.bin"))
	if err != nil {
		t.Fatalf("reading sub/second.bin: %v", err)
	}
	if !bytes.Equal(second, content[6:16]) {
		t.Fatalf("second.bin = %q, want %q", second, content[6:16])
	}
}

func TestReassembleMissingPieceFails(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	m := newTestMetainfo(8, 16, []metainfo.File{{Path: "out.bin", Length: 16, Offset: 0}})

	if err := s.Reassemble(t.TempDir(), m); err == nil {
		t.Fatalf("expected error when pieces are missing")
	}
}
