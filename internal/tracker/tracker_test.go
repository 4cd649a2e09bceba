package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackpal/bencode-go"

	"github.com/lvbealr/leech/internal/metainfo"
)

func testMetainfo(announce string) *metainfo.Metainfo {
	return &metainfo.Metainfo{
		Announce:    announce,
		InfoHash:    [20]byte{1, 2, 3},
		TotalLength: 1024,
	}
}

func TestAnnounceDecodesCompactPeerList(t *testing.T) {
	compact := []byte{
		127, 0, 0, 1, 0x1A, 0xE1, // 127.0.0.1:6881
		192, 168, 1, 2, 0x1A, 0xE2, // 192.168.1.2:6882
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("compact"); got != "1" {
			t.Errorf("compact param = %q, want 1", got)
		}
		bencode.Marshal(w, response{
			Interval: 1800,
			Peers:    string(compact),
		})
	}))
	defer srv.Close()

	peers, interval, err := Announce(testMetainfo(srv.URL), [20]byte{7}, 6881)
	if err != nil {
		t.Fatalf("Announce error: %v", err)
	}
	if interval != 1800 {
		t.Fatalf("interval = %d, want 1800", interval)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %v, want 2 entries", peers)
	}
	if peers[0].IP != "127.0.0.1" || peers[0].Port != 0x1AE1 {
		t.Fatalf("peers[0] = %+v, want 127.0.0.1:6881", peers[0])
	}
	if peers[0].Addr() != "127.0.0.1:6881" {
		t.Fatalf("Addr() = %q, want 127.0.0.1:6881", peers[0].Addr())
	}
}

func TestAnnounceReturnsErrorOnFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, response{Failure: "torrent not registered"})
	}))
	defer srv.Close()

	_, _, err := Announce(testMetainfo(srv.URL), [20]byte{7}, 6881)
	if err == nil {
		t.Fatalf("expected error for failure reason response")
	}
}

func TestAnnounceRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, _, err := Announce(testMetainfo(srv.URL), [20]byte{7}, 6881)
	if err == nil {
		t.Fatalf("expected error for non-200 status")
	}
}

func TestAnnounceRequiresAnnounceURL(t *testing.T) {
	_, _, err := Announce(testMetainfo(""), [20]byte{7}, 6881)
	if err == nil {
		t.Fatalf("expected error when torrent has no announce URL")
	}
}

func TestDecompactPeersRejectsPartialEntry(t *testing.T) {
	if _, err := decompactPeers("12345"); err == nil {
		t.Fatalf("expected error for length not a multiple of 6")
	}
}
