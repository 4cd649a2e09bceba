// Package tracker is the HTTP tracker client: peer discovery, outside the
// core peer-session engine per spec.md §1/§6. It is adapted from the
// teacher's SendHTTPTrackerRequest/ParsePeers in tracker.go/utils.go,
// trimmed to the HTTP, compact-peer-list case (the teacher's UDP tracker
// support is dropped — see DESIGN.md).
package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/lvbealr/leech/internal/logx"
	"github.com/lvbealr/leech/internal/metainfo"
)

// Peer is one tracker-advertised peer endpoint. Address family is
// inferred from whether IP contains ':' (IPv6) or not (IPv4), per
// spec.md §6; the tracker client itself only ever produces IPv4
// addresses from the compact peer list, but the field is a plain string
// so a caller feeding in hand-built peers is not restricted to IPv4.
type Peer struct {
	IP   string
	Port uint16
}

// Addr renders the peer as a dialable "host:port" string.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP, fmt.Sprintf("%d", p.Port))
}

type response struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

const connectTimeout = 15 * time.Second

// Announce contacts the tracker named in m.Announce and returns the peer
// list it advertises along with its suggested reannounce interval.
func Announce(m *metainfo.Metainfo, selfPeerID [20]byte, listenPort uint16) ([]Peer, int, error) {
	if m.Announce == "" {
		return nil, 0, fmt.Errorf("tracker: torrent has no announce URL")
	}

	u, err := url.Parse(m.Announce)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: parsing announce URL: %w", err)
	}

	q := url.Values{}
	q.Set("info_hash", string(m.InfoHash[:]))
	q.Set("peer_id", string(selfPeerID[:]))
	q.Set("port", fmt.Sprintf("%d", listenPort))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", fmt.Sprintf("%d", m.TotalLength))
	q.Set("compact", "1")
	q.Set("event", "started")
	u.RawQuery = q.Encode()

	client := &http.Client{Timeout: connectTimeout}

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: building request: %w", err)
	}
	req.Header.Set("User-Agent", "leech/1.0")

	logx.Info("tracker: announcing to %s", u.Host)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("tracker: unexpected status %d", resp.StatusCode)
	}

	var tr response
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, 0, fmt.Errorf("tracker: decoding response: %w", err)
	}

	if tr.Failure != "" {
		return nil, 0, fmt.Errorf("tracker: failure reason: %s", tr.Failure)
	}

	peers, err := decompactPeers(tr.Peers)
	if err != nil {
		return nil, 0, err
	}

	logx.Info("tracker: received %d peers, interval=%ds", len(peers), tr.Interval)

	return peers, tr.Interval, nil
}

// decompactPeers expands the tracker's compact peer-list encoding: 6
// bytes per peer, 4 for the IPv4 address followed by 2 for the port.
func decompactPeers(raw string) ([]Peer, error) {
	b := []byte(raw)
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("tracker: invalid compact peers length %d", len(b))
	}

	peers := make([]Peer, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3]).String()
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}

	return peers, nil
}
