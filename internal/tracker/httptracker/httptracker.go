// Package httptracker implements the HTTP(S) tracker announce protocol.
package httptracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jwodder/demagnetize/internal/logger"
	"github.com/jwodder/demagnetize/internal/tracker"
	"github.com/zeebo/bencode"
)

const maxResponseLength = 1 << 20

// HTTPTracker announces over HTTP or HTTPS.
type HTTPTracker struct {
	rawURL    string
	url       *url.URL
	client    *http.Client
	userAgent string
	log       logger.Logger
}

// New returns a tracker client for an http:// or https:// announce URL.
func New(u *url.URL, client *http.Client, userAgent string) *HTTPTracker {
	return &HTTPTracker{
		rawURL:    u.String(),
		url:       u,
		client:    client,
		userAgent: userAgent,
		log:       logger.New("http tracker " + u.Host),
	}
}

// URL implements the tracker.Tracker interface.
func (t *HTTPTracker) URL() string { return t.rawURL }

type announceResponse struct {
	FailureReason  string             `bencode:"failure reason"`
	WarningMessage string             `bencode:"warning message"`
	Interval       int32              `bencode:"interval"`
	Complete       int32              `bencode:"complete"`
	Incomplete     int32              `bencode:"incomplete"`
	Peers          bencode.RawMessage `bencode:"peers"`
	Peers6         bencode.RawMessage `bencode:"peers6"`
}

type peerEntry struct {
	IP   string `bencode:"ip"`
	Port uint16 `bencode:"port"`
}

// Announce implements the tracker.Tracker interface.
func (t *HTTPTracker) Announce(ctx context.Context, tor tracker.Torrent) (*tracker.AnnounceResponse, error) {
	u := *t.url
	q := u.Query()
	// info_hash and peer_id are percent-encoded raw bytes, which is what
	// url.Values produces for arbitrary byte strings.
	q.Set("info_hash", string(tor.InfoHash[:]))
	q.Set("peer_id", string(tor.PeerID[:]))
	q.Set("port", strconv.Itoa(tor.Port))
	q.Set("uploaded", strconv.FormatInt(tor.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(tor.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(tor.BytesLeft, 10))
	q.Set("compact", "1")
	q.Set("event", "started")
	q.Set("numwant", strconv.Itoa(tor.NumWant))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorNetwork, err)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorBadResponse,
			fmt.Errorf("announce returned status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLength))
	if err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorNetwork, err)
	}

	var ar announceResponse
	if err = bencode.DecodeBytes(body, &ar); err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorBadResponse, err)
	}
	// An announce-level rejection is a failure even at HTTP 200.
	if ar.FailureReason != "" {
		return nil, tracker.NewFailure(t.rawURL, ar.FailureReason)
	}
	if ar.WarningMessage != "" {
		t.log.Warningln("announce warning:", ar.WarningMessage)
	}

	peers, err := t.parsePeers(ar.Peers)
	if err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorBadResponse, err)
	}
	peers6, err := t.parsePeers6(ar.Peers6)
	if err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorBadResponse, err)
	}

	return &tracker.AnnounceResponse{
		Interval: intervalDuration(ar.Interval),
		Leechers: ar.Incomplete,
		Seeders:  ar.Complete,
		Peers:    append(peers, peers6...),
	}, nil
}

// parsePeers accepts both the compact byte-string form and the list-of-dicts
// form of the peers value.
func (t *HTTPTracker) parsePeers(raw bencode.RawMessage) ([]*net.TCPAddr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var compact []byte
	if err := bencode.DecodeBytes(raw, &compact); err == nil {
		return tracker.DecodePeersCompact(compact)
	}
	var entries []peerEntry
	if err := bencode.DecodeBytes(raw, &entries); err != nil {
		return nil, fmt.Errorf("invalid peers value: %s", err)
	}
	var addrs []*net.TCPAddr
	for _, e := range entries {
		ip := net.ParseIP(e.IP)
		if ip == nil {
			t.log.Debugln("skipping peer with unparseable ip:", e.IP)
			continue
		}
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(e.Port)})
	}
	return addrs, nil
}

func (t *HTTPTracker) parsePeers6(raw bencode.RawMessage) ([]*net.TCPAddr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var compact []byte
	if err := bencode.DecodeBytes(raw, &compact); err == nil {
		return tracker.DecodePeers6Compact(compact)
	}
	var entries []peerEntry
	if err := bencode.DecodeBytes(raw, &entries); err != nil {
		return nil, fmt.Errorf("invalid peers6 value: %s", err)
	}
	var addrs []*net.TCPAddr
	for _, e := range entries {
		ip := net.ParseIP(e.IP)
		if ip == nil {
			continue
		}
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(e.Port)})
	}
	return addrs, nil
}

func intervalDuration(seconds int32) time.Duration {
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}
