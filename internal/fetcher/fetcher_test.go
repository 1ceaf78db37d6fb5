package fetcher

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	strict "github.com/jwodder/demagnetize/internal/bencode"
	"github.com/jwodder/demagnetize/internal/peerprotocol"
	"github.com/jwodder/demagnetize/internal/peersession"
	"github.com/jwodder/demagnetize/internal/tracker"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPeerID = [20]byte{'-', 'D', 'M', '0', '0', '0', '1', '-', 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}

func testConfig() Config {
	return Config{
		FetchTimeout:    10 * time.Second,
		MaxAnnounces:    20,
		MaxPeerSessions: 30,
		Port:            6881,
		NumWant:         50,
		Session: peersession.Config{
			ConnectTimeout:     time.Second,
			HandshakeTimeout:   time.Second,
			ReadTimeout:        2 * time.Second,
			SessionTimeout:     5 * time.Second,
			RequestQueueLength: 5,
			MaxMetadataSize:    100 << 20,
			MaxMessageLength:   2 << 20,
			ClientVersion:      "demagnetize test",
		},
	}
}

// stubTracker is an in-process tracker.Tracker.
type stubTracker struct {
	url       string
	peers     []*net.TCPAddr
	err       error
	delay     time.Duration
	announces int32
}

func (s *stubTracker) URL() string { return s.url }

func (s *stubTracker) Announce(ctx context.Context, _ tracker.Torrent) (*tracker.AnnounceResponse, error) {
	atomic.AddInt32(&s.announces, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, tracker.NewError(s.url, tracker.ErrorTimeout, ctx.Err())
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &tracker.AnnounceResponse{Interval: time.Minute, Peers: s.peers}, nil
}

// fakePeer is a minimal in-process peer serving ut_metadata.
type fakePeer struct {
	listener   net.Listener
	serveBytes []byte
	// silent peers complete the handshakes but never answer metadata
	// requests.
	silent bool

	conns   int32
	closedC chan struct{}
}

func newFakePeer(t *testing.T, serveBytes []byte) *fakePeer {
	return startFakePeer(t, serveBytes, false)
}

func newSilentFakePeer(t *testing.T, serveBytes []byte) *fakePeer {
	return startFakePeer(t, serveBytes, true)
}

func startFakePeer(t *testing.T, serveBytes []byte, silent bool) *fakePeer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakePeer{
		listener:   l,
		serveBytes: serveBytes,
		silent:     silent,
		closedC:    make(chan struct{}, 8),
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&f.conns, 1)
			go f.serveConn(conn)
		}
	}()
	return f
}

func (f *fakePeer) addr() *net.TCPAddr { return f.listener.Addr().(*net.TCPAddr) }

func (f *fakePeer) connCount() int32 { return atomic.LoadInt32(&f.conns) }

func (f *fakePeer) serveConn(conn net.Conn) {
	defer func() { f.closedC <- struct{}{} }()
	defer conn.Close()

	var hs [68]byte
	if _, err := io.ReadFull(conn, hs[:]); err != nil {
		return
	}
	var reply [68]byte
	copy(reply[:], hs[:48])
	copy(reply[48:68], "-FP0001-abcdefghijkl")
	if _, err := conn.Write(reply[:]); err != nil {
		return
	}

	clientUtID := uint8(0)
	for {
		var length uint32
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			return
		}
		if length == 0 {
			continue
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		if peerprotocol.MessageID(buf[0]) != peerprotocol.Extension {
			continue
		}
		header, _, err := strict.DecodeSome(buf[2:])
		if err != nil {
			return
		}
		if buf[1] == peerprotocol.ExtensionIDHandshake {
			m, _ := header.Get("m")
			ut, _ := m.Get(peerprotocol.ExtensionKeyMetadata)
			id, _ := ut.Int64()
			clientUtID = uint8(id)
			payload := strict.Encode(strict.NewDict(map[string]strict.Value{
				"m": strict.NewDict(map[string]strict.Value{
					peerprotocol.ExtensionKeyMetadata: strict.NewInt(42),
				}),
				"metadata_size": strict.NewInt(int64(len(f.serveBytes))),
			}))
			f.writeExtended(conn, peerprotocol.ExtensionIDHandshake, payload, nil)
			continue
		}
		if buf[1] != 42 {
			continue
		}
		piece, err := intField(header, "piece")
		if err != nil {
			return
		}
		if f.silent {
			continue
		}
		begin := int(piece) * 16384
		end := begin + 16384
		if end > len(f.serveBytes) {
			end = len(f.serveBytes)
		}
		payload := strict.Encode(strict.NewDict(map[string]strict.Value{
			"msg_type":   strict.NewInt(int64(peerprotocol.ExtensionMetadataMessageTypeData)),
			"piece":      strict.NewInt(piece),
			"total_size": strict.NewInt(int64(len(f.serveBytes))),
		}))
		f.writeExtended(conn, clientUtID, payload, f.serveBytes[begin:end])
	}
}

func (f *fakePeer) writeExtended(conn net.Conn, extID uint8, payload, trailing []byte) {
	body := append([]byte{byte(peerprotocol.Extension), extID}, payload...)
	body = append(body, trailing...)
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	conn.Write(frame)
}

func intField(v strict.Value, key string) (int64, error) {
	item, _ := v.Get(key)
	return item.Int64()
}

func testInfoBytes(size int) []byte {
	b := make([]byte, size)
	rnd := rand.New(rand.NewSource(7))
	rnd.Read(b)
	return b
}

func newTestFetcher(infoHash [20]byte, trackers []tracker.Tracker, hints []*net.TCPAddr, cfg Config) (*Fetcher, *Metrics) {
	m := NewMetrics(gometrics.NewRegistry())
	return New(infoHash, testPeerID, "test", trackers, hints, cfg, m), m
}

func TestFetchSuccess(t *testing.T) {
	info := testInfoBytes(32 * 1024)
	peer := newFakePeer(t, info)
	trk := &stubTracker{url: "http://t/announce", peers: []*net.TCPAddr{peer.addr()}}

	f, m := newTestFetcher(sha1.Sum(info), []tracker.Tracker{trk}, nil, testConfig())
	got, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Equal(t, int64(1), m.FetchesSucceeded.Count())
}

func TestFetchFromPeerHint(t *testing.T) {
	info := testInfoBytes(5000)
	peer := newFakePeer(t, info)

	f, _ := newTestFetcher(sha1.Sum(info), nil, []*net.TCPAddr{peer.addr()}, testConfig())
	got, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestHashMismatchFails(t *testing.T) {
	info := testInfoBytes(5000)
	peer := newFakePeer(t, info)
	trk := &stubTracker{url: "http://t/announce", peers: []*net.TCPAddr{peer.addr()}}

	var wrongHash [20]byte
	wrongHash[0] = 0xee
	f, m := newTestFetcher(wrongHash, []tracker.Tracker{trk}, nil, testConfig())
	_, err := f.Run(context.Background())
	require.ErrorIs(t, err, ErrNoMetadata)
	assert.Equal(t, int64(1), m.HostilePeers.Count())
	assert.Equal(t, int64(1), m.FetchesFailed.Count())
}

func TestTrackerFailuresAreTolerated(t *testing.T) {
	info := testInfoBytes(20000)
	peer := newFakePeer(t, info)
	failing := &stubTracker{url: "http://t1/announce", err: tracker.NewFailure("http://t1/announce", "unregistered")}
	timingOut := &stubTracker{url: "udp://t2:6969", err: &tracker.Error{
		TrackerURL: "udp://t2:6969", Kind: tracker.ErrorTimeout,
	}}
	working := &stubTracker{url: "http://t3/announce", peers: []*net.TCPAddr{peer.addr()}}

	f, m := newTestFetcher(sha1.Sum(info),
		[]tracker.Tracker{failing, timingOut, working}, nil, testConfig())
	got, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Equal(t, int64(2), m.AnnounceErrors.Count())
}

func TestOverlappingPeerSetsDeduplicated(t *testing.T) {
	info := testInfoBytes(8000)
	peer := newFakePeer(t, info)
	t1 := &stubTracker{url: "http://t1/announce", peers: []*net.TCPAddr{peer.addr()}}
	t2 := &stubTracker{url: "http://t2/announce", peers: []*net.TCPAddr{peer.addr()}}

	f, m := newTestFetcher(sha1.Sum(info), []tracker.Tracker{t1, t2}, nil, testConfig())
	_, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.PeersTried.Count())
	assert.LessOrEqual(t, peer.connCount(), int32(1))
}

func TestFirstWinnerCancelsOthers(t *testing.T) {
	info := testInfoBytes(20000)
	slow := newSilentFakePeer(t, info)
	fast := newFakePeer(t, info)
	trk := &stubTracker{url: "http://t/announce", peers: []*net.TCPAddr{slow.addr(), fast.addr()}}

	f, _ := newTestFetcher(sha1.Sum(info), []tracker.Tracker{trk}, nil, testConfig())
	start := time.Now()
	got, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Less(t, time.Since(start), 3*time.Second)

	// The slow session observes cancellation promptly.
	select {
	case <-slow.closedC:
	case <-time.After(time.Second):
		t.Fatal("slow peer connection was not closed after the winner finished")
	}
}

func TestNoPeersFails(t *testing.T) {
	trk := &stubTracker{url: "http://t/announce"}
	f, _ := newTestFetcher([20]byte{1}, []tracker.Tracker{trk}, nil, testConfig())
	_, err := f.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoMetadata)
}

func TestFetchDeadline(t *testing.T) {
	trk := &stubTracker{url: "http://t/announce", delay: time.Minute}
	cfg := testConfig()
	cfg.FetchTimeout = 200 * time.Millisecond
	f, _ := newTestFetcher([20]byte{1}, []tracker.Tracker{trk}, nil, cfg)

	start := time.Now()
	_, err := f.Run(context.Background())
	require.ErrorIs(t, err, ErrNoMetadata)
	assert.Less(t, time.Since(start), 2*time.Second)
}
