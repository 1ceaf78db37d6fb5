// Package udptracker implements the UDP tracker protocol (BEP 15) with the
// BEP 41 URL-data extension.
package udptracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/jwodder/demagnetize/internal/logger"
	"github.com/jwodder/demagnetize/internal/tracker"
)

const (
	protocolID = 0x41727101980

	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3

	eventStarted = 2

	// Connection IDs are valid for one minute after the connect exchange.
	connectionIDInterval = 60 * time.Second

	maxPacketLength = 4096
)

// retryInterval is the base retransmit timeout. Attempt n waits
// retryInterval * 2^n. Variable so tests can shorten the schedule.
var retryInterval = 15 * time.Second

// Option types of the BEP 41 extension format.
const (
	optionEndOfOptions byte = 0x0
	optionNOP          byte = 0x1
	optionURLData      byte = 0x2
)

// UDPTracker announces over the BEP 15 UDP protocol.
type UDPTracker struct {
	rawURL      string
	url         *url.URL
	transport   *Transport
	maxAttempts int
	log         logger.Logger
}

// New returns a tracker client for a udp:// announce URL. The transport
// carries the connection-id cache shared between trackers on the same host.
func New(u *url.URL, transport *Transport, maxAttempts int) *UDPTracker {
	return &UDPTracker{
		rawURL:      u.String(),
		url:         u,
		transport:   transport,
		maxAttempts: maxAttempts,
		log:         logger.New("udp tracker " + u.Host),
	}
}

// URL implements the tracker.Tracker interface.
func (t *UDPTracker) URL() string { return t.rawURL }

// Announce implements the tracker.Tracker interface. The tracker host is
// resolved and each address is tried in order until one answers.
func (t *UDPTracker) Announce(ctx context.Context, tor tracker.Torrent) (*tracker.AnnounceResponse, error) {
	port := t.url.Port()
	if port == "" {
		port = "80"
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, t.url.Hostname())
	if err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorNetwork, err)
	}
	var lastErr error
	for _, ip := range ips {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip.IP.String(), port))
		if err != nil {
			lastErr = tracker.NewError(t.rawURL, tracker.ErrorNetwork, err)
			continue
		}
		resp, err := t.announceTo(ctx, addr, tor)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = tracker.NewError(t.rawURL, tracker.ErrorNetwork,
			errors.New("host resolved to no addresses"))
	}
	return nil, lastErr
}

func (t *UDPTracker) announceTo(ctx context.Context, addr *net.UDPAddr, tor tracker.Torrent) (*tracker.AnnounceResponse, error) {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorNetwork, err)
	}
	defer conn.Close()

	// Unblock pending reads as soon as the fetch is cancelled.
	stopC := make(chan struct{})
	defer close(stopC)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-stopC:
		}
	}()

	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, tracker.NewError(t.rawURL, tracker.ErrorTimeout, ctx.Err())
		}
		deadline := time.Now().Add(retryInterval << attempt)

		connID, err := t.connectionID(conn, addr, deadline)
		if err != nil {
			if isDeadline(err) {
				t.log.Debugf("connect attempt %d timed out", attempt)
				continue
			}
			return nil, err
		}
		resp, err := t.announceOnce(conn, connID, tor, deadline)
		if err != nil {
			if isDeadline(err) {
				t.log.Debugf("announce attempt %d timed out", attempt)
				// The connection ID may have expired while we waited.
				t.transport.forget(addr)
				continue
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, &tracker.Error{
		TrackerURL: t.rawURL,
		Kind:       tracker.ErrorTimeout,
		Err:        fmt.Errorf("no response after %d attempts", t.maxAttempts),
	}
}

// connectionID returns a cached connection ID for the destination or performs
// the connect exchange to obtain a fresh one.
func (t *UDPTracker) connectionID(conn *net.UDPConn, addr *net.UDPAddr, deadline time.Time) (uint64, error) {
	if id, ok := t.transport.get(addr); ok {
		return id, nil
	}
	txn := t.transport.transactionID()

	var req [16]byte
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txn)
	if _, err := conn.Write(req[:]); err != nil {
		return 0, tracker.NewError(t.rawURL, tracker.ErrorNetwork, err)
	}

	resp, err := t.awaitResponse(conn, txn, deadline)
	if err != nil {
		return 0, err
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != actionConnect {
		return 0, tracker.NewError(t.rawURL, tracker.ErrorBadResponse,
			fmt.Errorf("connect reply has action %d", action))
	}
	if len(resp) < 16 {
		return 0, tracker.NewError(t.rawURL, tracker.ErrorBadResponse,
			fmt.Errorf("connect reply too short: %d bytes", len(resp)))
	}
	id := binary.BigEndian.Uint64(resp[8:16])
	t.transport.put(addr, id)
	return id, nil
}

func (t *UDPTracker) announceOnce(conn *net.UDPConn, connID uint64, tor tracker.Torrent, deadline time.Time) (*tracker.AnnounceResponse, error) {
	txn := t.transport.transactionID()

	req := make([]byte, 98, 98+2+len(t.url.Path)+len(t.url.RawQuery)+1)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txn)
	copy(req[16:36], tor.InfoHash[:])
	copy(req[36:56], tor.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(tor.BytesDownloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(tor.BytesLeft))
	binary.BigEndian.PutUint64(req[72:80], uint64(tor.BytesUploaded))
	binary.BigEndian.PutUint32(req[80:84], eventStarted)
	// IP field zero: the tracker uses the packet's source address. The key
	// field is a random value identifying us across address changes.
	binary.BigEndian.PutUint32(req[84:88], 0)
	binary.BigEndian.PutUint32(req[88:92], t.transport.transactionID())
	binary.BigEndian.PutUint32(req[92:96], uint32(tor.NumWant))
	binary.BigEndian.PutUint16(req[96:98], uint16(tor.Port))
	req = append(req, urlDataOptions(t.url)...)

	if _, err := conn.Write(req); err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorNetwork, err)
	}
	resp, err := t.awaitResponse(conn, txn, deadline)
	if err != nil {
		return nil, err
	}
	switch action := binary.BigEndian.Uint32(resp[0:4]); action {
	case actionAnnounce:
	case actionError:
		return nil, tracker.NewFailure(t.rawURL, string(resp[8:]))
	default:
		return nil, tracker.NewError(t.rawURL, tracker.ErrorBadResponse,
			fmt.Errorf("announce reply has action %d", action))
	}
	if len(resp) < 20 {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorBadResponse,
			fmt.Errorf("announce reply too short: %d bytes", len(resp)))
	}
	peers, err := tracker.DecodePeersCompact(resp[20:])
	if err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorBadResponse, err)
	}
	return &tracker.AnnounceResponse{
		Interval: time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second,
		Leechers: int32(binary.BigEndian.Uint32(resp[12:16])),
		Seeders:  int32(binary.BigEndian.Uint32(resp[16:20])),
		Peers:    peers,
	}, nil
}

// awaitResponse reads datagrams until one echoes the expected transaction ID
// or the deadline passes. Packets with other transaction IDs are dropped.
func (t *UDPTracker) awaitResponse(conn *net.UDPConn, txn uint32, deadline time.Time) ([]byte, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, tracker.NewError(t.rawURL, tracker.ErrorNetwork, err)
	}
	buf := make([]byte, maxPacketLength)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, tracker.NewError(t.rawURL, tracker.ErrorNetwork, err)
		}
		if n < 8 {
			continue
		}
		if binary.BigEndian.Uint32(buf[4:8]) != txn {
			t.log.Debugln("dropping reply with unexpected transaction id")
			continue
		}
		resp := make([]byte, n)
		copy(resp, buf[:n])
		return resp, nil
	}
}

// urlDataOptions builds the BEP 41 option bytes carrying the announce URL's
// path and query, split into as many URL-data options as needed.
func urlDataOptions(u *url.URL) []byte {
	data := u.RequestURI()
	if u.Path == "" && u.RawQuery == "" {
		return nil
	}
	var opts []byte
	for len(data) > 0 {
		chunk := data
		if len(chunk) > 255 {
			chunk = chunk[:255]
		}
		opts = append(opts, optionURLData, byte(len(chunk)))
		opts = append(opts, chunk...)
		data = data[len(chunk):]
	}
	return opts
}

func isDeadline(err error) bool {
	var terr *tracker.Error
	if errors.As(err, &terr) {
		err = terr.Err
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
