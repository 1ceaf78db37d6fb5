// Package fetcher coordinates one magnet fetch: it fans announces out to all
// trackers, feeds discovered peers into a bounded pool of metadata sessions,
// and returns the first validated info dictionary.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jwodder/demagnetize/internal/addrlist"
	"github.com/jwodder/demagnetize/internal/logger"
	"github.com/jwodder/demagnetize/internal/peersession"
	"github.com/jwodder/demagnetize/internal/tracker"
)

// ErrNoMetadata is the terminal failure of a fetch: every tracker and every
// peer was tried without producing a validated info dictionary, or the fetch
// deadline expired first (then the error is wrapped).
var ErrNoMetadata = errors.New("no peers yielded metadata")

// Config holds the coordinator tunables.
type Config struct {
	FetchTimeout    time.Duration
	MaxAnnounces    int
	MaxPeerSessions int
	Port            int
	NumWant         int
	Session         peersession.Config
}

// Fetcher runs one magnet fetch.
type Fetcher struct {
	infoHash [20]byte
	peerID   [20]byte
	trackers []tracker.Tracker
	hints    []*net.TCPAddr
	cfg      Config
	metrics  *Metrics
	log      logger.Logger
}

// New returns a fetcher for one magnet. The name is used to tag log lines;
// hints are peer addresses to try ahead of tracker-discovered ones.
func New(
	infoHash, peerID [20]byte,
	name string,
	trackers []tracker.Tracker,
	hints []*net.TCPAddr,
	cfg Config,
	m *Metrics,
) *Fetcher {
	return &Fetcher{
		infoHash: infoHash,
		peerID:   peerID,
		trackers: trackers,
		hints:    hints,
		cfg:      cfg,
		metrics:  m,
		log:      logger.New("fetch " + name),
	}
}

type sessionResult struct {
	addr *net.TCPAddr
	info []byte
	err  error
}

// Run performs the fetch. The first peer session to produce a validated info
// dictionary wins; all other sessions and pending announces are cancelled and
// awaited before Run returns.
func (f *Fetcher) Run(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	addrsC := make(chan []*net.TCPAddr)
	announceDoneC := make(chan struct{})
	resultC := make(chan sessionResult)

	announcesPending := len(f.trackers)
	announceSem := make(chan struct{}, f.cfg.MaxAnnounces)
	for _, tr := range f.trackers {
		go f.announce(ctx, tr, announceSem, addrsC, announceDoneC)
	}

	peers := addrlist.New()
	if n := peers.Push(f.hints); n > 0 {
		f.log.Debugf("queued %d peer hints", n)
	}

	var winner []byte
	active := 0
	ctxDoneC := ctx.Done()
	for {
		// Feed the session pool in peer arrival order.
		for winner == nil && ctx.Err() == nil && active < f.cfg.MaxPeerSessions {
			addr := peers.Pop()
			if addr == nil {
				break
			}
			active++
			f.metrics.PeersTried.Inc(1)
			go f.runSession(ctx, addr, resultC)
		}

		if active == 0 && announcesPending == 0 &&
			(winner != nil || peers.Len() == 0 || ctx.Err() != nil) {
			return f.finish(ctx, winner)
		}

		select {
		case addrs := <-addrsC:
			if winner == nil {
				if n := peers.Push(addrs); n > 0 {
					f.log.Debugf("%d new peers, %d queued", n, peers.Len())
				}
			}
		case <-announceDoneC:
			announcesPending--
		case res := <-resultC:
			active--
			switch {
			case res.err == nil:
				if winner == nil {
					winner = res.info
					f.log.Debugf("peer %s delivered the metadata", res.addr)
					// Winner takes all: unwind every other session and
					// announce, then drain them.
					cancel()
				}
			case errors.Is(res.err, context.Canceled):
			default:
				f.recordPeerError(res.err)
			}
		case <-ctxDoneC:
			ctxDoneC = nil
		}
	}
}

func (f *Fetcher) finish(ctx context.Context, winner []byte) ([]byte, error) {
	if winner != nil {
		f.metrics.FetchesSucceeded.Inc(1)
		return winner, nil
	}
	f.metrics.FetchesFailed.Inc(1)
	if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: fetch deadline exceeded", ErrNoMetadata)
	} else if err != nil {
		return nil, err
	}
	return nil, ErrNoMetadata
}

func (f *Fetcher) announce(
	ctx context.Context,
	tr tracker.Tracker,
	sem chan struct{},
	addrsC chan<- []*net.TCPAddr,
	doneC chan<- struct{},
) {
	defer func() { doneC <- struct{}{} }()
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-sem }()

	resp, err := tr.Announce(ctx, tracker.Torrent{
		InfoHash: f.infoHash,
		PeerID:   f.peerID,
		Port:     f.cfg.Port,
		NumWant:  f.cfg.NumWant,
	})
	if err != nil {
		f.metrics.AnnounceErrors.Inc(1)
		f.log.Debugln("announce failed:", err)
		return
	}
	f.log.Debugf("tracker %s returned %d peers", tr.URL(), len(resp.Peers))
	select {
	case addrsC <- resp.Peers:
	case <-ctx.Done():
	}
}

func (f *Fetcher) runSession(ctx context.Context, addr *net.TCPAddr, resultC chan<- sessionResult) {
	s := peersession.New(addr, f.infoHash, f.peerID, f.cfg.Session)
	info, err := s.Run(ctx)
	resultC <- sessionResult{addr: addr, info: info, err: err}
}

func (f *Fetcher) recordPeerError(err error) {
	f.metrics.PeerErrors.Inc(1)
	var perr *peersession.Error
	if errors.As(err, &perr) && perr.Kind == peersession.ErrorHashMismatch {
		f.metrics.HostilePeers.Inc(1)
		f.log.Warningln("hostile peer:", err)
		return
	}
	f.log.Debugln("peer failed:", err)
}
