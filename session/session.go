// Package session provides the top-level API for converting magnet links
// into torrent files.
package session

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"math/rand"
	"net"
	"time"

	demagnetize "github.com/jwodder/demagnetize"
	"github.com/jwodder/demagnetize/internal/fetcher"
	"github.com/jwodder/demagnetize/internal/infocache"
	"github.com/jwodder/demagnetize/internal/logger"
	"github.com/jwodder/demagnetize/internal/magnet"
	"github.com/jwodder/demagnetize/internal/metainfo"
	"github.com/jwodder/demagnetize/internal/peersession"
	"github.com/jwodder/demagnetize/internal/tracker"
	"github.com/jwodder/demagnetize/internal/trackermanager"
	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
	uuid "github.com/satori/go.uuid"
)

// http://www.bittorrent.org/beps/bep_0020.html
var peerIDPrefix = []byte("-DM0001-")

// Session fetches metadata for magnet links. One Session carries one peer
// id, one tracker manager, and one optional info blob cache.
type Session struct {
	config         *demagnetize.Config
	log            logger.Logger
	trackerManager *trackermanager.TrackerManager
	cache          *infocache.InfoCache
	registry       gometrics.Registry
	metrics        *fetcher.Metrics
	peerID         [20]byte
}

// New returns a Session with a time-seeded RNG.
func New(cfg *demagnetize.Config) (*Session, error) {
	return NewWithRandom(cfg, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRandom returns a Session using the given RNG for the peer id and
// tracker transaction ids. Tests pass a fixed seed for determinism.
func NewWithRandom(cfg *demagnetize.Config, rnd *rand.Rand) (*Session, error) {
	s := &Session{
		config:   cfg,
		log:      logger.New("session"),
		registry: gometrics.NewRegistry(),
	}
	s.metrics = fetcher.NewMetrics(s.registry)
	copy(s.peerID[:], peerIDPrefix)
	rnd.Read(s.peerID[len(peerIDPrefix):])
	s.trackerManager = trackermanager.New(
		cfg.TrackerHTTPTimeout.Duration,
		cfg.TrackerHTTPUserAgent,
		cfg.TrackerUDPAttempts,
		rnd,
	)

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		s.cache, err = infocache.Open(dbPath)
		if err != nil {
			return nil, errors.Wrap(err, "cannot open info cache")
		}
	}
	return s, nil
}

// Close releases the session's resources.
func (s *Session) Close() error {
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}

// Metrics returns the session's metrics registry.
func (s *Session) Metrics() gometrics.Registry { return s.registry }

// Fetch resolves one magnet link to its raw info dictionary. Tracker and
// peer failures are logged and counted; only a malformed magnet link or the
// exhaustion of all peers is reported as an error.
func (s *Session) Fetch(ctx context.Context, link string) (*Result, error) {
	ma, err := magnet.New(link)
	if err != nil {
		return nil, err
	}
	name := ma.Name
	if name == "" {
		name = hex.EncodeToString(ma.InfoHash[:])
	}

	if s.cache != nil {
		info, err2 := s.cache.Get(ma.InfoHash)
		if err2 != nil {
			s.log.Warningln("cannot read info cache:", err2)
		} else if info != nil {
			s.log.Infof("%s: using cached metadata", name)
			return s.newResult(ma, info), nil
		}
	}

	u1 := uuid.NewV1()
	id := base64.RawURLEncoding.EncodeToString(u1[:6])
	s.log.Infof("fetching metadata for %s (job %s)", name, id)

	trackers := s.parseTrackers(ma.Trackers)
	hints := s.parsePeerHints(ma.Peers)
	f := fetcher.New(ma.InfoHash, s.peerID, id, trackers, hints, s.fetcherConfig(), s.metrics)
	info, err := f.Run(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot fetch %s", name)
	}

	if s.cache != nil {
		if err2 := s.cache.Put(ma.InfoHash, info); err2 != nil {
			s.log.Warningln("cannot write info cache:", err2)
		}
	}
	return s.newResult(ma, info), nil
}

func (s *Session) newResult(ma *magnet.Magnet, info []byte) *Result {
	r := &Result{
		InfoHash:  ma.InfoHash,
		Info:      info,
		Name:      ma.Name,
		Trackers:  ma.Trackers,
		createdBy: s.config.CreatedBy,
	}
	if i, err := metainfo.NewInfo(info); err == nil {
		r.Name = i.Name
	}
	return r
}

func (s *Session) parseTrackers(urls []string) []tracker.Tracker {
	var ret []tracker.Tracker
	for _, u := range urls {
		t, err := s.trackerManager.Get(u)
		if err != nil {
			s.log.Warningln("cannot parse tracker url:", err)
			continue
		}
		ret = append(ret, t)
	}
	return ret
}

func (s *Session) parsePeerHints(hints []string) []*net.TCPAddr {
	var ret []*net.TCPAddr
	for _, h := range hints {
		addr, err := net.ResolveTCPAddr("tcp", h)
		if err != nil {
			s.log.Debugln("ignoring unusable peer hint:", err)
			continue
		}
		ret = append(ret, addr)
	}
	return ret
}

func (s *Session) fetcherConfig() fetcher.Config {
	cfg := s.config
	return fetcher.Config{
		FetchTimeout:    cfg.FetchTimeout.Duration,
		MaxAnnounces:    cfg.MaxAnnounces,
		MaxPeerSessions: cfg.MaxPeerSessions,
		Port:            cfg.Port,
		NumWant:         cfg.NumWant,
		Session: peersession.Config{
			ConnectTimeout:     cfg.PeerConnectTimeout.Duration,
			HandshakeTimeout:   cfg.PeerHandshakeTimeout.Duration,
			ReadTimeout:        cfg.PeerReadTimeout.Duration,
			SessionTimeout:     cfg.PeerSessionTimeout.Duration,
			RequestQueueLength: cfg.RequestQueueLength,
			MaxMetadataSize:    cfg.MaxMetadataSize,
			MaxMessageLength:   cfg.MaxMessageLength,
			ClientVersion:      cfg.CreatedBy,
		},
	}
}
