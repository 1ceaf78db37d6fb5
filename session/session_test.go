package session

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	demagnetize "github.com/jwodder/demagnetize"
	"github.com/jwodder/demagnetize/internal/bencode"
	"github.com/jwodder/demagnetize/internal/fetcher"
	"github.com/jwodder/demagnetize/internal/infocache"
	"github.com/jwodder/demagnetize/internal/magnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionConfig(t *testing.T, withCache bool) *demagnetize.Config {
	cfg := demagnetize.DefaultConfig
	cfg.Database = ""
	if withCache {
		cfg.Database = filepath.Join(t.TempDir(), "infos.db")
	}
	cfg.FetchTimeout = demagnetize.Duration{Duration: 2 * time.Second}
	return &cfg
}

func newTestSession(t *testing.T, cfg *demagnetize.Config) *Session {
	s, err := NewWithRandom(cfg, rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPeerIDPrefix(t *testing.T) {
	s := newTestSession(t, testSessionConfig(t, false))
	assert.Equal(t, peerIDPrefix, s.peerID[:len(peerIDPrefix)])
}

func TestFetchInvalidMagnet(t *testing.T) {
	s := newTestSession(t, testSessionConfig(t, false))
	_, err := s.Fetch(context.Background(), "magnet:?dn=NoHash")
	assert.ErrorIs(t, err, magnet.ErrParse)
}

func TestFetchNoTrackersFails(t *testing.T) {
	s := newTestSession(t, testSessionConfig(t, false))
	_, err := s.Fetch(context.Background(),
		"magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567")
	assert.ErrorIs(t, err, fetcher.ErrNoMetadata)
}

func TestFetchFromCache(t *testing.T) {
	info := []byte("d6:lengthi3e4:name8:cached_f12:piece lengthi16384e6:pieces20:aaaaaaaaaaaaaaaaaaaae")
	hash := sha1.Sum(info)

	cfg := testSessionConfig(t, true)
	c, err := infocache.Open(cfg.Database)
	require.NoError(t, err)
	require.NoError(t, c.Put(hash, info))
	require.NoError(t, c.Close())

	s := newTestSession(t, cfg)
	res, err := s.Fetch(context.Background(),
		"magnet:?xt=urn:btih:"+hex.EncodeToString(hash[:])+"&tr=http://t/announce")
	require.NoError(t, err)
	assert.Equal(t, info, res.Info)
	assert.Equal(t, "cached_f", res.Name)
	assert.Equal(t, []string{"http://t/announce"}, res.Trackers)
}

func TestResultTorrent(t *testing.T) {
	info := []byte("d6:lengthi3e4:name3:foo12:piece lengthi16384e6:pieces20:aaaaaaaaaaaaaaaaaaaae")
	r := &Result{
		InfoHash:  sha1.Sum(info),
		Info:      info,
		Name:      "foo",
		Trackers:  []string{"http://t1/announce", "udp://t2:6969"},
		createdBy: "demagnetize test",
	}
	b, err := r.Torrent()
	require.NoError(t, err)
	raw, err := bencode.RawDictValue(b, "info")
	require.NoError(t, err)
	assert.Equal(t, info, raw)
}

func TestOutputName(t *testing.T) {
	var hash [20]byte
	hash[0] = 0xab
	r := &Result{InfoHash: hash, Name: "My File"}
	assert.Equal(t, "My File.torrent", r.OutputName("{name}.torrent"))
	assert.Equal(t,
		"ab00000000000000000000000000000000000000",
		r.OutputName("{hash}"))
}

func TestOutputNameSanitised(t *testing.T) {
	r := &Result{Name: "a/b\\c\x00d\x1fe\x7ff"}
	assert.Equal(t, "a_b_c_d_e_f.torrent", r.OutputName("{name}.torrent"))
}

func TestOutputNameEmptyFallsBackToHash(t *testing.T) {
	var hash [20]byte
	hash[19] = 0x01
	r := &Result{InfoHash: hash}
	assert.Equal(t,
		"0000000000000000000000000000000000000001.torrent",
		r.OutputName("{name}.torrent"))
}
