// Package metainfo provides support for reading and writing torrent files.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"time"

	"github.com/zeebo/bencode"
)

// MetaInfo file dictionary
type MetaInfo struct {
	RawInfo      bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	CreatedBy    string             `bencode:"created by,omitempty"`
}

// Info is the parsed form of a torrent's info dictionary.
type Info struct {
	Name        string `bencode:"name"`
	PieceLength uint32 `bencode:"piece length"`
	Length      int64  `bencode:"length"`
	Private     byte   `bencode:"private"`
	Hash        [20]byte `bencode:"-"`
	Bytes       []byte   `bencode:"-"`
}

// NewInfo parses the raw bytes of an info dictionary.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	if i.Name == "" {
		return nil, errors.New("no name field in info dict")
	}
	i.Hash = sha1.Sum(b)
	i.Bytes = b
	return &i, nil
}

// Compose builds a torrent file around raw info dictionary bytes.
// The first tracker becomes the announce value; all trackers are repeated in
// announce-list as single-element tiers.
func Compose(info []byte, trackers []string, createdBy string, at time.Time) ([]byte, error) {
	if len(info) == 0 {
		return nil, errors.New("empty info dict")
	}
	mi := MetaInfo{
		RawInfo:      info,
		CreationDate: at.Unix(),
		CreatedBy:    createdBy,
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
		mi.AnnounceList = make([][]string, 0, len(trackers))
		for _, tr := range trackers {
			mi.AnnounceList = append(mi.AnnounceList, []string{tr})
		}
	}
	return bencode.EncodeBytes(mi)
}
