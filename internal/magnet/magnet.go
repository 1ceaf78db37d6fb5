// Package magnet provides support for parsing magnet links.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet link.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
	// Peers holds x.pe peer address hints (host:port). They are fed into
	// the peer pool like tracker-derived addresses but are not assumed to
	// be reachable.
	Peers []string
}

// ErrParse is wrapped by every parse failure so callers can tell malformed
// magnet links apart from fetch failures.
var ErrParse = errors.New("invalid magnet link")

// New parses a magnet link.
func New(s string) (*Magnet, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParse, err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("%w: not a magnet URI", ErrParse)
	}
	params := u.Query()

	xts, ok := params["xt"]
	if !ok || len(xts) == 0 {
		return nil, fmt.Errorf("%w: missing xt parameter", ErrParse)
	}
	xt := xts[0]
	if !strings.HasPrefix(xt, "urn:btih:") {
		return nil, fmt.Errorf("%w: invalid xt parameter %q", ErrParse, xt)
	}
	ih, err := parseInfoHash(strings.TrimPrefix(xt, "urn:btih:"))
	if err != nil {
		return nil, err
	}

	m := &Magnet{
		InfoHash: ih,
		Trackers: params["tr"],
		Peers:    params["x.pe"],
	}
	if dns, ok := params["dn"]; ok && len(dns) > 0 {
		m.Name = dns[0]
	}
	return m, nil
}

// parseInfoHash decodes the hash part of an xt parameter.
// 40 characters are interpreted as hex, 32 characters as base32 (BEP 9).
func parseInfoHash(s string) (ih [20]byte, err error) {
	var b []byte
	switch len(s) {
	case 40:
		b, err = hex.DecodeString(s)
	case 32:
		b, err = base32.StdEncoding.DecodeString(strings.ToUpper(s))
	default:
		return ih, fmt.Errorf("%w: info hash has invalid length %d", ErrParse, len(s))
	}
	if err != nil {
		return ih, fmt.Errorf("%w: invalid info hash: %s", ErrParse, err)
	}
	copy(ih[:], b)
	return ih, nil
}
