package session

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/jwodder/demagnetize/internal/metainfo"
)

// Result is the outcome of one successful fetch: the validated raw info
// dictionary plus the side data needed to compose a torrent file.
type Result struct {
	InfoHash [20]byte
	// Info holds the raw info dictionary whose SHA-1 equals InfoHash.
	Info []byte
	// Name is the info dictionary's name field, falling back to the
	// magnet's display name.
	Name string
	// Trackers is the magnet's tracker list in order.
	Trackers []string

	createdBy string
}

// Torrent composes a torrent file around the fetched info dictionary.
func (r *Result) Torrent() ([]byte, error) {
	return metainfo.Compose(r.Info, r.Trackers, r.createdBy, time.Now())
}

// OutputName expands an output path template: {name} becomes the sanitised
// torrent name and {hash} the hex info hash.
func (r *Result) OutputName(template string) string {
	name := r.Name
	if name == "" {
		name = hex.EncodeToString(r.InfoHash[:])
	}
	out := strings.ReplaceAll(template, "{name}", sanitizeName(name))
	return strings.ReplaceAll(out, "{hash}", hex.EncodeToString(r.InfoHash[:]))
}

// sanitizeName replaces ASCII control characters and path separators so a
// torrent name cannot escape the target directory.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range []byte(name) {
		if c < 0x20 || c == 0x7f || c == '/' || c == '\\' {
			c = '_'
		}
		b.WriteByte(c)
	}
	return b.String()
}
