// Package trackermanager builds tracker clients from announce URLs, sharing
// transport state between them.
package trackermanager

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/jwodder/demagnetize/internal/tracker"
	"github.com/jwodder/demagnetize/internal/tracker/httptracker"
	"github.com/jwodder/demagnetize/internal/tracker/udptracker"
)

// TrackerManager returns a tracker client for each announce URL. HTTP
// trackers share one http.Client; UDP trackers share one transport so
// connection IDs are cached across trackers on the same host.
type TrackerManager struct {
	httpClient     *http.Client
	udpTransport   *udptracker.Transport
	udpMaxAttempts int
	userAgent      string
}

// New returns a TrackerManager.
func New(httpTimeout time.Duration, userAgent string, udpMaxAttempts int, rnd *rand.Rand) *TrackerManager {
	return &TrackerManager{
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
		udpTransport:   udptracker.NewTransport(rnd),
		udpMaxAttempts: udpMaxAttempts,
		userAgent:      userAgent,
	}
}

// Get returns a tracker client for the given announce URL.
func (m *TrackerManager) Get(s string) (tracker.Tracker, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return httptracker.New(u, m.httpClient, m.userAgent), nil
	case "udp":
		return udptracker.New(u, m.udpTransport, m.udpMaxAttempts), nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme: %q", u.Scheme)
	}
}
