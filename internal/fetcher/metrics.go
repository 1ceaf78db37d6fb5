package fetcher

import "github.com/rcrowley/go-metrics"

// Metrics holds the session-wide fetch counters. Tracker and peer failures
// are counted here rather than surfaced to the caller.
type Metrics struct {
	AnnounceErrors   metrics.Counter
	PeersTried       metrics.Counter
	PeerErrors       metrics.Counter
	HostilePeers     metrics.Counter
	FetchesSucceeded metrics.Counter
	FetchesFailed    metrics.Counter
}

// NewMetrics registers the fetch counters in the given registry.
func NewMetrics(r metrics.Registry) *Metrics {
	return &Metrics{
		AnnounceErrors:   metrics.GetOrRegisterCounter("fetch.announce.errors", r),
		PeersTried:       metrics.GetOrRegisterCounter("fetch.peers.tried", r),
		PeerErrors:       metrics.GetOrRegisterCounter("fetch.peers.errors", r),
		HostilePeers:     metrics.GetOrRegisterCounter("fetch.peers.hostile", r),
		FetchesSucceeded: metrics.GetOrRegisterCounter("fetch.succeeded", r),
		FetchesFailed:    metrics.GetOrRegisterCounter("fetch.failed", r),
	}
}
