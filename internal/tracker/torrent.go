package tracker

// Torrent holds the announce parameters for one torrent.
// A metadata-only fetch announces zero transfer counters and the started
// event.
type Torrent struct {
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
	NumWant         int
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
}
