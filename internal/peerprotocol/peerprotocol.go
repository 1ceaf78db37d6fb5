// Package peerprotocol contains types and codecs for the BitTorrent peer
// wire protocol.
package peerprotocol

// MessageID is the one-byte identifier after the length prefix of a peer
// message.
type MessageID uint8

// Core protocol message IDs.
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

// Fast extension (BEP 6) and extension protocol (BEP 10) message IDs.
const (
	Suggest     MessageID = 13
	HaveAll     MessageID = 14
	HaveNone    MessageID = 15
	Reject      MessageID = 16
	AllowedFast MessageID = 17
	Extension   MessageID = 20
)

var messageNames = map[MessageID]string{
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not interested",
	Have:          "have",
	Bitfield:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	Port:          "port",
	Suggest:       "suggest",
	HaveAll:       "have all",
	HaveNone:      "have none",
	Reject:        "reject",
	AllowedFast:   "allowed fast",
	Extension:     "extension",
}

func (id MessageID) String() string {
	if s, ok := messageNames[id]; ok {
		return s
	}
	return "unknown"
}
