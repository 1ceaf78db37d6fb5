package peerprotocol

import (
	"encoding/binary"
	"fmt"

	strict "github.com/jwodder/demagnetize/internal/bencode"
	"github.com/zeebo/bencode"
)

// Extended message IDs within the extension protocol.
const (
	// ExtensionIDHandshake is the extended message ID of the extension
	// handshake itself.
	ExtensionIDHandshake uint8 = 0
	// ExtensionIDMetadata is the extended message ID we advertise for
	// ut_metadata messages addressed to us.
	ExtensionIDMetadata uint8 = 3
)

// ExtensionKeyMetadata is the key of the ut_metadata extension in the "m"
// mapping of an extension handshake.
const ExtensionKeyMetadata = "ut_metadata"

// ut_metadata message types (BEP 9).
const (
	ExtensionMetadataMessageTypeRequest uint8 = iota
	ExtensionMetadataMessageTypeData
	ExtensionMetadataMessageTypeReject
)

// ExtensionHandshakeMessage is the payload of an extension handshake.
type ExtensionHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	V            string           `bencode:"v,omitempty"`
	MetadataSize uint32           `bencode:"metadata_size,omitempty"`
}

// NewExtensionHandshake returns the handshake payload we send, advertising
// ut_metadata support.
func NewExtensionHandshake(clientVersion string) ExtensionHandshakeMessage {
	return ExtensionHandshakeMessage{
		M: map[string]uint8{
			ExtensionKeyMetadata: ExtensionIDMetadata,
		},
		V: clientVersion,
	}
}

// ExtensionMetadataMessage is the bencoded header of a ut_metadata message.
type ExtensionMetadataMessage struct {
	Type      uint8  `bencode:"msg_type"`
	Piece     uint32 `bencode:"piece"`
	TotalSize uint32 `bencode:"total_size,omitempty"`
}

// ExtensionMessage is an outgoing extended message. Payload is bencoded on
// the wire after the extended message ID byte.
type ExtensionMessage struct {
	ExtendedMessageID uint8
	Payload           interface{}
}

// Encode returns the complete frame for the message: 4-byte length prefix,
// message ID 20, extended message ID, bencoded payload.
func (m ExtensionMessage) Encode() ([]byte, error) {
	payload, err := bencode.EncodeBytes(m.Payload)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4+2+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(2+len(payload)))
	frame[4] = byte(Extension)
	frame[5] = m.ExtendedMessageID
	copy(frame[6:], payload)
	return frame, nil
}

// DecodeExtensionPayload splits the payload of an incoming extension frame
// (everything after message ID 20) into its extended message ID, decoded
// bencoded header, and any trailing raw bytes. Payloads as small as one byte
// plus an empty dictionary are valid.
func DecodeExtensionPayload(payload []byte) (id uint8, header strict.Value, trailing []byte, err error) {
	if len(payload) < 1 {
		err = fmt.Errorf("extension message too short: %d bytes", len(payload))
		return
	}
	id = payload[0]
	if len(payload) == 1 {
		header = strict.NewDict(nil)
		return
	}
	header, trailing, err = strict.DecodeSome(payload[1:])
	if err != nil {
		err = fmt.Errorf("invalid extension message header: %s", err)
	}
	return
}
