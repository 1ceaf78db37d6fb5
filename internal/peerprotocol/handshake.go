package peerprotocol

import (
	"bytes"
	"errors"
	"io"
)

const pstr = "BitTorrent protocol"

var errInvalidProtocol = errors.New("invalid protocol string in handshake")

// Reserved holds the 8 reserved bytes of a handshake.
type Reserved [8]byte

// ExtensionProtocol reports whether the extension protocol bit (BEP 10) is set.
func (r Reserved) ExtensionProtocol() bool { return r[5]&0x10 != 0 }

// FastExtension reports whether the fast extension bit (BEP 6) is set.
func (r Reserved) FastExtension() bool { return r[7]&0x04 != 0 }

// ourReserved returns the reserved bytes we advertise.
func ourReserved() Reserved {
	var r Reserved
	r[5] |= 0x10 // extension protocol (BEP 10)
	r[7] |= 0x04 // fast extension (BEP 6)
	return r
}

// WriteHandshake writes the fixed 68-byte handshake.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte) error {
	var h [68]byte
	h[0] = byte(len(pstr))
	copy(h[1:20], pstr)
	r := ourReserved()
	copy(h[20:28], r[:])
	copy(h[28:48], infoHash[:])
	copy(h[48:68], peerID[:])
	_, err := w.Write(h[:])
	return err
}

// ReadHandshake reads and validates the remote side's 68-byte handshake.
func ReadHandshake(r io.Reader) (infoHash, peerID [20]byte, reserved Reserved, err error) {
	var h [68]byte
	if _, err = io.ReadFull(r, h[:]); err != nil {
		return
	}
	if h[0] != byte(len(pstr)) || !bytes.Equal(h[1:20], []byte(pstr)) {
		err = errInvalidProtocol
		return
	}
	copy(reserved[:], h[20:28])
	copy(infoHash[:], h[28:48])
	copy(peerID[:], h[48:68])
	return
}
