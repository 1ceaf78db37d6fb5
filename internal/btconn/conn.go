// Package btconn provides support for dialing BitTorrent connections.
package btconn

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jwodder/demagnetize/internal/peerprotocol"
)

var (
	errInvalidInfoHash = errors.New("invalid info hash")

	// ErrOwnConnection is returned when the remote side turns out to be us.
	ErrOwnConnection = errors.New("dropped own connection")
)

// Dial opens a TCP connection to addr and exchanges BitTorrent handshakes.
// The returned connection has no deadline set; the remote peer's reserved
// bytes and peer ID are surrendered to the caller.
func Dial(
	ctx context.Context,
	addr net.Addr,
	connectTimeout, handshakeTimeout time.Duration,
	peerID, infoHash [20]byte,
) (conn net.Conn, reserved peerprotocol.Reserved, remoteID [20]byte, err error) {

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err = dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}
	if err = peerprotocol.WriteHandshake(conn, infoHash, peerID); err != nil {
		return
	}
	var remoteHash [20]byte
	remoteHash, remoteID, reserved, err = peerprotocol.ReadHandshake(conn)
	if err != nil {
		return
	}
	if remoteHash != infoHash {
		err = errInvalidInfoHash
		return
	}
	if remoteID == peerID {
		err = ErrOwnConnection
		return
	}
	err = conn.SetDeadline(time.Time{})
	return
}
