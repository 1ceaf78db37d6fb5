// Package peersession drives one peer connection from TCP connect through
// the ut_metadata exchange (BEP 9) to a validated info dictionary.
package peersession

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jwodder/demagnetize/internal/bencode"
	"github.com/jwodder/demagnetize/internal/btconn"
	"github.com/jwodder/demagnetize/internal/infodownloader"
	"github.com/jwodder/demagnetize/internal/logger"
	"github.com/jwodder/demagnetize/internal/peerprotocol"
)

// Config holds the session tunables.
type Config struct {
	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	ReadTimeout        time.Duration
	SessionTimeout     time.Duration
	RequestQueueLength int
	MaxMetadataSize    uint32
	MaxMessageLength   uint32
	ClientVersion      string
}

var errFrameTooLarge = errors.New("message exceeds length cap")

// maxExtendedMessageLength caps extended frames: one ut_metadata piece plus
// bencoded header overhead. Tighter than the generic message cap so a peer
// cannot pad piece messages with megabytes of trailing bytes.
const maxExtendedMessageLength = 16*1024 + 1024

// Session fetches the info dictionary from a single peer.
type Session struct {
	addr     net.Addr
	infoHash [20]byte
	peerID   [20]byte
	cfg      Config
	log      logger.Logger

	conn         net.Conn
	utMetadataID uint8
	metadataSize uint32
	downloader   *infodownloader.InfoDownloader
}

// New returns a session for the given peer address.
func New(addr net.Addr, infoHash, peerID [20]byte, cfg Config) *Session {
	return &Session{
		addr:     addr,
		infoHash: infoHash,
		peerID:   peerID,
		cfg:      cfg,
		log:      logger.New("peer " + addr.String()),
	}
}

func (s *Session) failure(kind ErrorKind, err error) *Error {
	return &Error{Addr: s.addr.String(), Kind: kind, Err: err}
}

// Run performs the session and returns the validated raw info dictionary
// bytes. Any failure is reported as *Error; cancellation of ctx is reported
// as the context's error.
func (s *Session) Run(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
	defer cancel()

	conn, reserved, _, err := btconn.Dial(
		ctx, s.addr, s.cfg.ConnectTimeout, s.cfg.HandshakeTimeout, s.peerID, s.infoHash)
	if err != nil {
		if cerr := ctx.Err(); errors.Is(cerr, context.Canceled) {
			return nil, cerr
		}
		if conn == nil {
			return nil, s.failure(ErrorConnect, err)
		}
		return nil, s.failure(ErrorHandshake, err)
	}
	s.conn = conn
	defer conn.Close()
	if !reserved.ExtensionProtocol() {
		return nil, s.failure(ErrorHandshake, errors.New("peer does not support extension protocol"))
	}

	// Unblock pending reads as soon as the fetch is cancelled or won.
	stopC := make(chan struct{})
	defer close(stopC)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopC:
		}
	}()

	if err = s.sendExtended(peerprotocol.ExtensionIDHandshake,
		peerprotocol.NewExtensionHandshake(s.cfg.ClientVersion)); err != nil {
		return nil, s.translate(ctx, err)
	}

	for {
		id, payload, err := s.readMessage()
		if err != nil {
			return nil, s.translate(ctx, err)
		}
		switch id {
		case peerprotocol.Extension:
			info, err := s.handleExtension(payload)
			if err != nil {
				return nil, err
			}
			if info != nil {
				return info, nil
			}
		case peerprotocol.Choke, peerprotocol.Unchoke, peerprotocol.Have,
			peerprotocol.Bitfield, peerprotocol.HaveAll, peerprotocol.HaveNone,
			peerprotocol.Suggest, peerprotocol.Reject, peerprotocol.AllowedFast,
			peerprotocol.Port:
			// Valid but irrelevant to the metadata exchange.
		default:
			s.log.Debugln("discarding message:", id)
		}
	}
}

// translate maps low-level read/write errors onto session error kinds,
// preferring the context's verdict when the session was cancelled or timed
// out as a whole.
func (s *Session) translate(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return s.failure(ErrorTimeout, errors.New("session deadline exceeded"))
		}
		return cerr
	}
	if errors.Is(err, errFrameTooLarge) {
		return s.failure(ErrorProtocol, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return s.failure(ErrorTimeout, err)
	}
	return s.failure(ErrorProtocol, err)
}

// readMessage reads one length-prefixed frame. Keep-alives reset the idle
// timer and are skipped.
func (s *Session) readMessage() (peerprotocol.MessageID, []byte, error) {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return 0, nil, err
		}
		var length uint32
		if err := binary.Read(s.conn, binary.BigEndian, &length); err != nil {
			return 0, nil, err
		}
		if length == 0 {
			continue
		}
		if length > s.cfg.MaxMessageLength {
			return 0, nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, length)
		}
		var idBuf [1]byte
		if _, err := io.ReadFull(s.conn, idBuf[:]); err != nil {
			return 0, nil, err
		}
		id := peerprotocol.MessageID(idBuf[0])
		if id == peerprotocol.Extension && length-1 > maxExtendedMessageLength {
			return 0, nil, fmt.Errorf("%w: extended message of %d bytes", errFrameTooLarge, length-1)
		}
		payload := make([]byte, length-1)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return 0, nil, err
		}
		return id, payload, nil
	}
}

func (s *Session) sendExtended(extID uint8, payload interface{}) error {
	frame, err := peerprotocol.ExtensionMessage{
		ExtendedMessageID: extID,
		Payload:           payload,
	}.Encode()
	if err != nil {
		return err
	}
	if err = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return err
	}
	_, err = s.conn.Write(frame)
	return err
}

// handleExtension processes one extended message. It returns the validated
// info bytes once the transfer completes.
func (s *Session) handleExtension(payload []byte) ([]byte, error) {
	extID, header, trailing, err := peerprotocol.DecodeExtensionPayload(payload)
	if err != nil {
		return nil, s.failure(ErrorProtocol, err)
	}
	switch extID {
	case peerprotocol.ExtensionIDHandshake:
		return nil, s.handleExtensionHandshake(header)
	case peerprotocol.ExtensionIDMetadata:
		return s.handleMetadataMessage(header, trailing)
	default:
		s.log.Debugln("discarding extension message with id", extID)
		return nil, nil
	}
}

func (s *Session) handleExtensionHandshake(header bencode.Value) error {
	if s.downloader != nil {
		// A repeated extension handshake cannot restart the transfer.
		return nil
	}
	m, ok := header.Get("m")
	if !ok {
		return s.failure(ErrorHandshake, errors.New("extension handshake has no m dictionary"))
	}
	utRaw, ok := m.Get(peerprotocol.ExtensionKeyMetadata)
	if !ok {
		return s.failure(ErrorHandshake, errors.New("peer does not support ut_metadata"))
	}
	utID, err := utRaw.Int64()
	if err != nil || utID <= 0 || utID > 255 {
		return s.failure(ErrorHandshake, fmt.Errorf("invalid ut_metadata id %d", utID))
	}
	sizeRaw, ok := header.Get("metadata_size")
	if !ok {
		return s.failure(ErrorHandshake, errors.New("extension handshake has no metadata_size"))
	}
	size, err := sizeRaw.Int64()
	if err != nil || size <= 0 {
		return s.failure(ErrorHandshake, fmt.Errorf("invalid metadata_size %d", size))
	}
	if size > int64(s.cfg.MaxMetadataSize) {
		return s.failure(ErrorHandshake, fmt.Errorf("metadata_size %d exceeds cap", size))
	}

	s.utMetadataID = uint8(utID)
	s.metadataSize = uint32(size)
	s.downloader = infodownloader.New(s.metadataSize, func(index uint32) error {
		return s.sendExtended(s.utMetadataID, peerprotocol.ExtensionMetadataMessage{
			Type:  peerprotocol.ExtensionMetadataMessageTypeRequest,
			Piece: index,
		})
	})
	s.log.Debugf("fetching %d bytes of metadata in %d pieces", s.metadataSize, s.downloader.NumBlocks())
	if err = s.downloader.RequestBlocks(s.cfg.RequestQueueLength); err != nil {
		return s.failure(ErrorProtocol, err)
	}
	return nil
}

func (s *Session) handleMetadataMessage(header bencode.Value, trailing []byte) ([]byte, error) {
	if s.downloader == nil {
		s.log.Debugln("metadata message before extension handshake")
		return nil, nil
	}
	msgType, err := headerInt(header, "msg_type")
	if err != nil {
		return nil, s.failure(ErrorProtocol, err)
	}
	switch uint8(msgType) {
	case peerprotocol.ExtensionMetadataMessageTypeData:
		piece, err := headerInt(header, "piece")
		if err != nil {
			return nil, s.failure(ErrorProtocol, err)
		}
		totalSize, err := headerInt(header, "total_size")
		if err != nil {
			return nil, s.failure(ErrorProtocol, err)
		}
		if uint32(totalSize) != s.metadataSize {
			return nil, s.failure(ErrorProtocol,
				fmt.Errorf("total_size %d does not match advertised %d", totalSize, s.metadataSize))
		}
		if err = s.downloader.GotBlock(uint32(piece), trailing); err != nil {
			return nil, s.failure(ErrorProtocol, err)
		}
	case peerprotocol.ExtensionMetadataMessageTypeReject:
		piece, err := headerInt(header, "piece")
		if err != nil {
			return nil, s.failure(ErrorProtocol, err)
		}
		if err = s.downloader.GotReject(uint32(piece)); err != nil {
			return nil, s.failure(ErrorMetadataReject, err)
		}
	case peerprotocol.ExtensionMetadataMessageTypeRequest:
		// We never advertise metadata, so nothing to serve.
		s.log.Debugln("ignoring metadata request from peer")
		return nil, nil
	default:
		s.log.Debugln("ignoring metadata message of type", msgType)
		return nil, nil
	}

	if s.downloader.Done() {
		info := s.downloader.Bytes
		hash := sha1.Sum(info)
		if !bytes.Equal(hash[:], s.infoHash[:]) {
			return nil, s.failure(ErrorHashMismatch, errors.New("info dict does not match info hash"))
		}
		s.log.Debugf("got %d bytes of valid metadata", len(info))
		return info, nil
	}
	if err = s.downloader.RequestBlocks(s.cfg.RequestQueueLength); err != nil {
		return nil, s.failure(ErrorProtocol, err)
	}
	return nil, nil
}

func headerInt(header bencode.Value, key string) (int64, error) {
	v, ok := header.Get(key)
	if !ok {
		return 0, fmt.Errorf("metadata message has no %s", key)
	}
	i, err := v.Int64()
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, err)
	}
	return i, nil
}
