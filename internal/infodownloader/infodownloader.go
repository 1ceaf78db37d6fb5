// Package infodownloader keeps track of the ut_metadata pieces fetched from
// a single peer.
package infodownloader

import "fmt"

const blockSize = 16 * 1024

// InfoDownloader accounts for the blocks of one metadata transfer and drives
// request pipelining. The send callback issues a metadata request for a piece
// index on the owning session's connection.
type InfoDownloader struct {
	Bytes []byte

	send      func(index uint32) error
	blocks    []block
	pending   []uint32
	requested map[uint32]struct{}
	received  map[uint32]struct{}
	rejected  map[uint32]struct{}
}

type block struct {
	size uint32
}

// New returns a downloader for a metadata transfer of the given total size.
func New(size uint32, send func(index uint32) error) *InfoDownloader {
	d := &InfoDownloader{
		Bytes:     make([]byte, size),
		send:      send,
		requested: make(map[uint32]struct{}),
		received:  make(map[uint32]struct{}),
		rejected:  make(map[uint32]struct{}),
	}
	d.blocks = createBlocks(size)
	d.pending = make([]uint32, len(d.blocks))
	for i := range d.pending {
		d.pending[i] = uint32(i)
	}
	return d
}

func createBlocks(size uint32) []block {
	numBlocks := size / blockSize
	mod := size % blockSize
	if mod != 0 {
		numBlocks++
	}
	blocks := make([]block, numBlocks)
	for i := range blocks {
		blocks[i] = block{size: blockSize}
	}
	if mod != 0 && len(blocks) > 0 {
		blocks[len(blocks)-1].size = mod
	}
	return blocks
}

// NumBlocks returns the total number of metadata pieces.
func (d *InfoDownloader) NumBlocks() int { return len(d.blocks) }

// RequestBlocks issues requests until queueLength requests are outstanding or
// no pending blocks remain.
func (d *InfoDownloader) RequestBlocks(queueLength int) error {
	for len(d.pending) > 0 && len(d.requested) < queueLength {
		index := d.pending[0]
		d.pending = d.pending[1:]
		if err := d.send(index); err != nil {
			return err
		}
		d.requested[index] = struct{}{}
	}
	return nil
}

// GotBlock stores a received metadata piece.
func (d *InfoDownloader) GotBlock(index uint32, data []byte) error {
	if index >= uint32(len(d.blocks)) {
		return fmt.Errorf("peer sent invalid index for metadata message: %d", index)
	}
	if _, ok := d.requested[index]; !ok {
		return fmt.Errorf("peer sent unrequested index for metadata message: %d", index)
	}
	b := &d.blocks[index]
	if uint32(len(data)) != b.size {
		return fmt.Errorf("peer sent invalid size for metadata message: %d", len(data))
	}
	delete(d.requested, index)
	d.received[index] = struct{}{}
	begin := index * blockSize
	end := begin + b.size
	copy(d.Bytes[begin:end], data)
	return nil
}

// GotReject handles a metadata reject for a piece. The piece is re-queued
// once; a second reject fails the transfer.
func (d *InfoDownloader) GotReject(index uint32) error {
	if index >= uint32(len(d.blocks)) {
		return fmt.Errorf("peer rejected invalid index for metadata message: %d", index)
	}
	if _, ok := d.requested[index]; !ok {
		return fmt.Errorf("peer rejected unrequested index for metadata message: %d", index)
	}
	delete(d.requested, index)
	if _, ok := d.rejected[index]; ok {
		return fmt.Errorf("peer rejected metadata piece %d twice", index)
	}
	d.rejected[index] = struct{}{}
	d.pending = append(d.pending, index)
	return nil
}

// Done reports whether every block has been received.
func (d *InfoDownloader) Done() bool {
	return len(d.received) == len(d.blocks)
}
