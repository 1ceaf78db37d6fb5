package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DecodePeersCompact parses a compact peer list of 6-byte IPv4 entries.
func DecodePeersCompact(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("invalid compact peer list length: %d", len(b))
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := make(net.IP, 4)
		copy(ip, b[i:i+4])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return addrs, nil
}

// DecodePeers6Compact parses a compact peer list of 18-byte IPv6 entries.
func DecodePeers6Compact(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%18 != 0 {
		return nil, fmt.Errorf("invalid compact peers6 list length: %d", len(b))
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/18)
	for i := 0; i < len(b); i += 18 {
		ip := make(net.IP, 16)
		copy(ip, b[i:i+16])
		port := binary.BigEndian.Uint16(b[i+16 : i+18])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return addrs, nil
}
