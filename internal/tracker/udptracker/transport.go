package udptracker

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// Transport holds the state shared by all UDP trackers in a session: the
// per-destination connection-id cache and the RNG for transaction ids.
type Transport struct {
	mu    sync.Mutex
	conns map[string]cachedConnectionID
	rand  *rand.Rand
}

type cachedConnectionID struct {
	id        uint64
	expiresAt time.Time
}

// NewTransport returns a transport using the given RNG.
func NewTransport(rnd *rand.Rand) *Transport {
	return &Transport{
		conns: make(map[string]cachedConnectionID),
		rand:  rnd,
	}
}

func (t *Transport) transactionID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rand.Uint32()
}

func (t *Transport) get(addr *net.UDPAddr) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[addr.String()]
	if !ok || time.Now().After(c.expiresAt) {
		return 0, false
	}
	return c.id, true
}

func (t *Transport) put(addr *net.UDPAddr, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[addr.String()] = cachedConnectionID{
		id:        id,
		expiresAt: time.Now().Add(connectionIDInterval),
	}
}

func (t *Transport) forget(addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, addr.String())
}
